// Package eventprocessor owns client sessions and their subscriptions. It
// validates every inbound message against the session state, drives the
// integration through its narrow capability interfaces and fans bars out to
// subscribed clients.
package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services/pool"
	shutdowncoordinator "github.com/marvin-hansen/iggy-streaming-system-sub001/services/shutdownCoordinator"
	slogctx "github.com/veqryn/slog-context"
)

var (
	ErrNotABar         = errors.New("message is not a bar")
	ErrFanoutQueueFull = errors.New("fan-out queue full")
	ErrShuttingDown    = errors.New("event processor is shutting down")
)

type Options struct {
	NodeID          common.NodeID
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	DrainTimeout    time.Duration
	FanoutWorkers   int
	FanoutQueueSize int
	// Directory records which node serves which stream. Optional. With a
	// directory a stream another node already produces is not started here.
	Directory services.DataStore
	// DirectoryRecheck is how often remote streams are checked for a
	// producer that went away.
	DirectoryRecheck time.Duration
	// Coordinator defaults to one built around the integration's Shutdowner.
	Coordinator *shutdowncoordinator.Coordinator
}

func DefaultOptions() Options {
	return Options{
		NodeID:           "local",
		StartTimeout:     5 * time.Second,
		StopTimeout:      5 * time.Second,
		DrainTimeout:     10 * time.Second,
		FanoutWorkers:    16,
		FanoutQueueSize:  1024,
		DirectoryRecheck: 2 * time.Second,
	}
}

type Processor struct {
	integration services.Integration
	ohlcv       services.OHLCVProducer
	trade       services.TradeProducer
	stopAll     services.StopAllReactor
	writers     services.ClientWriterManager
	metrics     services.MetricsRegistry
	directory   services.DataStore
	coordinator *shutdowncoordinator.Coordinator
	opts        Options
	logger      *slog.Logger

	// lock serializes session creation and removal; never held across an
	// integration call.
	lock     sync.Mutex
	sessions *haxmap.Map[common.ClientID, *session]
	// tails holds the newest mailbox of every client whose actor may still
	// run. A new actor of the client waits for the previous one to finish.
	tails map[common.ClientID]*mailbox

	// subscribers holds the active subscribers of every stream, keyed by
	// SubscriptionKey.String(). Writers hold subscribersLock, which also
	// guards producers, the number of locally produced subscriptions per key.
	subscribersLock sync.Mutex
	subscribers     *haxmap.Map[string, *haxmap.Map[common.ClientID, struct{}]]
	producers       map[string]int

	seq      atomic.Uint64
	subCount atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
	actors       sync.WaitGroup

	objPool    *pool.ObjectPool
	fanoutChs  []chan *pool.DeliveryJob
	stopFanout chan struct{}
	stopOnce   sync.Once
}

var _ services.EventProcessor = (*Processor)(nil)

// New builds a processor around integration. The integration's capabilities
// are discovered by type assertion; a kind it does not produce is answered
// with DataError(UnsupportedDataKind).
func New(
	ctx context.Context,
	integration services.Integration,
	writers services.ClientWriterManager,
	metricsRegistry services.MetricsRegistry,
	opts Options) *Processor {
	defaults := DefaultOptions()
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaults.StartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaults.DrainTimeout
	}
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = defaults.FanoutWorkers
	}
	if opts.FanoutQueueSize <= 0 {
		opts.FanoutQueueSize = defaults.FanoutQueueSize
	}
	if opts.NodeID == "" {
		opts.NodeID = defaults.NodeID
	}
	if opts.DirectoryRecheck <= 0 {
		opts.DirectoryRecheck = defaults.DirectoryRecheck
	}

	logger := slogctx.FromCtx(ctx).With("component", "eventProcessor", "integration", integration.IntegrationName())
	lifecycle, cancel := context.WithCancel(slogctx.NewCtx(ctx, logger))

	p := &Processor{
		integration: integration,
		writers:     writers,
		metrics:     metricsRegistry,
		directory:   opts.Directory,
		coordinator: opts.Coordinator,
		opts:        opts,
		logger:      logger,
		sessions:    haxmap.New[common.ClientID, *session](),
		tails:       make(map[common.ClientID]*mailbox),
		subscribers: haxmap.New[string, *haxmap.Map[common.ClientID, struct{}]](),
		producers:   make(map[string]int),
		ctx:         lifecycle,
		cancel:      cancel,
		objPool:     pool.NewObjectPool(),
		stopFanout:  make(chan struct{}),
	}
	p.ohlcv, _ = integration.(services.OHLCVProducer)
	p.trade, _ = integration.(services.TradeProducer)
	p.stopAll, _ = integration.(services.StopAllReactor)
	if p.coordinator == nil {
		shutdowner, _ := integration.(services.Shutdowner)
		p.coordinator = shutdowncoordinator.New(shutdowner)
	}

	p.startFanout()
	if p.directory != nil {
		go p.watchDirectory()
	}
	return p
}

// Accepting reports whether the processor still takes new sessions and
// subscriptions.
func (p *Processor) Accepting() bool {
	return !p.shuttingDown.Load()
}

// Handle applies one inbound client message. The returned error is a
// ds.ClientError or ds.DataError the sender must be told about, or nil.
func (p *Processor) Handle(ctx context.Context, msg ds.Message) error {
	if msg == nil {
		return ds.NewDataError(ds.DecodeFailure, "nil message")
	}
	p.metrics.IncMessageCount(msg.MessageType())

	switch m := msg.(type) {
	case ds.ClientLogin:
		return p.login(ctx, m.ClientID)
	case ds.ClientLogout:
		return p.logout(ctx, m.ClientID)
	case ds.StartData:
		return p.startData(ctx, m)
	case ds.StopData:
		return p.stopData(ctx, m)
	case ds.StopAllData:
		return p.stopAllData(ctx, m.ClientID)
	case ds.ClientError:
		return ds.NewClientError(m.ClientID, ds.MalformedMessage, "clients may not send %s", m.MessageType())
	default:
		return ds.NewDataError(ds.DecodeFailure, "clients may not send %s", msg.MessageType())
	}
}

func (p *Processor) login(ctx context.Context, clientID common.ClientID) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.shuttingDown.Load() {
		return ds.NewClientError(clientID, ds.ServiceShuttingDown, "login refused")
	}
	if _, exists := p.sessions.Get(clientID); exists {
		return ds.NewClientError(clientID, ds.DuplicateLogin, "client %d already logged in", clientID)
	}

	s := newSession(clientID)
	p.sessions.Set(clientID, s)
	prev := p.tails[clientID]
	p.tails[clientID] = s.mailbox
	p.actors.Add(1)
	go func() {
		defer p.actors.Done()
		// stops queued by an earlier session of this client run first
		if prev != nil {
			<-prev.done
		}
		s.mailbox.run()

		p.lock.Lock()
		if p.tails[clientID] == s.mailbox {
			delete(p.tails, clientID)
		}
		p.lock.Unlock()
	}()

	p.metrics.SetSessionCount(int(p.sessions.Len()))
	slogctx.FromCtx(ctx).DebugContext(ctx, "session created", "client-id", clientID)
	return nil
}

func (p *Processor) logout(ctx context.Context, clientID common.ClientID) error {
	p.lock.Lock()
	s, exists := p.sessions.Get(clientID)
	if exists {
		p.sessions.Del(clientID)
	}
	p.lock.Unlock()
	if !exists {
		return ds.NewClientError(clientID, ds.SessionNotFound, "logout without session")
	}

	n := p.teardown(s)
	p.metrics.SetSessionCount(int(p.sessions.Len()))
	slogctx.FromCtx(ctx).DebugContext(ctx, "session destroyed", "client-id", clientID, "subscriptions", n)
	return nil
}

// session returns the live session of clientID or a SessionNotFound error.
func (p *Processor) session(clientID common.ClientID) (*session, error) {
	s, ok := p.sessions.Get(clientID)
	if !ok {
		return nil, ds.NewClientError(clientID, ds.SessionNotFound, "no active session")
	}
	return s, nil
}

func (p *Processor) startData(ctx context.Context, m ds.StartData) error {
	s, err := p.session(m.ClientID)
	if err != nil {
		return err
	}
	if p.shuttingDown.Load() {
		return ds.NewClientError(m.ClientID, ds.ServiceShuttingDown, "no new subscriptions")
	}
	if m.Symbol == "" || !m.Kind.IsValid() {
		return ds.NewClientError(m.ClientID, ds.MalformedMessage, "start needs a symbol and a bar kind")
	}
	ops, ok := p.streamOpsFor(m.Kind)
	if !ok {
		return ds.NewDataError(ds.UnsupportedDataKind, "%s does not produce %s bars", p.integration.IntegrationName(), m.Kind)
	}

	key := m.Key()
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ds.NewClientError(m.ClientID, ds.SessionNotFound, "session closed")
	}
	if _, exists := s.entries[key]; exists {
		return nil
	}

	seq := p.seq.Add(1)
	s.entries[key] = &entry{seq: seq, state: StatePending}
	p.metrics.SetSubscriptionCount(int(p.subCount.Add(1)))

	req := ds.StreamRequest{ClientID: m.ClientID, Symbol: m.Symbol, Kind: m.Kind}
	s.mailbox.push(func() { p.runStart(s, req, seq, ops) })
	slogctx.FromCtx(ctx).DebugContext(ctx, "subscription pending", "client-id", m.ClientID, "stream", key.String(), "seq", seq)
	return nil
}

func (p *Processor) stopData(ctx context.Context, m ds.StopData) error {
	s, err := p.session(m.ClientID)
	if err != nil {
		return err
	}
	if m.Symbol == "" || !m.Kind.IsValid() {
		return ds.NewClientError(m.ClientID, ds.MalformedMessage, "stop needs a symbol and a bar kind")
	}

	key := m.Key()
	s.lock.Lock()
	defer s.lock.Unlock()
	e, exists := s.entries[key]
	if !exists {
		return nil
	}
	delete(s.entries, key)
	p.metrics.SetSubscriptionCount(int(p.subCount.Add(-1)))

	// a pending entry is stopped by its own acknowledgement
	if e.state == StateActive {
		p.unindex(key, s.clientID)
		if !e.remote {
			last := p.release(key)
			req := ds.StreamRequest{ClientID: m.ClientID, Symbol: m.Symbol, Kind: m.Kind}
			s.mailbox.push(func() { p.runStop(req, last) })
		}
	}
	slogctx.FromCtx(ctx).DebugContext(ctx, "subscription removed", "client-id", m.ClientID, "stream", key.String())
	return nil
}

func (p *Processor) stopAllData(ctx context.Context, clientID common.ClientID) error {
	s, err := p.session(clientID)
	if err != nil {
		return err
	}

	s.lock.Lock()
	n := p.drain(s)
	s.lock.Unlock()

	slogctx.FromCtx(ctx).DebugContext(ctx, "all subscriptions removed", "client-id", clientID, "subscriptions", n)
	return nil
}

// drain removes every entry of s and queues the integration stops for the
// active local ones. Must be called with s.lock held.
func (p *Processor) drain(s *session) int {
	n := len(s.entries)
	if n == 0 {
		return 0
	}

	var active []ds.StreamRequest
	released := set.New[ds.SubscriptionKey]()
	for key, e := range s.entries {
		if e.state == StateActive {
			p.unindex(key, s.clientID)
			if !e.remote {
				active = append(active, ds.StreamRequest{ClientID: s.clientID, Symbol: key.Symbol, Kind: key.Kind})
				if p.release(key) {
					released.Add(key)
				}
			}
		}
		delete(s.entries, key)
	}
	p.metrics.SetSubscriptionCount(int(p.subCount.Add(int64(-n))))

	if len(active) > 0 {
		if p.stopAll != nil {
			clientID := s.clientID
			s.mailbox.push(func() { p.runStopAll(clientID, released) })
		} else {
			for _, req := range active {
				s.mailbox.push(func() { p.runStop(req, released.Contain(req.Key())) })
			}
		}
	}
	return n
}

// teardown closes s: its subscriptions are drained and its actor exits after
// the queued stops ran. s must already be out of the session table.
func (p *Processor) teardown(s *session) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	n := p.drain(s)
	invariant(len(s.entries) == 0, "session %d kept %d entries after teardown", s.clientID, len(s.entries))
	s.mailbox.close()
	return n
}

// Shutdown stops accepting work, cancels pending starts, destroys every
// session after queuing the stops of its subscriptions and finally waits for
// the integration to quiesce. It returns only once the integration reported
// quiescence, or with an error when it failed or ctx expired first.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.lock.Lock()
	if !p.shuttingDown.CompareAndSwap(false, true) {
		p.lock.Unlock()
		return p.coordinator.Wait(ctx)
	}
	p.cancel()
	var sessions []*session
	p.sessions.ForEach(func(_ common.ClientID, s *session) bool {
		sessions = append(sessions, s)
		return true
	})
	for _, s := range sessions {
		p.sessions.Del(s.clientID)
	}
	p.lock.Unlock()

	p.logger.InfoContext(ctx, "shutting down", "sessions", len(sessions))
	for _, s := range sessions {
		p.teardown(s)
	}
	p.metrics.SetSessionCount(0)

	drained := make(chan struct{})
	go func() {
		p.actors.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.opts.DrainTimeout):
		p.logger.ErrorContext(ctx, "session actors did not drain in time", "timeout", p.opts.DrainTimeout.String())
	case <-ctx.Done():
		p.logger.ErrorContext(ctx, "shutdown context expired while draining sessions", "err", ctx.Err())
	}

	for _, s := range sessions {
		p.notify(s.clientID, ds.ServiceShutdown{Reason: "service shutting down"})
	}
	p.stopOnce.Do(func() { close(p.stopFanout) })

	p.coordinator.Request(ctx)
	if err := p.coordinator.Wait(ctx); err != nil {
		p.logger.ErrorContext(ctx, "integration did not shut down cleanly", "err", err)
		return err
	}
	p.logger.InfoContext(ctx, "shutdown complete")
	return nil
}

// notify encodes msg and queues it for clientID.
func (p *Processor) notify(clientID common.ClientID, msg ds.Message) {
	frame, err := codec.Encode(msg)
	if err != nil {
		p.logger.Error("failed to encode notification", "client-id", clientID, "msg-type", msg.MessageType().String(), "err", err)
		return
	}
	if err := p.writers.Write(clientID, frame); err != nil {
		p.metrics.IncDroppedCount("notify")
		p.logger.Warn("dropped notification", "client-id", clientID, "msg-type", msg.MessageType().String(), "err", err)
	}
}

// HasSession reports whether clientID is logged in.
func (p *Processor) HasSession(clientID common.ClientID) bool {
	_, ok := p.sessions.Get(clientID)
	return ok
}

// Sessions returns the ids of all logged in clients.
func (p *Processor) Sessions() []common.ClientID {
	ids := make([]common.ClientID, 0, p.sessions.Len())
	p.sessions.ForEach(func(id common.ClientID, _ *session) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Subscriptions returns the pending and active streams of clientID.
func (p *Processor) Subscriptions(clientID common.ClientID) set.Set[ds.SubscriptionKey] {
	keys := set.New[ds.SubscriptionKey]()
	s, ok := p.sessions.Get(clientID)
	if !ok {
		return keys
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for key := range s.entries {
		keys.Add(key)
	}
	return keys
}

// SubscriptionState reports the state of one subscription of clientID.
func (p *Processor) SubscriptionState(clientID common.ClientID, key ds.SubscriptionKey) (State, bool) {
	s, ok := p.sessions.Get(clientID)
	if !ok {
		return 0, false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}

func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("eventprocessor: invariant violated: "+format, args...))
	}
}
