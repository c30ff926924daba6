// Package replay is a market-data integration that needs no upstream. It
// either walks prices randomly from a seed or replays a fixed script of bars,
// one bar per interval for every started stream.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	"github.com/shopspring/decimal"
	slogctx "github.com/veqryn/slog-context"
)

const Name = "replay"

type Options struct {
	// Symbols is the allow-list; empty allows any symbol.
	Symbols    []string
	Interval   time.Duration
	Seed       uint64
	StartPrice decimal.Decimal
	// Script, when set, replaces the random walk. Each stream publishes the
	// script bars of its own key in order and then goes quiet.
	Script []ds.Bar
}

func DefaultOptions() Options {
	return Options{
		Interval:   time.Second,
		Seed:       1,
		StartPrice: decimal.NewFromInt(100),
	}
}

type Integration struct {
	opts    Options
	allowed set.Set[string]
	logger  *slog.Logger
	sink    atomic.Pointer[sinkRef]

	lock         sync.Mutex
	streams      map[ds.SubscriptionKey]*stream
	shuttingDown bool
	producers    sync.WaitGroup
}

type sinkRef struct{ services.DataSink }

var (
	_ services.OHLCVProducer  = (*Integration)(nil)
	_ services.TradeProducer  = (*Integration)(nil)
	_ services.StopAllReactor = (*Integration)(nil)
	_ services.Shutdowner     = (*Integration)(nil)
)

func New(ctx context.Context, opts Options) *Integration {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.StartPrice.LessThanOrEqual(decimal.Zero) {
		opts.StartPrice = DefaultOptions().StartPrice
	}
	return &Integration{
		opts:    opts,
		allowed: set.New(opts.Symbols...),
		logger:  slogctx.FromCtx(ctx).With("component", "replayIntegration"),
		streams: make(map[ds.SubscriptionKey]*stream),
	}
}

// SetSink sets where produced bars go. Bars produced before a sink is set
// are dropped.
func (i *Integration) SetSink(sink services.DataSink) {
	i.sink.Store(&sinkRef{sink})
}

func (i *Integration) IntegrationName() string { return Name }

func (i *Integration) StartOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	return i.start(ctx, req)
}

func (i *Integration) StopOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	return i.stop(ctx, req)
}

func (i *Integration) StartTradeStream(ctx context.Context, req ds.StreamRequest) error {
	return i.start(ctx, req)
}

func (i *Integration) StopTradeStream(ctx context.Context, req ds.StreamRequest) error {
	return i.stop(ctx, req)
}

// Streams returns the number of running producers.
func (i *Integration) Streams() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.streams)
}

func (i *Integration) start(ctx context.Context, req ds.StreamRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(i.allowed) > 0 && !i.allowed.Contain(req.Symbol) {
		return fmt.Errorf("%w: %s", services.ErrUnsupportedSymbol, req.Symbol)
	}

	key := req.Key()
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.shuttingDown {
		return fmt.Errorf("%w: replay is shutting down", services.ErrUpstreamUnavailable)
	}
	if s, ok := i.streams[key]; ok {
		s.clients.Add(req.ClientID)
		return nil
	}

	s := newStream(key, req.ClientID, i.generatorFor(key))
	i.streams[key] = s
	i.producers.Add(1)
	go func() {
		defer i.producers.Done()
		s.run(i.opts.Interval, i.publish)
	}()
	i.logger.Debug("stream started", "stream", key.String(), "client-id", req.ClientID)
	return nil
}

func (i *Integration) stop(ctx context.Context, req ds.StreamRequest) error {
	key := req.Key()
	i.lock.Lock()
	s, ok := i.streams[key]
	if !ok {
		i.lock.Unlock()
		return nil
	}
	s.clients.Delete(req.ClientID)
	if len(s.clients) > 0 {
		i.lock.Unlock()
		return nil
	}
	delete(i.streams, key)
	i.lock.Unlock()

	return s.halt(ctx)
}

// StopAllStreams drops clientID from every stream it subscribed to.
func (i *Integration) StopAllStreams(ctx context.Context, clientID common.ClientID) error {
	var idle []*stream
	i.lock.Lock()
	for key, s := range i.streams {
		if !s.clients.Contain(clientID) {
			continue
		}
		s.clients.Delete(clientID)
		if len(s.clients) == 0 {
			delete(i.streams, key)
			idle = append(idle, s)
		}
	}
	i.lock.Unlock()

	for _, s := range idle {
		if err := s.halt(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown halts every producer and refuses further starts. It returns once
// all producers exited, or with ctx's error.
func (i *Integration) Shutdown(ctx context.Context) error {
	i.lock.Lock()
	i.shuttingDown = true
	streams := i.streams
	i.streams = make(map[ds.SubscriptionKey]*stream)
	i.lock.Unlock()

	for _, s := range streams {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		i.producers.Wait()
		close(done)
	}()
	select {
	case <-done:
		i.logger.InfoContext(ctx, "replay quiesced", "halted", len(streams))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("replay producers still running: %w", ctx.Err())
	}
}

func (i *Integration) publish(ctx context.Context, bar ds.Bar) {
	ref := i.sink.Load()
	if ref == nil {
		return
	}
	if err := ref.Publish(ctx, bar); err != nil {
		i.logger.Debug("bar not published", "stream", bar.Key().String(), "err", err)
	}
}

func (i *Integration) generatorFor(key ds.SubscriptionKey) generator {
	if len(i.opts.Script) > 0 {
		return newScript(key, i.opts.Script)
	}
	return newRandomWalk(key, i.opts.Seed, i.opts.StartPrice)
}
