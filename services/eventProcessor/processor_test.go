package eventprocessor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/mocks"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	metricsregistry "github.com/marvin-hansen/iggy-streaming-system-sub001/services/metricsRegistry"
	shutdowncoordinator "github.com/marvin-hansen/iggy-streaming-system-sub001/services/shutdownCoordinator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	slogctx "github.com/veqryn/slog-context"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	btc      = ds.SubscriptionKey{Symbol: "BTCUSD", Kind: ds.OHLCVKind}
	eth      = ds.SubscriptionKey{Symbol: "ETHUSD", Kind: ds.OHLCVKind}
	btcTrade = ds.SubscriptionKey{Symbol: "BTCUSD", Kind: ds.TradeKind}
)

type call struct {
	op       string
	req      ds.StreamRequest
	clientID common.ClientID
}

// recorder backs the fake integrations. Hooks are set before the processor
// is built and never changed afterwards.
type recorder struct {
	mu       sync.Mutex
	calls    []call
	start    func(ctx context.Context, req ds.StreamRequest) error
	stop     func(ctx context.Context, req ds.StreamRequest) error
	shutdown func(ctx context.Context) error
}

func (r *recorder) record(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) doStart(ctx context.Context, op string, req ds.StreamRequest) error {
	r.record(call{op: op, req: req, clientID: req.ClientID})
	if r.start != nil {
		return r.start(ctx, req)
	}
	return nil
}

func (r *recorder) doStop(ctx context.Context, op string, req ds.StreamRequest) error {
	r.record(call{op: op, req: req, clientID: req.ClientID})
	if r.stop != nil {
		return r.stop(ctx, req)
	}
	return nil
}

func (r *recorder) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

// trace returns op:symbol for every recorded stream call.
func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.req.Symbol != "" {
			out = append(out, c.op+":"+c.req.Symbol)
		}
	}
	return out
}

func (r *recorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		ops = append(ops, c.op)
	}
	return ops
}

// ohlcvSource produces OHLCV bars and nothing else.
type ohlcvSource struct{ *recorder }

func (s ohlcvSource) IntegrationName() string { return "ohlcv-only" }
func (s ohlcvSource) StartOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	return s.doStart(ctx, "start_ohlcv", req)
}
func (s ohlcvSource) StopOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	return s.doStop(ctx, "stop_ohlcv", req)
}

// fullSource has every capability.
type fullSource struct{ *recorder }

func (s fullSource) IntegrationName() string { return "full" }
func (s fullSource) StartOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	return s.doStart(ctx, "start_ohlcv", req)
}
func (s fullSource) StopOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	return s.doStop(ctx, "stop_ohlcv", req)
}
func (s fullSource) StartTradeStream(ctx context.Context, req ds.StreamRequest) error {
	return s.doStart(ctx, "start_trade", req)
}
func (s fullSource) StopTradeStream(ctx context.Context, req ds.StreamRequest) error {
	return s.doStop(ctx, "stop_trade", req)
}
func (s fullSource) StopAllStreams(ctx context.Context, clientID common.ClientID) error {
	s.record(call{op: "stop_all", clientID: clientID})
	return nil
}
func (s fullSource) Shutdown(ctx context.Context) error {
	s.record(call{op: "shutdown"})
	if s.shutdown != nil {
		return s.shutdown(ctx)
	}
	return nil
}

// fakeWriters decodes every frame it is handed.
type fakeWriters struct {
	mu    sync.Mutex
	msgs  map[common.ClientID][]ds.Message
	block chan struct{}
}

func newFakeWriters() *fakeWriters {
	return &fakeWriters{msgs: make(map[common.ClientID][]ds.Message)}
}

func (w *fakeWriters) SetWriterForClientID(common.ClientID, services.MessageWriter) {}
func (w *fakeWriters) DeleteClientID(common.ClientID)                              {}
func (w *fakeWriters) HasClientID(common.ClientID) bool                            { return true }

func (w *fakeWriters) Write(clientID common.ClientID, data []byte) error {
	if w.block != nil {
		<-w.block
	}
	msg, err := codec.Decode(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs[clientID] = append(w.msgs[clientID], msg)
	return nil
}

func (w *fakeWriters) messages(clientID common.ClientID) []ds.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ds.Message{}, w.msgs[clientID]...)
}

// dataErrors returns the DataError types delivered to clientID.
func (w *fakeWriters) dataErrors(clientID common.ClientID) []ds.DataErrorType {
	var types []ds.DataErrorType
	for _, msg := range w.messages(clientID) {
		if de, ok := msg.(ds.DataError); ok {
			types = append(types, de.ErrorType)
		}
	}
	return types
}

func testCtx() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return slogctx.NewCtx(context.Background(), logger)
}

func newTestProcessor(t *testing.T, integration services.Integration, writers *fakeWriters, opts Options) *Processor {
	t.Helper()
	p := New(testCtx(), integration, writers, metricsregistry.New("test"), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func login(t *testing.T, p *Processor, ids ...common.ClientID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, p.Handle(testCtx(), ds.ClientLogin{ClientID: id}))
	}
}

func start(t *testing.T, p *Processor, id common.ClientID, key ds.SubscriptionKey) {
	t.Helper()
	require.NoError(t, p.Handle(testCtx(), ds.StartData{ClientID: id, Symbol: key.Symbol, Kind: key.Kind}))
}

func waitState(t *testing.T, p *Processor, id common.ClientID, key ds.SubscriptionKey, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := p.SubscriptionState(id, key)
		return ok && state == want
	}, waitFor, tick)
}

func waitGone(t *testing.T, p *Processor, id common.ClientID, key ds.SubscriptionKey) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := p.SubscriptionState(id, key)
		return !ok
	}, waitFor, tick)
}

func ohlcvBar(symbol string) ds.OHLCVBar {
	return ds.OHLCVBar{
		Symbol:   symbol,
		DateTime: time.Unix(0, 1_700_000_000_000_000_000).UTC(),
		Open:     decimal.New(42000, 0),
		High:     decimal.New(42500, 0),
		Low:      decimal.New(41900, 0),
		Close:    decimal.New(4231050, -2),
		Volume:   decimal.New(15, -1),
	}
}

func assertClientError(t *testing.T, err error, want ds.ClientErrorType) {
	t.Helper()
	var clientErr ds.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, want, clientErr.ErrorType)
}

func assertDataError(t *testing.T, err error, want ds.DataErrorType) {
	t.Helper()
	var dataErr ds.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, want, dataErr.ErrorType)
}

func TestLoginLogout(t *testing.T) {
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), DefaultOptions())

	login(t, p, 0, 65535)
	assert.True(t, p.HasSession(0))
	assert.True(t, p.HasSession(65535))
	assert.ElementsMatch(t, []common.ClientID{0, 65535}, p.Sessions())

	require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 0}))
	assert.False(t, p.HasSession(0))

	assertClientError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 0}), ds.SessionNotFound)
}

func TestDuplicateLoginKeepsSession(t *testing.T) {
	src := ohlcvSource{&recorder{}}
	p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())

	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	assertClientError(t, p.Handle(testCtx(), ds.ClientLogin{ClientID: 7}), ds.DuplicateLogin)

	assert.True(t, p.HasSession(7))
	state, ok := p.SubscriptionState(7, btc)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 0, src.count("stop_ohlcv"))
}

func TestRejectionWithoutSession(t *testing.T) {
	src := ohlcvSource{&recorder{}}
	p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())

	tests := []struct {
		name string
		msg  ds.Message
	}{
		{"logout", ds.ClientLogout{ClientID: 9}},
		{"start", ds.StartData{ClientID: 9, Symbol: "BTCUSD", Kind: ds.OHLCVKind}},
		{"stop", ds.StopData{ClientID: 9, Symbol: "BTCUSD", Kind: ds.OHLCVKind}},
		{"stop all", ds.StopAllData{ClientID: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertClientError(t, p.Handle(testCtx(), tt.msg), ds.SessionNotFound)
			assert.Empty(t, p.Sessions())
		})
	}
	assert.Empty(t, src.ops())
}

func TestMalformedStart(t *testing.T) {
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), DefaultOptions())
	login(t, p, 7)

	err := p.Handle(testCtx(), ds.StartData{ClientID: 7, Symbol: "", Kind: ds.OHLCVKind})
	assertClientError(t, err, ds.MalformedMessage)

	err = p.Handle(testCtx(), ds.StartData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.BarKind(9)})
	assertClientError(t, err, ds.MalformedMessage)

	assert.Zero(t, p.Subscriptions(7).Size())
}

func TestStartUnsupportedKind(t *testing.T) {
	src := ohlcvSource{&recorder{}}
	p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
	login(t, p, 7)

	err := p.Handle(testCtx(), ds.StartData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.TradeKind})
	assertDataError(t, err, ds.UnsupportedDataKind)
	assert.Zero(t, p.Subscriptions(7).Size())
	assert.Empty(t, src.ops())
}

func TestStartIsIdempotent(t *testing.T) {
	src := ohlcvSource{&recorder{}}
	p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
	login(t, p, 7)

	start(t, p, 7, btc)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)
	start(t, p, 7, btc)

	assert.Equal(t, 1, p.Subscriptions(7).Size())
	assert.Equal(t, 1, src.count("start_ohlcv"))
	assert.Equal(t, 1, p.subscriberCount(btc))
}

func TestDeliversOnlyToSubscribers(t *testing.T) {
	writers := newFakeWriters()
	p := newTestProcessor(t, fullSource{&recorder{}}, writers, DefaultOptions())
	login(t, p, 7, 8)

	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	bar := ohlcvBar("BTCUSD")
	require.NoError(t, p.Publish(testCtx(), bar))
	// same symbol, other kind: nobody subscribed
	require.NoError(t, p.Publish(testCtx(), ds.TradeBar{
		Symbol:   "BTCUSD",
		DateTime: time.Unix(0, 1).UTC(),
		Price:    decimal.New(1, 0),
		Volume:   decimal.New(2, 0),
	}))

	require.Eventually(t, func() bool { return len(writers.messages(7)) == 1 }, waitFor, tick)
	assert.Equal(t, ds.Message(bar), writers.messages(7)[0])
	assert.Never(t, func() bool { return len(writers.messages(8)) > 0 }, 50*time.Millisecond, tick)
}

func TestPublishKeepsStreamOrder(t *testing.T) {
	writers := newFakeWriters()
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, writers, DefaultOptions())
	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	const n = 50
	for i := 0; i < n; i++ {
		bar := ohlcvBar("BTCUSD")
		bar.Volume = decimal.New(int64(i), 0)
		require.NoError(t, p.Publish(testCtx(), bar))
	}

	require.Eventually(t, func() bool { return len(writers.messages(7)) == n }, waitFor, tick)
	for i, msg := range writers.messages(7) {
		assert.True(t, msg.(ds.OHLCVBar).Volume.Equal(decimal.New(int64(i), 0)), "bar %d out of order", i)
	}
}

func TestPublishRejectsNonBars(t *testing.T) {
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), DefaultOptions())

	assert.ErrorIs(t, p.Publish(testCtx(), ds.ClientLogin{ClientID: 1}), ErrNotABar)
	assert.ErrorIs(t, p.Publish(testCtx(), nil), ErrNotABar)
	assert.NoError(t, p.Publish(testCtx(), ohlcvBar("NOBODY")))
}

func TestPublishQueueFull(t *testing.T) {
	writers := newFakeWriters()
	writers.block = make(chan struct{})
	opts := DefaultOptions()
	opts.FanoutWorkers = 1
	opts.FanoutQueueSize = 1
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, writers, opts)
	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Publish(testCtx(), ohlcvBar("BTCUSD"))
	}
	assert.ErrorIs(t, err, ErrFanoutQueueFull)
	close(writers.block)
}

func TestStopActiveSubscription(t *testing.T) {
	writers := newFakeWriters()
	src := ohlcvSource{&recorder{}}
	p := newTestProcessor(t, src, writers, DefaultOptions())
	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	require.NoError(t, p.Handle(testCtx(), ds.StopData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.OHLCVKind}))
	_, ok := p.SubscriptionState(7, btc)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return src.count("stop_ohlcv") == 1 }, waitFor, tick)

	require.NoError(t, p.Publish(testCtx(), ohlcvBar("BTCUSD")))
	assert.Never(t, func() bool { return len(writers.messages(7)) > 0 }, 50*time.Millisecond, tick)

	// stopping what is not subscribed is a no-op
	require.NoError(t, p.Handle(testCtx(), ds.StopData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.OHLCVKind}))
	assert.Equal(t, 1, src.count("stop_ohlcv"))
}

func TestStopAllSupersedesPendingStart(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{start: func(ctx context.Context, req ds.StreamRequest) error {
		<-release
		return nil
	}}
	src := fullSource{rec}
	writers := newFakeWriters()
	p := newTestProcessor(t, src, writers, DefaultOptions())
	login(t, p, 7)

	start(t, p, 7, eth)
	waitState(t, p, 7, eth, StatePending)
	require.Eventually(t, func() bool { return src.count("start_ohlcv") == 1 }, waitFor, tick)

	require.NoError(t, p.Handle(testCtx(), ds.StopAllData{ClientID: 7}))
	assert.Zero(t, p.Subscriptions(7).Size())

	close(release)

	// the late success is compensated, never activated
	require.Eventually(t, func() bool { return src.count("stop_ohlcv") == 1 }, waitFor, tick)
	_, ok := p.SubscriptionState(7, eth)
	assert.False(t, ok)
	assert.Zero(t, p.subscriberCount(eth))
	assert.Zero(t, src.count("stop_all"))
	assert.Empty(t, writers.dataErrors(7))
}

func TestStaleAckDoesNotResurrect(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{start: func(ctx context.Context, req ds.StreamRequest) error {
		first := false
		once.Do(func() { first = true })
		if first {
			<-release
		}
		return nil
	}}
	src := ohlcvSource{rec}
	p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
	login(t, p, 7)

	start(t, p, 7, eth)
	require.Eventually(t, func() bool { return src.count("start_ohlcv") == 1 }, waitFor, tick)
	require.NoError(t, p.Handle(testCtx(), ds.StopData{ClientID: 7, Symbol: "ETHUSD", Kind: ds.OHLCVKind}))
	start(t, p, 7, eth)
	waitState(t, p, 7, eth, StatePending)

	close(release)

	waitState(t, p, 7, eth, StateActive)
	assert.Equal(t, 2, src.count("start_ohlcv"))
	assert.Equal(t, 1, src.count("stop_ohlcv"))
	assert.Equal(t, []string{"start_ohlcv", "stop_ohlcv", "start_ohlcv"}, src.ops())
}

func TestStartFailures(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	tests := []struct {
		name        string
		start       func(ctx context.Context, req ds.StreamRequest) error
		want        ds.DataErrorType
		compensated bool
	}{
		{
			name:  "unsupported symbol",
			start: func(context.Context, ds.StreamRequest) error { return services.ErrUnsupportedSymbol },
			want:  ds.UnsupportedSymbol,
		},
		{
			name:  "upstream failure",
			start: func(context.Context, ds.StreamRequest) error { return errors.New("connection refused") },
			want:  ds.UpstreamUnavailable,
		},
		{
			name:  "integration data error",
			start: func(context.Context, ds.StreamRequest) error { return ds.NewDataError(ds.UnsupportedSymbol, "delisted") },
			want:  ds.UnsupportedSymbol,
		},
		{
			// ignores its context entirely
			name:        "hanging start",
			start:       func(context.Context, ds.StreamRequest) error { <-hang; return nil },
			want:        ds.UpstreamUnavailable,
			compensated: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := ohlcvSource{&recorder{start: tt.start}}
			writers := newFakeWriters()
			opts := DefaultOptions()
			opts.StartTimeout = 20 * time.Millisecond
			p := newTestProcessor(t, src, writers, opts)
			login(t, p, 7)

			start(t, p, 7, btc)

			require.Eventually(t, func() bool { return len(writers.dataErrors(7)) == 1 }, waitFor, tick)
			assert.Equal(t, tt.want, writers.dataErrors(7)[0])
			waitGone(t, p, 7, btc)
			if tt.compensated {
				assert.Equal(t, 1, src.count("stop_ohlcv"))
			} else {
				assert.Zero(t, src.count("stop_ohlcv"))
			}
			assert.True(t, p.HasSession(7))
		})
	}
}

func TestStopTimeoutReported(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	src := ohlcvSource{&recorder{stop: func(context.Context, ds.StreamRequest) error {
		<-hang
		return nil
	}}}
	writers := newFakeWriters()
	opts := DefaultOptions()
	opts.StopTimeout = 20 * time.Millisecond
	p := newTestProcessor(t, src, writers, opts)
	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	require.NoError(t, p.Handle(testCtx(), ds.StopData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.OHLCVKind}))

	require.Eventually(t, func() bool { return len(writers.dataErrors(7)) == 1 }, waitFor, tick)
	assert.Equal(t, ds.StopTimeout, writers.dataErrors(7)[0])
}

func TestLogoutCascade(t *testing.T) {
	t.Run("one stop per subscription", func(t *testing.T) {
		src := ohlcvSource{&recorder{}}
		p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
		login(t, p, 7)
		for _, symbol := range []string{"BTCUSD", "ETHUSD", "SOLUSD"} {
			key := ds.SubscriptionKey{Symbol: symbol, Kind: ds.OHLCVKind}
			start(t, p, 7, key)
			waitState(t, p, 7, key, StateActive)
		}

		require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 7}))

		assert.False(t, p.HasSession(7))
		assert.Zero(t, p.Subscriptions(7).Size())
		require.Eventually(t, func() bool { return src.count("stop_ohlcv") == 3 }, waitFor, tick)
		assert.Zero(t, p.subscriberCount(btc))
	})

	t.Run("single stop all", func(t *testing.T) {
		src := fullSource{&recorder{}}
		p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
		login(t, p, 7)
		for _, key := range []ds.SubscriptionKey{btc, eth, btcTrade} {
			start(t, p, 7, key)
			waitState(t, p, 7, key, StateActive)
		}

		require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 7}))

		require.Eventually(t, func() bool { return src.count("stop_all") == 1 }, waitFor, tick)
		assert.Zero(t, src.count("stop_ohlcv"))
		assert.Zero(t, src.count("stop_trade"))
	})
}

func TestShutdownCancelsPendingStart(t *testing.T) {
	quiesce := make(chan struct{})
	rec := &recorder{
		start: func(ctx context.Context, req ds.StreamRequest) error {
			<-ctx.Done()
			return ctx.Err()
		},
		shutdown: func(ctx context.Context) error {
			<-quiesce
			return nil
		},
	}
	src := fullSource{rec}
	writers := newFakeWriters()
	p := newTestProcessor(t, src, writers, DefaultOptions())
	login(t, p, 7)
	start(t, p, 7, btc)
	require.Eventually(t, func() bool { return src.count("start_ohlcv") == 1 }, waitFor, tick)

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(testCtx()) }()

	require.Eventually(t, func() bool { return src.count("shutdown") == 1 }, waitFor, tick)
	assert.False(t, p.Accepting())
	assertClientError(t, p.Handle(testCtx(), ds.ClientLogin{ClientID: 9}), ds.ServiceShuttingDown)

	select {
	case err := <-done:
		t.Fatalf("shutdown returned before the integration quiesced: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(quiesce)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return after quiescence")
	}

	msgs := writers.messages(7)
	require.Len(t, msgs, 2)
	require.IsType(t, ds.DataError{}, msgs[0])
	assertDataError(t, msgs[0].(ds.DataError), ds.StartCancelled)
	assert.IsType(t, ds.ServiceShutdown{}, msgs[1])
	assert.False(t, p.HasSession(7))
	assert.Zero(t, src.count("stop_ohlcv"))
}

func TestShutdownStopsStreamsBeforeQuiescing(t *testing.T) {
	src := fullSource{&recorder{}}
	p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
	login(t, p, 7, 8)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	require.NoError(t, p.Shutdown(testCtx()))

	assert.Equal(t, []string{"start_ohlcv", "stop_all", "shutdown"}, src.ops())
	assert.Empty(t, p.Sessions())
	assert.ErrorIs(t, p.Publish(testCtx(), ohlcvBar("BTCUSD")), ErrShuttingDown)

	// repeated shutdown reports the same outcome
	require.NoError(t, p.Shutdown(testCtx()))
	assert.Equal(t, 1, src.count("shutdown"))
}

func TestShutdownFailures(t *testing.T) {
	t.Run("integration error", func(t *testing.T) {
		boom := errors.New("feed stuck")
		src := fullSource{&recorder{shutdown: func(context.Context) error { return boom }}}
		p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())

		assert.ErrorIs(t, p.Shutdown(testCtx()), boom)
		assert.ErrorIs(t, p.Shutdown(testCtx()), boom)
	})

	t.Run("bounded wait", func(t *testing.T) {
		hang := make(chan struct{})
		src := fullSource{&recorder{shutdown: func(context.Context) error { <-hang; return nil }}}
		p := newTestProcessor(t, src, newFakeWriters(), DefaultOptions())
		t.Cleanup(func() { close(hang) })

		ctx, cancel := context.WithTimeout(testCtx(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, p.Shutdown(ctx), shutdowncoordinator.ErrShutdownTimeout)
	})

	t.Run("no shutdown capability", func(t *testing.T) {
		p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), DefaultOptions())
		assert.NoError(t, p.Shutdown(testCtx()))
	})
}

func TestHandleInboundServerMessages(t *testing.T) {
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), DefaultOptions())
	login(t, p, 7)

	assertDataError(t, p.Handle(testCtx(), ohlcvBar("BTCUSD")), ds.DecodeFailure)
	assertDataError(t, p.Handle(testCtx(), ds.ServiceShutdown{Reason: "x"}), ds.DecodeFailure)
	assertDataError(t, p.Handle(testCtx(), ds.NewDataError(ds.UpstreamUnavailable, "x")), ds.DecodeFailure)
	assertDataError(t, p.Handle(testCtx(), nil), ds.DecodeFailure)
	assertClientError(t, p.Handle(testCtx(), ds.NewClientError(7, ds.UnknownClient, "x")), ds.MalformedMessage)

	assert.True(t, p.HasSession(7))
}

func TestStreamDirectory(t *testing.T) {
	store := &mocks.MockDataStore{}
	events := make(chan string, 4)
	store.On("AddNodeForStream", mock.Anything, btc, common.NodeID("node-1")).
		Run(func(mock.Arguments) { events <- "add" }).Return(nil).Once()
	store.On("RemoveNodeForStream", mock.Anything, btc, common.NodeID("node-1")).
		Run(func(mock.Arguments) { events <- "remove" }).Return(nil).Once()
	store.On("ListNodesForStream", mock.Anything, btc).Return([]common.NodeID(nil), nil)

	opts := DefaultOptions()
	opts.NodeID = "node-1"
	opts.Directory = store
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), opts)
	login(t, p, 7, 8)

	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)
	start(t, p, 8, btc)
	waitState(t, p, 8, btc, StateActive)
	assert.Equal(t, "add", <-events)

	require.NoError(t, p.Handle(testCtx(), ds.StopData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.OHLCVKind}))
	require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 8}))

	select {
	case ev := <-events:
		assert.Equal(t, "remove", ev)
	case <-time.After(waitFor):
		t.Fatal("stream was not withdrawn")
	}
	assert.Never(t, func() bool { return len(events) > 0 }, 50*time.Millisecond, tick)
	store.AssertExpectations(t)
}

func TestInvariantPanics(t *testing.T) {
	assert.Panics(t, func() { invariant(false, "session %d", 1) })
	assert.NotPanics(t, func() { invariant(true, "unused") })
}

func TestReloginWaitsForPreviousSessionStops(t *testing.T) {
	slow := ds.SubscriptionKey{Symbol: "SLOWUSD", Kind: ds.OHLCVKind}
	rec := &recorder{start: func(ctx context.Context, req ds.StreamRequest) error {
		if req.Symbol == slow.Symbol {
			time.Sleep(150 * time.Millisecond)
		}
		return nil
	}}
	writers := newFakeWriters()
	p := newTestProcessor(t, ohlcvSource{rec}, writers, DefaultOptions())

	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)
	start(t, p, 7, slow)
	require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 7}))

	login(t, p, 7)
	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)

	assert.Equal(t, []string{
		"start_ohlcv:BTCUSD",
		"start_ohlcv:SLOWUSD",
		"stop_ohlcv:SLOWUSD",
		"stop_ohlcv:BTCUSD",
		"start_ohlcv:BTCUSD",
	}, rec.trace())

	require.NoError(t, p.Publish(testCtx(), ohlcvBar("BTCUSD")))
	require.Eventually(t, func() bool { return len(writers.messages(7)) == 1 }, waitFor, tick)
	assert.IsType(t, ds.OHLCVBar{}, writers.messages(7)[0])
}

func TestReloginReleasesActorTail(t *testing.T) {
	p := newTestProcessor(t, ohlcvSource{&recorder{}}, newFakeWriters(), DefaultOptions())
	for i := 0; i < 3; i++ {
		login(t, p, 7)
		require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 7}))
	}
	require.Eventually(t, func() bool {
		p.lock.Lock()
		defer p.lock.Unlock()
		return len(p.tails) == 0
	}, waitFor, tick)
}

func TestMockedOHLCVIntegration(t *testing.T) {
	req := ds.StreamRequest{ClientID: 7, Symbol: "BTCUSD", Kind: ds.OHLCVKind}
	stopped := make(chan struct{})
	integration := &mocks.MockOHLCVIntegration{}
	integration.On("StartOHLCVStream", mock.Anything, req).Return(nil).Once()
	integration.On("StopOHLCVStream", mock.Anything, req).
		Run(func(mock.Arguments) { close(stopped) }).Return(nil).Once()

	p := newTestProcessor(t, integration, newFakeWriters(), DefaultOptions())
	login(t, p, 7)

	err := p.Handle(testCtx(), ds.StartData{ClientID: 7, Symbol: "BTCUSD", Kind: ds.TradeKind})
	assertDataError(t, err, ds.UnsupportedDataKind)

	start(t, p, 7, btc)
	waitState(t, p, 7, btc, StateActive)
	require.NoError(t, p.Handle(testCtx(), ds.ClientLogout{ClientID: 7}))

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("stream was not stopped")
	}
	integration.AssertExpectations(t)
}

func TestMockedFullIntegration(t *testing.T) {
	stoppedAll := make(chan struct{})
	integration := &mocks.MockFullIntegration{}
	integration.On("StartOHLCVStream", mock.Anything, ds.StreamRequest{ClientID: 7, Symbol: "BTCUSD", Kind: ds.OHLCVKind}).Return(nil).Once()
	integration.On("StartTradeStream", mock.Anything, ds.StreamRequest{ClientID: 7, Symbol: "BTCUSD", Kind: ds.TradeKind}).Return(nil).Once()
	integration.On("StopAllStreams", mock.Anything, common.ClientID(7)).
		Run(func(mock.Arguments) { close(stoppedAll) }).Return(nil).Once()
	integration.On("Shutdown", mock.Anything).Return(nil).Once()

	p := New(testCtx(), integration, newFakeWriters(), metricsregistry.New("test"), DefaultOptions())
	login(t, p, 7)
	start(t, p, 7, btc)
	start(t, p, 7, btcTrade)
	waitState(t, p, 7, btc, StateActive)
	waitState(t, p, 7, btcTrade, StateActive)

	require.NoError(t, p.Handle(testCtx(), ds.StopAllData{ClientID: 7}))
	select {
	case <-stoppedAll:
	case <-time.After(waitFor):
		t.Fatal("stop all was not forwarded")
	}
	require.NoError(t, p.Shutdown(testCtx()))

	integration.AssertExpectations(t)
	integration.AssertNotCalled(t, "StopOHLCVStream", mock.Anything, mock.Anything)
	integration.AssertNotCalled(t, "StopTradeStream", mock.Anything, mock.Anything)
}
