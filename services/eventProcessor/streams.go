package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphadose/haxmap"
	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
)

type streamOps struct {
	start func(context.Context, ds.StreamRequest) error
	stop  func(context.Context, ds.StreamRequest) error
}

func (p *Processor) streamOpsFor(kind ds.BarKind) (streamOps, bool) {
	switch kind {
	case ds.OHLCVKind:
		if p.ohlcv != nil {
			return streamOps{start: p.ohlcv.StartOHLCVStream, stop: p.ohlcv.StopOHLCVStream}, true
		}
	case ds.TradeKind:
		if p.trade != nil {
			return streamOps{start: p.trade.StartTradeStream, stop: p.trade.StopTradeStream}, true
		}
	}
	return streamOps{}, false
}

// runStart executes on the session actor. A stream another node already
// produces is only subscribed to; its bars arrive over the data bus.
func (p *Processor) runStart(s *session, req ds.StreamRequest, seq uint64, ops streamOps) {
	err := p.ctx.Err()
	remote := false
	if err == nil {
		remote = p.servedElsewhere(req.Key())
	}
	if err == nil && !remote {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.StartTimeout)
		err = p.call(ctx, "start_"+req.Kind.String(), func(ctx context.Context) error {
			return ops.start(ctx, req)
		})
		cancel()
	}
	p.ackStart(s, req, seq, ops, remote, err)
}

// ackStart applies the outcome of a start call. Only the entry created with
// seq may be activated; an outcome for a stopped or replaced entry is stale.
func (p *Processor) ackStart(s *session, req ds.StreamRequest, seq uint64, ops streamOps, remote bool, err error) {
	key := req.Key()
	cancelled := p.ctx.Err() != nil

	s.lock.Lock()
	e, ok := s.entries[key]
	current := ok && e.seq == seq
	activated, first := false, false
	if current {
		invariant(e.state == StatePending, "acknowledged entry %s of client %d is %s", key, s.clientID, e.state)
		if err == nil && !cancelled {
			e.state = StateActive
			e.remote = remote
			p.index(key, s.clientID)
			if !remote {
				first = p.claim(key)
			}
			activated = true
		} else {
			delete(s.entries, key)
			p.metrics.SetSubscriptionCount(int(p.subCount.Add(-1)))
		}
	}
	s.lock.Unlock()

	logger := p.logger.With("client-id", s.clientID, "stream", key.String(), "seq", seq)
	if activated {
		logger.Debug("subscription active", "remote", remote)
		if first {
			p.announce(key)
		}
		return
	}

	// the integration may be producing although nobody wants the stream
	if !remote && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
		if stopErr := p.boundedStop(ops, req); stopErr != nil {
			logger.Warn("failed to stop abandoned stream", "err", stopErr)
		}
	}

	switch {
	case cancelled:
		p.notify(s.clientID, ds.NewDataError(ds.StartCancelled, "start of %s cancelled by shutdown", key))
	case err != nil && current:
		logger.Warn("stream start failed", "err", err)
		p.notify(s.clientID, startFailure(key, err, p.opts.StartTimeout))
	case err != nil:
		logger.Debug("stale start failure ignored", "err", err)
	default:
		logger.Debug("stale start success compensated")
	}
}

// runStop executes on the session actor. last withdraws the node from the
// stream directory.
func (p *Processor) runStop(req ds.StreamRequest, last bool) {
	key := req.Key()
	ops, ok := p.streamOpsFor(req.Kind)
	invariant(ok, "active entry %s without a producer", key)

	if err := p.boundedStop(ops, req); err != nil {
		p.logger.Warn("stream stop failed", "client-id", req.ClientID, "stream", key.String(), "err", err)
		p.notify(req.ClientID, stopFailure(key.String(), err, p.opts.StopTimeout))
	}
	if last {
		p.withdraw(key)
	}
}

func (p *Processor) runStopAll(clientID common.ClientID, released set.Set[ds.SubscriptionKey]) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout)
	err := p.call(ctx, "stop_all", func(ctx context.Context) error {
		return p.stopAll.StopAllStreams(ctx, clientID)
	})
	cancel()
	if err != nil {
		p.logger.Warn("stop all streams failed", "client-id", clientID, "err", err)
		p.notify(clientID, stopFailure("all streams", err, p.opts.StopTimeout))
	}
	for key := range released {
		p.withdraw(key)
	}
}

// boundedStop runs a stop detached from the lifecycle context so that stops
// queued by a shutdown still reach the integration.
func (p *Processor) boundedStop(ops streamOps, req ds.StreamRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout)
	defer cancel()
	return p.call(ctx, "stop_"+req.Kind.String(), func(ctx context.Context) error {
		return ops.stop(ctx, req)
	})
}

// call runs fn and gives up once ctx is done, whether or not fn honours ctx.
func (p *Processor) call(ctx context.Context, op string, fn func(context.Context) error) error {
	started := time.Now()
	defer p.metrics.ObserveIntegrationCall(op, started)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %s panicked: %v", services.ErrUpstreamUnavailable, op, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startFailure(key ds.SubscriptionKey, err error, timeout time.Duration) ds.DataError {
	var dataErr ds.DataError
	switch {
	case errors.As(err, &dataErr):
		return dataErr
	case errors.Is(err, services.ErrUnsupportedSymbol):
		return ds.NewDataError(ds.UnsupportedSymbol, "%s", key.Symbol)
	case errors.Is(err, context.DeadlineExceeded):
		return ds.NewDataError(ds.UpstreamUnavailable, "start of %s timed out after %s", key, timeout)
	default:
		return ds.NewDataError(ds.UpstreamUnavailable, "start of %s: %v", key, err)
	}
}

func stopFailure(what string, err error, timeout time.Duration) ds.DataError {
	var dataErr ds.DataError
	switch {
	case errors.As(err, &dataErr):
		return dataErr
	case errors.Is(err, context.DeadlineExceeded):
		return ds.NewDataError(ds.StopTimeout, "stop of %s timed out after %s", what, timeout)
	default:
		return ds.NewDataError(ds.UpstreamUnavailable, "stop of %s: %v", what, err)
	}
}

// index adds clientID to the subscribers of key.
func (p *Processor) index(key ds.SubscriptionKey, clientID common.ClientID) {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()

	subs, ok := p.subscribers.Get(key.String())
	if !ok {
		subs = haxmap.New[common.ClientID, struct{}]()
		p.subscribers.Set(key.String(), subs)
	}
	subs.Set(clientID, struct{}{})
}

// unindex removes clientID from the subscribers of key.
func (p *Processor) unindex(key ds.SubscriptionKey, clientID common.ClientID) {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()

	subs, ok := p.subscribers.Get(key.String())
	if !ok {
		return
	}
	subs.Del(clientID)
	if subs.Len() == 0 {
		p.subscribers.Del(key.String())
	}
}

// claim counts one more locally produced subscription of key and reports
// whether it is the first.
func (p *Processor) claim(key ds.SubscriptionKey) bool {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()
	p.producers[key.String()]++
	return p.producers[key.String()] == 1
}

// release undoes claim and reports whether it was the last one.
func (p *Processor) release(key ds.SubscriptionKey) bool {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()
	n := p.producers[key.String()] - 1
	invariant(n >= 0, "released %s more often than claimed", key)
	if n > 0 {
		p.producers[key.String()] = n
		return false
	}
	delete(p.producers, key.String())
	return true
}

// subscriberCount is the number of active subscribers of key.
func (p *Processor) subscriberCount(key ds.SubscriptionKey) int {
	subs, ok := p.subscribers.Get(key.String())
	if !ok {
		return 0
	}
	return int(subs.Len())
}
