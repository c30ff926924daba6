package eventprocessor

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
)

// servedElsewhere reports whether another node already produces key. Bars of
// such a stream reach this node over the data bus, so starting it here would
// deliver every bar twice. A directory failure falls back to local production.
//
// Two nodes starting the same stream at once may both see an empty directory
// and both produce it until one of them withdraws.
func (p *Processor) servedElsewhere(key ds.SubscriptionKey) bool {
	if p.directory == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.StartTimeout)
	defer cancel()
	nodes, err := p.directory.ListNodesForStream(ctx, key)
	if err != nil {
		p.logger.Warn("stream directory unavailable, producing locally", "stream", key.String(), "err", err)
		return false
	}
	return len(nodes) > 0 && !slices.Contains(nodes, p.opts.NodeID)
}

func (p *Processor) announce(key ds.SubscriptionKey) {
	if p.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout)
	defer cancel()
	if err := p.directory.AddNodeForStream(ctx, key, p.opts.NodeID); err != nil {
		p.logger.Error("failed to announce stream", "stream", key.String(), "node-id", p.opts.NodeID, "err", err)
	}
}

func (p *Processor) withdraw(key ds.SubscriptionKey) {
	if p.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout)
	defer cancel()
	if err := p.directory.RemoveNodeForStream(ctx, key, p.opts.NodeID); err != nil {
		p.logger.Error("failed to withdraw stream", "stream", key.String(), "node-id", p.opts.NodeID, "err", err)
	}
}

func (p *Processor) watchDirectory() {
	ticker := time.NewTicker(p.opts.DirectoryRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.adoptOrphans()
		}
	}
}

type orphan struct {
	s   *session
	req ds.StreamRequest
	seq uint64
}

// adoptOrphans starts local production for remote subscriptions whose
// producing node left the directory.
func (p *Processor) adoptOrphans() {
	var candidates []orphan
	p.sessions.ForEach(func(_ common.ClientID, s *session) bool {
		s.lock.Lock()
		defer s.lock.Unlock()
		for key, e := range s.entries {
			if e.state == StateActive && e.remote && !e.adopting {
				candidates = append(candidates, orphan{
					s:   s,
					req: ds.StreamRequest{ClientID: s.clientID, Symbol: key.Symbol, Kind: key.Kind},
					seq: e.seq,
				})
			}
		}
		return true
	})

	served := make(map[ds.SubscriptionKey]bool)
	for _, c := range candidates {
		if p.ctx.Err() != nil {
			return
		}
		key := c.req.Key()
		elsewhere, seen := served[key]
		if !seen {
			elsewhere = p.servedElsewhere(key)
			served[key] = elsewhere
		}
		if elsewhere {
			continue
		}
		ops, ok := p.streamOpsFor(key.Kind)
		invariant(ok, "remote entry %s without a producer", key)

		c.s.lock.Lock()
		if e, ok := c.s.entries[key]; ok && e.seq == c.seq && !c.s.closed {
			e.adopting = true
			c.s.mailbox.push(func() { p.runAdopt(c.s, c.req, c.seq, ops) })
		}
		c.s.lock.Unlock()
	}
}

// runAdopt executes on the session actor and turns a remote subscription
// into a locally produced one.
func (p *Processor) runAdopt(s *session, req ds.StreamRequest, seq uint64, ops streamOps) {
	if p.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.StartTimeout)
	err := p.call(ctx, "start_"+req.Kind.String(), func(ctx context.Context) error {
		return ops.start(ctx, req)
	})
	cancel()

	key := req.Key()
	logger := p.logger.With("client-id", s.clientID, "stream", key.String(), "seq", seq)

	s.lock.Lock()
	e, ok := s.entries[key]
	current := ok && e.seq == seq
	first := false
	switch {
	case current && err == nil:
		e.adopting = false
		e.remote = false
		first = p.claim(key)
	case current:
		delete(s.entries, key)
		p.unindex(key, s.clientID)
		p.metrics.SetSubscriptionCount(int(p.subCount.Add(-1)))
	}
	s.lock.Unlock()

	switch {
	case current && err == nil:
		logger.Info("adopted stream from departed node")
		if first {
			p.announce(key)
		}
	case current:
		logger.Warn("failed to adopt stream", "err", err)
		p.notify(s.clientID, startFailure(key, err, p.opts.StartTimeout))
	case err == nil || errors.Is(err, context.DeadlineExceeded):
		if stopErr := p.boundedStop(ops, req); stopErr != nil {
			logger.Warn("failed to stop abandoned stream", "err", stopErr)
		}
	}
}
