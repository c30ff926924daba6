package eventprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services/pool"
)

func (p *Processor) startFanout() {
	p.fanoutChs = make([]chan *pool.DeliveryJob, p.opts.FanoutWorkers)
	for i := range p.fanoutChs {
		ch := make(chan *pool.DeliveryJob, p.opts.FanoutQueueSize)
		p.fanoutChs[i] = ch
		go p.fanoutWorker(ch)
	}
}

// Publish routes a bar to the active subscribers of its stream. The bar is
// encoded once; every stream is pinned to one worker so its bars keep their
// order. Publish never blocks: a full worker queue drops the bar.
func (p *Processor) Publish(ctx context.Context, msg ds.Message) error {
	bar, ok := msg.(ds.Bar)
	if !ok {
		if msg == nil {
			return ErrNotABar
		}
		return fmt.Errorf("%w: %s", ErrNotABar, msg.MessageType())
	}

	select {
	case <-p.stopFanout:
		return ErrShuttingDown
	default:
	}

	key := bar.Key()
	if p.subscriberCount(key) == 0 {
		p.metrics.IncDroppedCount("no_subscribers")
		p.logger.DebugContext(ctx, "bar without subscribers dropped", "stream", key.String())
		return nil
	}

	frame, err := codec.Encode(bar)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	job := p.objPool.DeliveryJob.Get()
	job.Key = key
	job.Frame = frame
	job.BarTime = barTime(bar)

	shard := xxhash.Sum64String(key.String()) % uint64(len(p.fanoutChs))
	select {
	case p.fanoutChs[shard] <- job:
		return nil
	default:
		p.objPool.ResetDeliveryJob(job)
		p.metrics.IncDroppedCount("fanout_queue_full")
		p.logger.WarnContext(ctx, "fan-out queue full, bar dropped", "stream", key.String(), "shard", shard)
		return ErrFanoutQueueFull
	}
}

func (p *Processor) fanoutWorker(ch chan *pool.DeliveryJob) {
	for {
		select {
		case <-p.stopFanout:
			return
		case job := <-ch:
			p.deliver(job)
		}
	}
}

func (p *Processor) deliver(job *pool.DeliveryJob) {
	defer p.objPool.ResetDeliveryJob(job)

	subs, ok := p.subscribers.Get(job.Key.String())
	if !ok {
		return
	}
	subs.ForEach(func(clientID common.ClientID, _ struct{}) bool {
		if err := p.writers.Write(clientID, job.Frame); err != nil {
			p.metrics.IncDroppedCount("client_write")
			p.logger.Warn("bar delivery failed", "client-id", clientID, "stream", job.Key.String(), "err", err)
		}
		return true
	})
	if !job.BarTime.IsZero() {
		p.metrics.ObserveDeliveryLatency(job.BarTime)
	}
}

func barTime(bar ds.Bar) time.Time {
	switch b := bar.(type) {
	case ds.OHLCVBar:
		return b.DateTime
	case ds.TradeBar:
		return b.DateTime
	}
	return time.Time{}
}
