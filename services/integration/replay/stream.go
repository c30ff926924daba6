package replay

import (
	"context"
	"time"

	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
)

// stream is one producer shared by every client subscribed to its key.
// clients is guarded by the integration lock.
type stream struct {
	key     ds.SubscriptionKey
	clients set.Set[common.ClientID]
	gen     generator
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newStream(key ds.SubscriptionKey, clientID common.ClientID, gen generator) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		key:     key,
		clients: set.New(clientID),
		gen:     gen,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *stream) run(interval time.Duration, publish func(context.Context, ds.Bar)) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if bar, ok := s.gen.next(now.UTC()); ok {
				publish(s.ctx, bar)
			}
		}
	}
}

// halt stops the producer and waits for it, bounded by ctx.
func (s *stream) halt(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
