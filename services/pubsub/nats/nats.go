// Package nats carries encoded bars between nodes over NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	"github.com/nats-io/nats.go"
	slogctx "github.com/veqryn/slog-context"
)

type NatsPubSub struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	logger   *slog.Logger
	subs     map[string]*nats.Subscription
	mu       sync.Mutex
	streamMu sync.Mutex
}

var _ services.PubSubProvider = (*NatsPubSub)(nil)

func NewNatsPubSub(ctx context.Context, natsURL string) (*NatsPubSub, error) {
	logger := slogctx.FromCtx(ctx).With("component", "natsPubSub")
	nc, err := nats.Connect(natsURL,
		nats.Name("ims"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	return &NatsPubSub{
		nc:     nc,
		js:     js,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// CreateOrUpdateStream makes sure streamName exists and captures exactly
// subjects.
func (n *NatsPubSub) CreateOrUpdateStream(ctx context.Context, streamName string, subjects []string) error {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()

	info, err := n.js.StreamInfo(streamName, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		cfg := &nats.StreamConfig{
			Name:      streamName,
			Subjects:  subjects,
			Retention: nats.InterestPolicy,
			Storage:   nats.MemoryStorage,
		}
		if _, err := n.js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("create stream %s: %w", streamName, err)
		}
		n.logger.InfoContext(ctx, "stream created", "stream", streamName, "subjects", subjects)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get stream info %s: %w", streamName, err)
	}

	if subjectsMatch(info.Config.Subjects, subjects) {
		return nil
	}
	updated := info.Config
	updated.Subjects = subjects
	if _, err := n.js.UpdateStream(&updated, nats.Context(ctx)); err != nil {
		return fmt.Errorf("update stream %s: %w", streamName, err)
	}
	n.logger.InfoContext(ctx, "stream subjects updated", "stream", streamName, "subjects", subjects)
	return nil
}

func subjectsMatch(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (n *NatsPubSub) Publish(ctx context.Context, subjectName string, data []byte) error {
	if _, err := n.js.Publish(subjectName, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subjectName, err)
	}
	return nil
}

// Subscribe attaches a durable push consumer that starts at new messages.
// A callback returning false naks the message for redelivery.
func (n *NatsPubSub) Subscribe(ctx context.Context, consumerName string, subjectName string, callBack func(msg []byte) bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[consumerName]; ok {
		return fmt.Errorf("consumer %s already subscribed", consumerName)
	}

	sub, err := n.js.Subscribe(subjectName, func(m *nats.Msg) {
		if !callBack(m.Data) {
			if err := m.Nak(); err != nil {
				n.logger.Warn("nak failed", "consumer", consumerName, "err", err)
			}
			return
		}
		if err := m.Ack(); err != nil {
			n.logger.Warn("ack failed", "consumer", consumerName, "err", err)
		}
	}, nats.Durable(consumerName), nats.AckExplicit(), nats.DeliverNew(), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", consumerName, err)
	}

	n.subs[consumerName] = sub
	return nil
}

func (n *NatsPubSub) UnSubscribe(consumerName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[consumerName]
	if !ok {
		return fmt.Errorf("no subscription for consumer %s", consumerName)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", consumerName, err)
	}
	delete(n.subs, consumerName)
	return nil
}

// Close drains the connection and waits until nats reports it closed.
func (n *NatsPubSub) Close() error {
	done := make(chan struct{})
	n.nc.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := n.nc.Drain(); err != nil {
		return err
	}
	<-done
	return nil
}
