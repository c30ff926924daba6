// Package downstream consumes bars from the data bus and hands them to the
// local event processor.
package downstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	eventprocessor "github.com/marvin-hansen/iggy-streaming-system-sub001/services/eventProcessor"
	natssink "github.com/marvin-hansen/iggy-streaming-system-sub001/services/natsSink"
	slogctx "github.com/veqryn/slog-context"
)

type Consumer struct {
	pubSub  services.PubSubProvider
	sink    services.DataSink
	metrics services.MetricsRegistry
	nodeID  common.NodeID
	stream  string
}

func New(pubSub services.PubSubProvider, sink services.DataSink, metrics services.MetricsRegistry, nodeID common.NodeID) *Consumer {
	return &Consumer{
		pubSub:  pubSub,
		sink:    sink,
		metrics: metrics,
		nodeID:  nodeID,
		stream:  common.IMSDataStreamName,
	}
}

// WithStream overrides the JetStream stream name.
func (c *Consumer) WithStream(name string) *Consumer {
	if name != "" {
		c.stream = name
	}
	return c
}

func (c *Consumer) consumerName() string {
	return common.ConsumerNameForNode(c.nodeID)
}

// Start creates the data stream if needed and subscribes this node to every
// bar subject.
func (c *Consumer) Start(ctx context.Context) error {
	logger := slogctx.FromCtx(ctx).With("component", "downstream", "node-id", c.nodeID)

	if err := c.pubSub.CreateOrUpdateStream(ctx, c.stream, natssink.Subjects()); err != nil {
		return fmt.Errorf("downstream: %w", err)
	}

	err := c.pubSub.Subscribe(ctx, c.consumerName(), common.DataSubjFormat(">"), func(data []byte) bool {
		return c.handle(ctx, logger, data)
	})
	if err != nil {
		return fmt.Errorf("downstream: %w", err)
	}
	logger.InfoContext(ctx, "consuming bars", "consumer", c.consumerName())
	return nil
}

// handle reports whether the message is done with. Undecodable frames are
// acknowledged so they are not redelivered forever.
func (c *Consumer) handle(ctx context.Context, logger *slog.Logger, data []byte) bool {
	msg, err := codec.Decode(data)
	if err != nil {
		c.metrics.IncDecodeErrorCount()
		logger.ErrorContext(ctx, "undecodable bus message dropped", "err", err, "len", len(data))
		return true
	}

	err = c.sink.Publish(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, eventprocessor.ErrShuttingDown):
		return false
	default:
		logger.WarnContext(ctx, "bus message not delivered", "msg-type", msg.MessageType().String(), "err", err)
	}
	return true
}

func (c *Consumer) Stop() error {
	return c.pubSub.UnSubscribe(c.consumerName())
}
