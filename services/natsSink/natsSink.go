// Package natssink publishes integration bars onto the data bus so that every
// node can fan them out to its own clients.
package natssink

import (
	"context"
	"fmt"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
)

type natsSink struct {
	pubSub services.PubSubProvider
}

func New(pubSub services.PubSubProvider) services.DataSink {
	return &natsSink{pubSub: pubSub}
}

// Subjects lists every subject the sink publishes on.
func Subjects() []string {
	return []string{
		common.DataSubjFormat(ds.OHLCVKind.String()),
		common.DataSubjFormat(ds.TradeKind.String()),
	}
}

func (s *natsSink) Publish(ctx context.Context, msg ds.Message) error {
	bar, ok := msg.(ds.Bar)
	if !ok {
		return fmt.Errorf("nats sink: %s is not a bar", msg.MessageType())
	}
	frame, err := codec.Encode(bar)
	if err != nil {
		return err
	}
	subject := common.DataSubjFormat(bar.Key().Kind.String())
	if err := s.pubSub.Publish(ctx, subject, frame); err != nil {
		return fmt.Errorf("nats sink: %w", err)
	}
	return nil
}
