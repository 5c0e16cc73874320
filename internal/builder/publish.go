package builder

import (
	"b3bench/internal/types"
	"b3bench/pkg/mq"
	"context"
	"encoding/json"
	"fmt"
)

// TrialPublisher announces new trials to whatever launches runners.
type TrialPublisher interface {
	PublishTrials(ctx context.Context, msgs []types.TrialMessage) error
}

type amqpPublisher struct {
	rabbitMQ mq.RabbitMQ
}

// NewTrialPublisher returns nil when no broker is configured.
func NewTrialPublisher(rabbitMQ mq.RabbitMQ) TrialPublisher {
	if rabbitMQ == nil {
		return nil
	}
	return &amqpPublisher{rabbitMQ: rabbitMQ}
}

func (p *amqpPublisher) PublishTrials(ctx context.Context, msgs []types.TrialMessage) error {
	for _, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := p.rabbitMQ.Publish(ctx, types.TrialQueueName, body); err != nil {
			return fmt.Errorf("failed to publish trial %d: %w", msg.TrialID, err)
		}
	}
	return nil
}
