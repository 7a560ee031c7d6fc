package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/go-checkout-lock/internal/aws"
)

// SQSPublisher sends each event as a JSON message with routing attributes.
type SQSPublisher struct {
	pub *aws.Publisher
}

func NewSQSPublisher(client aws.SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{pub: aws.NewPublisher(client, queueURL)}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.pub.SendMessage(ctx, string(body), map[string]string{
		"event_type": string(ev.Type),
		"cart_id":    ev.CartID,
		"lock_id":    ev.LockID,
	})
}
