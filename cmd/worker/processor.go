package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/pipeline"
)

// LockRunner drives one checkout lock through the pipeline.
type LockRunner interface {
	Run(ctx context.Context, lockID string) (*lock.Lock, error)
}

// Processor handles SQS messages produced by the API's queue dispatcher.
type Processor struct {
	runner LockRunner
}

func NewProcessor(runner LockRunner) *Processor {
	return &Processor{runner: runner}
}

// Handle receives an SQS batch and runs each lock. Failed records are
// reported individually so SQS only redelivers those.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message=%s: %v", rec.MessageId, err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg pipeline.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		// redelivery cannot fix a malformed body; drop it
		log.Printf("[worker] invalid message body: %v, body: %s", err, rec.Body)
		return nil
	}
	if msg.LockID == "" {
		log.Printf("[worker] message without lock_id dropped, body: %s", rec.Body)
		return nil
	}

	log.Printf("[worker] received lock=%s cart=%s idempotency_key=%s corr=%s",
		msg.LockID, msg.CartID, msg.IdempotencyKey, msg.CorrelationID)

	l, err := p.runner.Run(ctx, msg.LockID)
	var notFound *lock.LockNotFoundError
	switch {
	case errors.As(err, &notFound):
		log.Printf("[worker] lock=%s not found, dropping message", msg.LockID)
		return nil
	case err != nil:
		return fmt.Errorf("run lock %s: %w", msg.LockID, err)
	}

	log.Printf("[worker] lock=%s finished state=%s", l.ID, l.State)
	return nil
}
