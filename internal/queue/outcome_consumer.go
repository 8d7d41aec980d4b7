package queue

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// OutcomeHandler applies one attempt outcome to the scheduling core.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, evt domain.OutcomeEvent) error
}

// OutcomeConsumer reads attempt outcomes from Kafka and feeds them to the
// handler. Malformed payloads are committed and skipped; handler failures
// leave the message uncommitted so it is redelivered.
type OutcomeConsumer struct {
	reader  *kafka.Reader
	handler OutcomeHandler
	log     *logger.Logger
}

// NewOutcomeConsumer constructs a consumer bound to the given group.
func NewOutcomeConsumer(k *Kafka, topic, groupID string, handler OutcomeHandler, log *logger.Logger) *OutcomeConsumer {
	return &OutcomeConsumer{
		reader:  k.NewReader(topic, groupID),
		handler: handler,
		log:     log.Named("outcome_consumer"),
	}
}

// Run processes outcome events until the context is cancelled.
func (c *OutcomeConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	tracer := otel.Tracer("dialer.outcomeconsumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("fetch", zap.Error(err))
			continue
		}

		var outcome OutcomeMessage
		if err := json.Unmarshal(msg.Value, &outcome); err != nil {
			c.log.Error("unmarshal", zap.Error(err))
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		evt := outcome.Event()
		sctx, span := tracer.Start(ctx, "attempt.outcome", trace.WithAttributes(
			attribute.String("attempt.id", evt.AttemptID.String()),
			attribute.String("target.key", evt.TargetKey),
			attribute.String("outcome", string(evt.Outcome)),
		))

		if err := c.handler.HandleOutcome(sctx, evt); err != nil {
			span.RecordError(err)
			span.End()
			c.log.Error("handle outcome",
				zap.String("target_key", evt.TargetKey),
				zap.Error(err))
			continue
		}

		if err := c.reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			c.log.Error("commit", zap.Error(err))
		}
		span.End()
	}
}
