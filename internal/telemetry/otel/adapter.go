package otel

import (
	"context"
	"strconv"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"forward-relay/internal/telemetry"
	"forward-relay/internal/telemetry/domain"
)

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("forward-relay.telemetry")}
}

// NewEventEmitterWithLogger returns an emitter writing records through the given logger. For tests.
func NewEventEmitterWithLogger(logger logEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

// logEmitter is the slice of otellog.Logger the adapter needs.
type logEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

type otelEmitter struct {
	logger logEmitter
}

// Emit converts the telemetry event to an OTel log record and emits it. Best-effort; errors are logged.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetBody(otellog.StringValue(event.Detail))
	rec.AddAttributes(otellog.String("kind", string(event.Kind)))
	if event.UserID != 0 {
		rec.AddAttributes(otellog.String("user_id", strconv.FormatInt(event.UserID, 10)))
	}
	if event.RuleID != 0 {
		rec.AddAttributes(otellog.Int64("rule_id", event.RuleID))
	}
	if event.MessageID != 0 {
		rec.AddAttributes(otellog.Int64("message_id", event.MessageID))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
