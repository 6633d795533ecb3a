// Package relay runs the per-rule forwarding tasks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	ruledomain "forward-relay/internal/rule/domain"
	"forward-relay/internal/telemetry"
	telemetrydomain "forward-relay/internal/telemetry/domain"
	"forward-relay/internal/transport"
)

// RuleRepo is the minimal rule repository needed by the engine.
type RuleRepo interface {
	ListActive(ctx context.Context) ([]*ruledomain.Rule, error)
	TouchForwarded(ctx context.Context, id int64) error
}

// RecordRepo is the checkpoint store for relayed messages.
type RecordRepo interface {
	Append(ctx context.Context, ruleID, messageID int64) error
	Checkpoint(ctx context.Context, ruleID int64) (int64, error)
}

// Sessions yields the owning user's live transport session.
type Sessions interface {
	Get(ctx context.Context, userID int64) (transport.Client, error)
}

// Engine supervises one relay task per active rule. Tasks subscribe to the
// rule's source, rewrite each new message, publish it to the target, and
// record a checkpoint before taking the next message (at-least-once).
type Engine struct {
	rules    RuleRepo
	records  RecordRepo
	sessions Sessions
	emitter  telemetry.EventEmitter

	maxBackoff time.Duration
	retries    metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[int64]context.CancelFunc
	failures map[int64]int64
}

// NewEngine returns an Engine. emitter may be nil; maxBackoff caps the retry
// interval for failed subscriptions.
func NewEngine(rules RuleRepo, records RecordRepo, sessions Sessions, emitter telemetry.EventEmitter, maxBackoff time.Duration) *Engine {
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	retries, err := otel.Meter("forward-relay.relay").Int64Counter("relay.subscribe.retries")
	if err != nil {
		log.Printf("relay: register retry counter: %v", err)
	}
	return &Engine{
		rules:      rules,
		records:    records,
		sessions:   sessions,
		emitter:    emitter,
		maxBackoff: maxBackoff,
		retries:    retries,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[int64]context.CancelFunc),
		failures:   make(map[int64]int64),
	}
}

// Resume starts a task for every active rule. Called once at startup.
func (e *Engine) Resume(ctx context.Context) error {
	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("relay: list active rules: %w", err)
	}
	for _, rule := range rules {
		e.Start(rule)
	}
	log.Printf("relay: resumed %d active rules", len(rules))
	return nil
}

// Start spawns the rule's relay task. No-op when the rule already has one.
func (e *Engine) Start(rule *ruledomain.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.tasks[rule.ID]; running {
		return
	}
	if e.ctx.Err() != nil {
		return
	}
	taskCtx, cancel := context.WithCancel(e.ctx)
	e.tasks[rule.ID] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.tasks, rule.ID)
			e.mu.Unlock()
		}()
		e.run(taskCtx, rule)
	}()
}

// Stop cancels the rule's task outright. The task stops between messages.
func (e *Engine) Stop(ruleID int64) {
	e.mu.Lock()
	cancel := e.tasks[ruleID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether the rule currently has a task.
func (e *Engine) Running(ruleID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[ruleID]
	return ok
}

// Failures returns the rule's consecutive subscription failures. Resets to
// zero once the task subscribes successfully.
func (e *Engine) Failures(ruleID int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[ruleID]
}

// Close cancels every task and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// run is the supervised task loop: relay until the subscription breaks, then
// retry with capped exponential backoff. Unlimited attempts; only context
// cancellation ends the task.
func (e *Engine) run(ctx context.Context, rule *ruledomain.Rule) {
	b := backoff.NewExponentialBackOff()
	if e.maxBackoff < b.InitialInterval {
		b.InitialInterval = e.maxBackoff
	}
	b.MaxInterval = e.maxBackoff
	for {
		err := e.relayOnce(ctx, rule, func() {
			b.Reset()
			e.mu.Lock()
			delete(e.failures, rule.ID)
			e.mu.Unlock()
		})
		if ctx.Err() != nil {
			return
		}
		e.noteFailure(ctx, rule, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

// relayOnce subscribes to the rule's source and forwards events until the
// subscription closes. connected is invoked once the subscription is live.
func (e *Engine) relayOnce(ctx context.Context, rule *ruledomain.Rule, connected func()) error {
	client, err := e.sessions.Get(ctx, rule.UserID)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	checkpoint, err := e.records.Checkpoint(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	events, err := client.Subscribe(ctx, rule.Source)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", rule.Source, err)
	}
	connected()

	for event := range events {
		if event.ID <= checkpoint {
			continue
		}
		if err := e.forward(ctx, client, rule, event); err != nil {
			return err
		}
		checkpoint = event.ID
	}
	return errors.New("subscription closed")
}

// forward publishes one event and durably records it, in that order, before
// the caller moves on to the next event.
func (e *Engine) forward(ctx context.Context, client transport.Client, rule *ruledomain.Rule, event transport.Message) error {
	text := rule.Substitutions.Apply(event.Text)
	var err error
	if event.Media != nil {
		_, err = client.SendMedia(ctx, rule.Target, text, event.Media)
	} else {
		_, err = client.SendText(ctx, rule.Target, text)
	}
	if err != nil {
		return fmt.Errorf("publish %d to %s: %w", event.ID, rule.Target, err)
	}
	if err := e.records.Append(ctx, rule.ID, event.ID); err != nil {
		return fmt.Errorf("record %d: %w", event.ID, err)
	}
	if err := e.rules.TouchForwarded(ctx, rule.ID); err != nil {
		log.Printf("relay: touch rule %d: %v", rule.ID, err)
	}
	telemetry.EmitAsync(e.emitter, ctx, &telemetrydomain.Event{
		Kind:      telemetrydomain.KindRelayForwarded,
		UserID:    rule.UserID,
		RuleID:    rule.ID,
		MessageID: event.ID,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (e *Engine) noteFailure(ctx context.Context, rule *ruledomain.Rule, cause error) {
	e.mu.Lock()
	e.failures[rule.ID]++
	count := e.failures[rule.ID]
	e.mu.Unlock()
	if e.retries != nil {
		e.retries.Add(ctx, 1)
	}
	log.Printf("relay: rule %d attempt %d failed: %v", rule.ID, count, cause)
	telemetry.EmitAsync(e.emitter, ctx, &telemetrydomain.Event{
		Kind:      telemetrydomain.KindRelayRetry,
		UserID:    rule.UserID,
		RuleID:    rule.ID,
		Detail:    cause.Error(),
		CreatedAt: time.Now().UTC(),
	})
}
