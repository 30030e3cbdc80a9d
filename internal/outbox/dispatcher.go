// Package outbox drains the durable intent queue. Intents are written
// inside domain transactions; the dispatcher is the only component that
// talks to external collaborators, so a slow or dead collaborator never
// blocks a case mutation.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/external"
	"github.com/stadswerk/caseflow/internal/observability"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/model"
)

// Dispatch outcomes for metrics.
const (
	outcomeDone    = "done"
	outcomeRetry   = "retry"
	outcomeFailed  = "failed"
	outcomeUnknown = "unknown_kind"
)

// Options tune the dispatcher loop.
type Options struct {
	// Interval between drain passes.
	Interval time.Duration
	// BatchSize caps intents claimed per pass.
	BatchSize int
	// MaxStartAttempts bounds retries of process-engine starts.
	MaxStartAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaxStartAttempts < 3 {
		o.MaxStartAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	return o
}

// Dispatcher drains pending outbox intents on an interval.
type Dispatcher struct {
	store    store.Store
	engine   external.ProcessEngine
	registry external.CaseRegistry
	metrics  *observability.Metrics
	opts     Options
	log      *zap.Logger
}

// New builds a Dispatcher.
func New(st store.Store, eng external.ProcessEngine, reg external.CaseRegistry, metrics *observability.Metrics, opts Options, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		engine:   eng,
		registry: reg,
		metrics:  metrics,
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Run drains intents until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started",
		zap.Duration("interval", d.opts.Interval),
		zap.Int("batch_size", d.opts.BatchSize))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.log.Warn("outbox drain pass failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce claims one batch of due intents and dispatches each. Claim
// errors abort the pass; per-intent failures are recorded on the intent
// and never abort the batch.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	intents, err := d.store.ClaimDueIntents(ctx, time.Now().UTC(), d.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, intent := range intents {
		start := time.Now()
		outcome := d.dispatch(ctx, intent)
		if d.metrics != nil {
			d.metrics.RecordOutboxDispatch(intent.Kind, outcome, time.Since(start))
		}
	}
	return nil
}

// dispatch makes one attempt on one intent and persists the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, intent model.OutboxIntent) string {
	intent.Attempts++

	var (
		callErr error
		outcome string
	)
	switch intent.Kind {
	case model.IntentProcessEngineStart:
		callErr = d.engine.StartInstance(ctx, stringValue(intent.Payload, "identification"), intent.Payload)
		outcome = d.settleRetried(&intent, callErr)

	case model.IntentCaseRegistration:
		// Registration is best-effort: one attempt, failure is logged
		// and marked failed without retry.
		callErr = d.registry.RegisterCase(ctx, intent.Payload)
		outcome = d.settleBestEffort(&intent, callErr)

	default:
		intent.Status = model.IntentFailed
		intent.LastError = "unknown intent kind"
		outcome = outcomeUnknown
		d.log.Error("unknown outbox intent kind",
			zap.String("intent_id", intent.ID),
			zap.String("kind", intent.Kind))
	}

	if err := d.store.ResolveIntent(ctx, intent); err != nil {
		d.log.Error("resolving outbox intent failed",
			zap.String("intent_id", intent.ID),
			zap.Error(err))
	}
	return outcome
}

// settleRetried applies the bounded-backoff retry policy.
func (d *Dispatcher) settleRetried(intent *model.OutboxIntent, callErr error) string {
	if callErr == nil {
		intent.Status = model.IntentDone
		intent.LastError = ""
		return outcomeDone
	}

	intent.LastError = callErr.Error()
	if intent.Attempts >= d.opts.MaxStartAttempts {
		intent.Status = model.IntentFailed
		d.log.Error("outbox intent exhausted retries",
			zap.String("intent_id", intent.ID),
			zap.String("kind", intent.Kind),
			zap.String("case_id", intent.CaseID),
			zap.Int("attempts", intent.Attempts),
			zap.Error(callErr))
		return outcomeFailed
	}

	intent.Status = model.IntentPending
	intent.NextAttemptAt = time.Now().UTC().Add(d.backoff(intent.Attempts))
	d.log.Warn("outbox intent dispatch failed, will retry",
		zap.String("intent_id", intent.ID),
		zap.String("kind", intent.Kind),
		zap.Int("attempts", intent.Attempts),
		zap.Time("next_attempt_at", intent.NextAttemptAt),
		zap.Error(callErr))
	return outcomeRetry
}

// settleBestEffort marks the single attempt done or failed.
func (d *Dispatcher) settleBestEffort(intent *model.OutboxIntent, callErr error) string {
	if callErr == nil {
		intent.Status = model.IntentDone
		intent.LastError = ""
		return outcomeDone
	}
	intent.Status = model.IntentFailed
	intent.LastError = callErr.Error()
	d.log.Warn("best-effort outbox intent failed",
		zap.String("intent_id", intent.ID),
		zap.String("kind", intent.Kind),
		zap.String("case_id", intent.CaseID),
		zap.Error(callErr))
	return outcomeFailed
}

// backoff returns the delay before the next attempt: base doubled per
// prior attempt, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.opts.MaxBackoff {
			return d.opts.MaxBackoff
		}
	}
	if delay > d.opts.MaxBackoff {
		delay = d.opts.MaxBackoff
	}
	return delay
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
