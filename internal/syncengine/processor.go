package syncengine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tillworks/tillsync/internal/metrics"
)

// DefaultRetryCeiling is how many failed replay attempts a mutation gets
// before it is dead-lettered.
const DefaultRetryCeiling = 3

// DefaultApplyTimeout bounds a single remote apply so one hung item cannot
// stall the whole drain pass.
const DefaultApplyTimeout = 15 * time.Second

// ProcessorState is the sync processor's state machine position.
type ProcessorState string

const (
	StateIdle            ProcessorState = "idle"
	StateCheckingSession ProcessorState = "checking_session"
	StateDraining        ProcessorState = "draining"
	StateHalted          ProcessorState = "halted_auth_required"
)

// Authority is the remote binding the processor replays against: one named
// operation per kind, fully succeeding or failing. The processor interprets
// only success/failure, never the business result.
type Authority interface {
	Apply(ctx context.Context, kind MutationKind, payload map[string]any) (ApplyResult, error)
}

// ReconcileFunc is invoked after a successful replay so the local cache can
// be reconciled with the authoritative result.
type ReconcileFunc func(item MutationItem, result ApplyResult)

// Processor drains the mutation queue against the remote authority. It is
// single-flight: triggers while a pass is checking the session or draining
// collapse into no-ops, and the Halted state absorbs triggers until the
// terminal re-authenticates.
type Processor struct {
	queue       MutationQueue
	deadLetters DeadLetterStore
	corrupted   CorruptedStore
	gate        *Gate
	authority   Authority
	guardian    *SessionGuardian
	reconcile   ReconcileFunc
	emit        EventListener
	auditMode   bool
	logger      *log.Logger
	now         func() time.Time

	limitMu      sync.RWMutex
	retryCeiling int
	applyTimeout time.Duration

	stateMu sync.Mutex
	state   ProcessorState
}

type ProcessorOptions struct {
	Queue        MutationQueue
	DeadLetters  DeadLetterStore
	Corrupted    CorruptedStore
	Gate         *Gate
	Authority    Authority
	Guardian     *SessionGuardian
	Reconcile    ReconcileFunc
	Events       EventListener
	AuditMode    bool
	RetryCeiling int
	ApplyTimeout time.Duration
	Logger       *log.Logger
	Now          func() time.Time
}

func NewProcessor(opts ProcessorOptions) *Processor {
	retryCeiling := opts.RetryCeiling
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	applyTimeout := opts.ApplyTimeout
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		queue:        opts.Queue,
		deadLetters:  opts.DeadLetters,
		corrupted:    opts.Corrupted,
		gate:         opts.Gate,
		authority:    opts.Authority,
		guardian:     opts.Guardian,
		reconcile:    opts.Reconcile,
		emit:         opts.Events,
		auditMode:    opts.AuditMode,
		logger:       logger,
		now:          now,
		retryCeiling: retryCeiling,
		applyTimeout: applyTimeout,
		state:        StateIdle,
	}
}

func (p *Processor) State() ProcessorState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Resume clears the Halted state after the terminal stored fresh
// credentials. A no-op in any other state.
func (p *Processor) Resume() {
	p.stateMu.Lock()
	if p.state == StateHalted {
		p.state = StateIdle
	}
	p.stateMu.Unlock()
}

func (p *Processor) RetryCeiling() int {
	p.limitMu.RLock()
	defer p.limitMu.RUnlock()
	return p.retryCeiling
}

func (p *Processor) SetRetryCeiling(ceiling int) {
	if ceiling <= 0 {
		return
	}
	p.limitMu.Lock()
	p.retryCeiling = ceiling
	p.limitMu.Unlock()
}

func (p *Processor) SetApplyTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	p.limitMu.Lock()
	p.applyTimeout = timeout
	p.limitMu.Unlock()
}

func (p *Processor) currentApplyTimeout() time.Duration {
	p.limitMu.RLock()
	defer p.limitMu.RUnlock()
	return p.applyTimeout
}

// TriggerSync runs one pass if the processor is idle. Returns false when the
// trigger collapsed into a no-op (already busy or halted) or when the
// session check failed.
func (p *Processor) TriggerSync(ctx context.Context) bool {
	p.stateMu.Lock()
	if p.state != StateIdle {
		p.stateMu.Unlock()
		return false
	}
	p.state = StateCheckingSession
	p.stateMu.Unlock()

	if _, err := p.guardian.EnsureValidSession(ctx); err != nil {
		p.stateMu.Lock()
		p.state = StateHalted
		p.stateMu.Unlock()
		p.logger.Printf("sync: halted, authentication required: %v", err)
		p.emitEvent(Event{Type: EventAuthRequired, Detail: err.Error()})
		metrics.AuthRequiredTotal.Inc()
		return false
	}

	p.stateMu.Lock()
	p.state = StateDraining
	p.stateMu.Unlock()

	p.drain(ctx)

	p.stateMu.Lock()
	if p.state == StateDraining {
		p.state = StateIdle
	}
	p.stateMu.Unlock()
	metrics.DrainPassesTotal.Inc()
	metrics.QueueDepth.Set(float64(p.queue.Size()))
	return true
}

// drain walks the snapshot captured at pass start, handling each item
// independently: one item's permanent failure never blocks unrelated work.
func (p *Processor) drain(ctx context.Context) {
	snapshot := p.queue.Snapshot()
	for _, item := range snapshot {
		if item.Provisional && !p.auditMode {
			// Safety discard: audit-mode mutations must never reach the
			// real authority.
			if err := p.queue.Remove(item.ID); err != nil {
				p.logger.Printf("sync: discard provisional %s failed: %v", item.ID, err)
			}
			continue
		}

		gateResult := p.gate.Validate(item.Payload, item.Kind)
		if !gateResult.Compatible {
			p.quarantine(item, gateResult)
			continue
		}

		applyCtx, cancel := context.WithTimeout(ctx, p.currentApplyTimeout())
		started := p.now()
		result, err := p.authority.Apply(applyCtx, item.Kind, item.Payload)
		cancel()
		metrics.ReplayLatency.Observe(float64(p.now().Sub(started).Milliseconds()))

		if err == nil {
			if removeErr := p.queue.Remove(item.ID); removeErr != nil {
				p.logger.Printf("sync: remove applied %s failed: %v", item.ID, removeErr)
			}
			if p.reconcile != nil {
				p.reconcile(item, result)
			}
			continue
		}

		attempts := item.RetryCount + 1
		if attempts >= p.RetryCeiling() {
			p.deadLetter(item, attempts, err)
			continue
		}
		if updateErr := p.queue.UpdateRetryCount(item.ID, attempts); updateErr != nil {
			p.logger.Printf("sync: retry count update for %s failed: %v", item.ID, updateErr)
		}
	}
}

// quarantine moves a drifted item to the corrupted store, bypassing retry
// accounting. The archive write happens first; a crash in between is healed
// by startup reconciliation.
func (p *Processor) quarantine(item MutationItem, gateResult GateResult) {
	corrupted := CorruptedItem{
		MutationItem:    item,
		QuarantinedAt:   p.now(),
		MissingRequired: gateResult.MissingRequired,
		Unexpected:      gateResult.Unexpected,
	}
	if err := p.corrupted.Put(corrupted); err != nil {
		// Leave the item queued rather than lose it; the next pass retries
		// the quarantine.
		p.logger.Printf("sync: quarantine %s failed: %v", item.ID, err)
		return
	}
	if err := p.queue.Remove(item.ID); err != nil {
		p.logger.Printf("sync: remove quarantined %s failed: %v", item.ID, err)
	}
	p.emitEvent(Event{
		Type:   EventSchemaDrift,
		ItemID: item.ID,
		Kind:   item.Kind,
		Detail: gateResult.Detail,
	})
	metrics.SchemaDriftTotal.Inc()
}

func (p *Processor) deadLetter(item MutationItem, attempts int, cause error) {
	dead := DeadLetterItem{
		MutationItem:  item,
		TerminalError: cause.Error(),
		FailedAt:      p.now(),
	}
	dead.RetryCount = attempts
	if err := p.deadLetters.Put(dead); err != nil {
		p.logger.Printf("sync: dead-letter %s failed: %v", item.ID, err)
		return
	}
	if err := p.queue.Remove(item.ID); err != nil {
		p.logger.Printf("sync: remove dead-lettered %s failed: %v", item.ID, err)
	}
	p.emitEvent(Event{
		Type:   EventDeadLettered,
		ItemID: item.ID,
		Kind:   item.Kind,
		Detail: cause.Error(),
	})
	metrics.DeadLetterTotal.Inc()
}

func (p *Processor) emitEvent(event Event) {
	if p.emit == nil {
		return
	}
	event.Timestamp = p.now()
	p.emit(event)
}
