package syncengine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/metrics"
)

// Connectivity reports whether the remote authority is reachable and notifies
/// subscribers on transitions. Implementations must deliver edges, not levels:
// a subscriber called with online=true just regained the network.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

// EngineOptions wires the engine's collaborators. Nil stores fall back to
// in-memory implementations, which is what tests and ephemeral terminals use.
type EngineOptions struct {
	Queue        MutationQueue
	DeadLetters  DeadLetterStore
	Corrupted    CorruptedStore
	Credentials  CredentialStore
	Authority    Authority
	Refresher    SessionRefresher
	Connectivity Connectivity
	Reconcile    ReconcileFunc
	Events       EventListener
	AuditMode    bool
	RetryCeiling int
	ApplyTimeout time.Duration
	Logger       *log.Logger
	Now          func() time.Time
}

// Engine is the single entry point for queuing offline mutations and draining
// them against the remote authority. All admission policy lives here; callers
// hand in a raw payload and get back an id or a classified rejection.
type Engine struct {
	queue        MutationQueue
	deadLetters  DeadLetterStore
	corrupted    CorruptedStore
	credentials  CredentialStore
	gate         *Gate
	processor    *Processor
	connectivity Connectivity
	unsubscribe  func()
	auditMode    bool
	logger       *log.Logger
	now          func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Authority == nil {
		return nil, ErrInvalidInput
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewMemoryMutationQueue(DefaultMaxQueueSize)
	}
	deadLetters := opts.DeadLetters
	if deadLetters == nil {
		deadLetters = NewMemoryDeadLetterStore()
	}
	corrupted := opts.Corrupted
	if corrupted == nil {
		corrupted = NewMemoryCorruptedStore()
	}
	credentials := opts.Credentials
	if credentials == nil {
		credentials = NewMemoryCredentialStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	gate, err := NewGate()
	if err != nil {
		return nil, err
	}

	guardian := NewSessionGuardian(credentials, opts.Refresher, logger)
	processor := NewProcessor(ProcessorOptions{
		Queue:        queue,
		DeadLetters:  deadLetters,
		Corrupted:    corrupted,
		Gate:         gate,
		Authority:    opts.Authority,
		Guardian:     guardian,
		Reconcile:    opts.Reconcile,
		Events:       opts.Events,
		AuditMode:    opts.AuditMode,
		RetryCeiling: opts.RetryCeiling,
		ApplyTimeout: opts.ApplyTimeout,
		Logger:       logger,
		Now:          now,
	})

	e := &Engine{
		queue:        queue,
		deadLetters:  deadLetters,
		corrupted:    corrupted,
		credentials:  credentials,
		gate:         gate,
		processor:    processor,
		connectivity: opts.Connectivity,
		auditMode:    opts.AuditMode,
		logger:       logger,
		now:          now,
		closed:       make(chan struct{}),
	}

	if err := e.reconcileStores(); err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(queue.Size()))

	if e.connectivity != nil {
		e.unsubscribe = e.connectivity.Subscribe(func(online bool) {
			if !online {
				return
			}
			e.logger.Printf("engine: connectivity restored, triggering sync")
			e.triggerAsync()
		})
	}
	return e, nil
}

// reconcileStores heals the crash window between an archive put and the queue
// remove: an item present in both places has already been archived, so the
// queued copy is the stale one.
func (e *Engine) reconcileStores() error {
	archived := map[string]struct{}{}
	for _, id := range e.deadLetters.IDs() {
		archived[id] = struct{}{}
	}
	for _, id := range e.corrupted.IDs() {
		archived[id] = struct{}{}
	}
	if len(archived) == 0 {
		return nil
	}
	for _, item := range e.queue.Snapshot() {
		if _, ok := archived[item.ID]; !ok {
			continue
		}
		e.logger.Printf("engine: reconciling archived item %s out of the queue", item.ID)
		if err := e.queue.Remove(item.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Submit validates and durably enqueues one mutation. It returns the queued
// item's id, ErrUnknownKind, ErrQueueFull, or a *SchemaError. Submission never
// waits on the network; if the authority is reachable a drain is kicked off in
// the background.
func (e *Engine) Submit(kind MutationKind, payload map[string]any) (string, error) {
	if !KnownKind(kind) {
		return "", ErrUnknownKind
	}
	canonical := CanonicalizePayload(payload)
	gateResult := e.gate.Validate(canonical, kind)
	if !gateResult.Compatible {
		metrics.SchemaRejectedTotal.Inc()
		return "", &SchemaError{
			Kind:            kind,
			MissingRequired: gateResult.MissingRequired,
			Unexpected:      gateResult.Unexpected,
			Detail:          gateResult.Detail,
		}
	}

	item := MutationItem{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     canonical,
		EnqueuedAt:  e.now(),
		Provisional: e.auditMode,
	}
	if err := e.queue.TryEnqueue(item); err != nil {
		if errors.Is(err, ErrQueueFull) {
			metrics.QueueFullTotal.Inc()
			e.emitEvent(Event{Type: EventQueueFull, Kind: kind, Detail: "mutation queue at capacity"})
		}
		return "", err
	}
	metrics.QueueDepth.Set(float64(e.queue.Size()))

	if e.connectivity == nil || e.connectivity.Online() {
		e.triggerAsync()
	}
	return item.ID, nil
}

// TriggerSync requests a drain pass. Single-flight: returns false without
// doing anything when a pass is already running or the engine is halted for
// authentication.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	return e.processor.TriggerSync(ctx)
}

func (e *Engine) triggerAsync() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.closed:
			return
		default:
		}
		e.processor.TriggerSync(context.Background())
	}()
}

// SetCredentials stores a fresh session, clears a Halted state and kicks off
// a drain. This is how the terminal recovers after an auth-required halt.
func (e *Engine) SetCredentials(creds Credentials) error {
	if err := e.credentials.Save(creds); err != nil {
		return err
	}
	e.processor.Resume()
	e.triggerAsync()
	return nil
}

func (e *Engine) ClearCredentials() error {
	return e.credentials.Clear()
}

// Status is a point-in-time snapshot for the ops surface.
type Status struct {
	State           ProcessorState `json:"state"`
	Online          bool           `json:"online"`
	QueueSize       int            `json:"queueSize"`
	QueueCapacity   int            `json:"queueCapacity"`
	DeadLetterCount int            `json:"deadLetterCount"`
	CorruptedCount  int            `json:"corruptedCount"`
	AuditMode       bool           `json:"auditMode,omitempty"`
}

func (e *Engine) Status() Status {
	online := true
	if e.connectivity != nil {
		online = e.connectivity.Online()
	}
	return Status{
		State:           e.processor.State(),
		Online:          online,
		QueueSize:       e.queue.Size(),
		QueueCapacity:   e.queue.Capacity(),
		DeadLetterCount: e.deadLetters.Size(),
		CorruptedCount:  e.corrupted.Size(),
		AuditMode:       e.auditMode,
	}
}

func (e *Engine) State() ProcessorState {
	return e.processor.State()
}

func (e *Engine) Pending() []MutationItem {
	return e.queue.Snapshot()
}

func (e *Engine) DeadLetters() []DeadLetterItem {
	return e.deadLetters.List()
}

func (e *Engine) GetDeadLetter(id string) (DeadLetterItem, bool) {
	return e.deadLetters.Get(id)
}

func (e *Engine) PurgeDeadLetter(id string) error {
	err := e.deadLetters.Purge(id)
	if err == nil {
		e.logger.Printf("engine: purged dead letter %s", id)
	}
	return err
}

func (e *Engine) Corrupted() []CorruptedItem {
	return e.corrupted.List()
}

func (e *Engine) GetCorrupted(id string) (CorruptedItem, bool) {
	return e.corrupted.Get(id)
}

func (e *Engine) PurgeCorrupted(id string) error {
	err := e.corrupted.Purge(id)
	if err == nil {
		e.logger.Printf("engine: purged corrupted item %s", id)
	}
	return err
}

// SetRetryCeiling and SetApplyTimeout take effect on the next drain pass;
// config hot reload calls them.
func (e *Engine) SetRetryCeiling(ceiling int) { e.processor.SetRetryCeiling(ceiling) }

func (e *Engine) SetApplyTimeout(timeout time.Duration) { e.processor.SetApplyTimeout(timeout) }

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
	})
	e.wg.Wait()
	var errs []error
	if err := e.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.deadLetters.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.corrupted.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) emitEvent(event Event) {
	e.processor.emitEvent(event)
}
