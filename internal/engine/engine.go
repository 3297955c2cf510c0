// Package engine runs the outbound sync pipeline of one account: it owns the
// account's queue, sends dispatched entries through the transport, feeds
// every outcome through the result handler, and applies pulled listings and
// push signals to local storage through the reconciler and translator.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
	"github.com/tonimelisma/notesync/internal/reconcile"
	"github.com/tonimelisma/notesync/internal/result"
	"github.com/tonimelisma/notesync/internal/signal"
	"github.com/tonimelisma/notesync/internal/store"
)

// DefaultScopes lists one sync scope per entity kind. A scope name is the
// kind name of the entities it holds.
var DefaultScopes = []string{
	entity.KindNote.String(),
	entity.KindPageReference.String(),
	entity.KindMeetingNote.String(),
}

// Transport is the remote side of the engine. Implemented by
// *remote.Client; tests inject fakes.
type Transport interface {
	Send(ctx context.Context, entry queue.Entry, local entity.Entity) queue.Result
	Full(ctx context.Context, scope, correlationID string) ([]entity.Remote, string, error)
	Delta(ctx context.Context, scope, token, correlationID string) ([]entity.DeltaPayload, string, error)
}

// Config holds the inputs for New.
type Config struct {
	Account   string
	Scopes    []string // nil selects DefaultScopes
	Transport Transport
	Store     *store.Store
	Sink      queue.Sink

	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	MaxInFlight   int

	Reconciler *reconcile.Reconciler // nil builds one with default identity rules
	Logger     *slog.Logger
}

// Engine is the per-account sync engine. Methods are safe for concurrent
// use.
type Engine struct {
	account    string
	scopes     []string
	transport  Transport
	store      *store.Store
	queue      *queue.Queue
	rec        *reconcile.Reconciler
	translator *signal.Translator
	logger     *slog.Logger

	// signalMu serializes read-modify-write cycles on local storage so a
	// push signal and a pulled listing never reconcile the same snapshot.
	signalMu sync.Mutex

	mu      sync.RWMutex
	handler result.Handler
}

// New opens the account's queue and builds an engine around it.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Transport == nil || cfg.Store == nil {
		return nil, fmt.Errorf("engine: %s: transport and store are required", cfg.Account)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	for _, s := range scopes {
		if _, err := ScopeKind(s); err != nil {
			return nil, fmt.Errorf("engine: %s: %w", cfg.Account, err)
		}
	}

	rec := cfg.Reconciler
	if rec == nil {
		rec = reconcile.New(reconcile.Config{})
	}

	q, err := queue.Open(ctx, queue.Config{
		Account:      cfg.Account,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		MaxInFlight:  cfg.MaxInFlight,
		Persister:    cfg.Store,
		Sink:         cfg.Sink,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		account:    cfg.Account,
		scopes:     scopes,
		transport:  cfg.Transport,
		store:      cfg.Store,
		queue:      q,
		rec:        rec,
		translator: signal.NewTranslator(rec),
		logger:     logger.With(slog.String("account", cfg.Account)),
		handler:    result.New(cfg.BackoffFactor),
	}, nil
}

// ScopeKind returns the entity kind held by a scope.
func ScopeKind(scope string) (entity.Kind, error) {
	k, err := entity.ParseKind(scope)
	if err != nil {
		return 0, fmt.Errorf("unknown scope %q", scope)
	}

	return k, nil
}

// Account returns the account name.
func (e *Engine) Account() string { return e.account }

// Scopes returns the scopes this engine syncs.
func (e *Engine) Scopes() []string { return e.scopes }

// Tuning is the part of the configuration that can change while running.
type Tuning struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Retune applies new backoff settings. Delays already scheduled are kept.
func (e *Engine) Retune(t Tuning) {
	e.queue.SetBackoff(queue.Backoff{Initial: t.InitialDelay, Max: t.MaxDelay})

	e.mu.Lock()
	e.handler = result.New(t.BackoffFactor)
	e.mu.Unlock()

	e.logger.Info("engine retuned",
		slog.Duration("initial_delay", t.InitialDelay),
		slog.Duration("max_delay", t.MaxDelay),
		slog.Float64("backoff_factor", t.BackoffFactor),
	)
}

func (e *Engine) resultHandler() result.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.handler
}

// Push enqueues an operation through the squasher.
func (e *Engine) Push(ctx context.Context, op queue.Op) (queue.Entry, queue.SquashOutcome, error) {
	return e.queue.Push(ctx, op)
}

// RequestSync enqueues a sync of every scope. A scope without a stored
// delta token always gets a full listing.
func (e *Engine) RequestSync(ctx context.Context, full bool) error {
	for _, scope := range e.scopes {
		var op queue.Op = queue.FullSyncOp{Scope: scope}

		if !full {
			token, err := e.store.GetSyncToken(ctx, e.account, scope)
			if err != nil {
				return fmt.Errorf("engine: %w", err)
			}

			if token != "" {
				op = queue.DeltaSyncOp{Scope: scope}
			}
		}

		if _, _, err := e.queue.Push(ctx, op); err != nil {
			return fmt.Errorf("engine: requesting sync: %w", err)
		}
	}

	return nil
}

// SaveLocal records a local edit and enqueues the mutation that carries it
// to the remote side: a create for an entity that has no remote identity
// yet, an update otherwise. A caller copy read before the create landed
// keeps the remote identity already stored for the row.
func (e *Engine) SaveLocal(ctx context.Context, ent entity.Entity) (queue.Entry, error) {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	if ent.LocalID == "" {
		ent.LocalID = e.rec.NewLocalID()
	} else if !ent.HasRemoteID() {
		stored, ok, err := e.store.GetEntity(ctx, e.account, ent.LocalID)
		if err != nil {
			return queue.Entry{}, fmt.Errorf("engine: saving %s: %w", ent.LocalID, err)
		}

		if ok && stored.HasRemoteID() {
			ent.SourceID = stored.SourceID
			ent.Revision = stored.Revision
			ent.IsLocalOnlyPage = stored.IsLocalOnlyPage
		}
	}

	if err := e.store.PutEntity(ctx, e.account, ent); err != nil {
		return queue.Entry{}, fmt.Errorf("engine: saving %s: %w", ent.LocalID, err)
	}

	entry, _, err := e.queue.PushEdit(ctx, ent.LocalID, func(create queue.Entry, queued bool) queue.Op {
		switch {
		case ent.HasRemoteID():
			return queue.UpdateOp{
				EntityKind:   ent.Kind,
				LocalID:      ent.LocalID,
				RemoteID:     ent.FullID(),
				BaseRevision: ent.Revision,
			}
		case queued && !create.InFlight:
			// The unsent create reads the row at send time.
			return nil
		case queued:
			// Provisional: the remote id is filled in when the create lands.
			return queue.UpdateOp{EntityKind: ent.Kind, LocalID: ent.LocalID}
		default:
			return queue.CreateOp{EntityKind: ent.Kind, LocalID: ent.LocalID, Scope: ent.Kind.String()}
		}
	})

	return entry, err
}

// Entity returns one local row of this account.
func (e *Engine) Entity(ctx context.Context, localID string) (entity.Entity, bool, error) {
	return e.store.GetEntity(ctx, e.account, localID)
}

// DeleteLocal tombstones a local entity and enqueues its remote delete. The
// row is removed once the delete is acknowledged, or at once when the
// delete cancels a create that was never sent.
func (e *Engine) DeleteLocal(ctx context.Context, localID string) error {
	ent, ok, err := e.store.GetEntity(ctx, e.account, localID)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if !ok {
		return fmt.Errorf("engine: entity %s not found", localID)
	}

	var cs entity.ChangeSet
	cs.MarkAsDeleted(ent)

	if err := e.store.ApplyChangeSet(ctx, e.account, cs); err != nil {
		return fmt.Errorf("engine: deleting %s: %w", localID, err)
	}

	_, outcome, err := e.queue.Push(ctx, queue.DeleteOp{EntityKind: ent.Kind, LocalID: localID, RemoteID: ent.FullID()})
	if err != nil {
		return err
	}

	if outcome == queue.Cancelled {
		// The entity never reached the remote side: nothing to wait for.
		return e.purgeTombstone(ctx, localID)
	}

	return nil
}

// HandleSignal applies one push signal to local storage.
func (e *Engine) HandleSignal(ctx context.Context, sig signal.Signal) error {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	local, err := e.store.LoadLocal(ctx, e.account, entity.KindPageReference)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	cs, err := e.translator.Translate(sig, local)
	if err != nil {
		return fmt.Errorf("engine: translating %s: %w", sig.Name(), err)
	}

	if cs.IsEmpty() {
		e.logger.Debug("signal changed nothing", slog.String("signal", sig.Name()))
		return nil
	}

	if err := e.store.ApplyChangeSet(ctx, e.account, cs); err != nil {
		return fmt.Errorf("engine: applying %s: %w", sig.Name(), err)
	}

	e.logger.Debug("signal applied",
		slog.String("signal", sig.Name()),
		slog.Int("changes", cs.Len()),
	)

	return nil
}

// Pause stops dispatch.
func (e *Engine) Pause(ctx context.Context) error { return e.queue.Pause(ctx) }

// Resume restarts dispatch and clears the retry delay.
func (e *Engine) Resume(ctx context.Context) error { return e.queue.Resume(ctx) }

// Reset drops every queued operation.
func (e *Engine) Reset(ctx context.Context) error { return e.queue.Reset(ctx) }

// Snapshot returns the queue state.
func (e *Engine) Snapshot() queue.State { return e.queue.Snapshot() }

// Status describes an account for status output.
type Status struct {
	Account    string
	Queue      queue.State
	Entities   int
	SyncTokens map[string]bool // scope -> has a delta token
}

// Status reports queue state, the local entity count and which scopes can
// sync incrementally.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	local, err := e.store.LoadLocal(ctx, e.account, 0)
	if err != nil {
		return Status{}, fmt.Errorf("engine: %w", err)
	}

	st := Status{
		Account:    e.account,
		Queue:      e.queue.Snapshot(),
		Entities:   len(local),
		SyncTokens: make(map[string]bool, len(e.scopes)),
	}

	for _, scope := range e.scopes {
		token, err := e.store.GetSyncToken(ctx, e.account, scope)
		if err != nil {
			return Status{}, fmt.Errorf("engine: %w", err)
		}

		st.SyncTokens[scope] = token != ""
	}

	return st, nil
}
