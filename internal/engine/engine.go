package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"journeyline/internal/audit"
	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

const systemActor = "system"

// Notifier receives every audit entry that was durably appended.
type Notifier interface {
	Publish(entry domain.AuditLogEntry) error
}

// Engine hosts the Stage Ledger, Task Gate, Roster Manager and Reconciler.
// It carries no mutable state between calls; everything lives in the stores.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Log
	Config   *config.Config
	OrgID    string
	Mirrors  []StatusStore
	Notifier Notifier
	Log      zerolog.Logger
	Now      func() time.Time
	// Async runs follow-up work such as seeding the next stage's checklist.
	Async func(func())
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, log zerolog.Logger) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Audit:  audit.Log{DB: conn, Dialect: dialect},
		Config: cfg,
		OrgID:  cfg.Org.ID,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) async(fn func()) {
	if e.Async != nil {
		e.Async(fn)
		return
	}
	go fn()
}

func actorOr(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return systemActor
}

func (e Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Config != nil && e.Config.Store.OperationTimeout > 0 {
		return context.WithTimeout(ctx, e.Config.Store.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// retry reruns fn while it fails with a DependencyError, backing off
// exponentially. Only idempotent work goes through here.
func (e Engine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := 1
	var base, ceiling time.Duration
	if e.Config != nil {
		attempts = max(e.Config.Retry.Attempts, 1)
		base, ceiling = e.Config.Retry.BaseDelay, e.Config.Retry.MaxDelay
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		var dep DependencyError
		if err == nil || !errors.As(err, &dep) || i == attempts-1 {
			return err
		}
		delay := base << i
		if ceiling > 0 && (delay > ceiling || delay <= 0) {
			delay = ceiling
		}
		e.Log.Debug().Str("op", op).Int("attempt", i+1).Dur("delay", delay).Err(err).Msg("retrying")
		select {
		case <-ctx.Done():
			return DependencyError{Op: op, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return err
}

// inTx runs fn in a transaction. Inside fn every query must use tx.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}

// record appends audit entries after the domain write has committed. A failed
// append does not undo the mutation; it becomes a warning for the reconciler.
func (e Engine) record(ctx context.Context, op string, entries ...domain.AuditLogEntry) []ConsistencyWarning {
	var warnings []ConsistencyWarning
	for _, entry := range entries {
		if entry.Details == "" {
			entry.Details = "{}"
		}
		id, err := e.Audit.Append(ctx, entry)
		if err != nil {
			e.Log.Warn().Err(err).Str("op", op).Str("entity_type", string(entry.EntityType)).Str("entity_id", entry.EntityID).
				Str("field", entry.FieldName).Msg("audit append failed")
			warnings = append(warnings, ConsistencyWarning{Op: op, Detail: "audit append failed for " + string(entry.EntityType) + " " + entry.EntityID + ": " + err.Error()})
			continue
		}
		entry.ID = id
		if e.Notifier != nil {
			if err := e.Notifier.Publish(entry); err != nil {
				e.Log.Warn().Err(err).Str("audit_id", id).Msg("notify failed")
			}
		}
	}
	return warnings
}

// pushMirrors copies fresh status values into every secondary store. Drift
// left behind by a failed push is repaired by Reconcile.
func (e Engine) pushMirrors(ctx context.Context, ref EntityRef, fields map[string]string) {
	for _, m := range e.Mirrors {
		if err := m.WriteStatus(ctx, ref, fields); err != nil {
			e.Log.Warn().Err(err).Str("store", m.Name()).Str("entity_type", string(ref.Type)).Str("entity_id", ref.ID).Msg("mirror push failed")
		}
	}
}

func (e Engine) capacityFloor() int {
	if e.Config == nil {
		return 1
	}
	return e.Config.CapacityFloor()
}

func (e Engine) warn(op, detail string) ConsistencyWarning {
	e.Log.Warn().Str("op", op).Msg(detail)
	return ConsistencyWarning{Op: op, Detail: detail}
}
