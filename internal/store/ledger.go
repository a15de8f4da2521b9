package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IDSource produces run ids.
type IDSource interface {
	NewRunID() (uuid.UUID, error)
}

// Ledger records top-level runs. Ledger failures are logged and never interrupt a crawl.
type Ledger struct {
	repo   RunRepository
	ids    IDSource
	now    func() time.Time
	logger *zap.Logger
}

// NewLedger builds a Ledger. A nil repo yields a Ledger that only logs.
func NewLedger(repo RunRepository, ids IDSource, now func() time.Time, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{repo: repo, ids: ids, now: now, logger: logger.Named("ledger")}
}

// Entry is one run in progress.
type Entry struct {
	ledger  *Ledger
	id      uuid.UUID
	kind    RunKind
	target  string
	started time.Time
}

// ID returns the run id, or uuid.Nil when none could be generated.
func (e *Entry) ID() uuid.UUID {
	return e.id
}

// Begin records a running row for kind and target.
func (l *Ledger) Begin(ctx context.Context, kind RunKind, target string) *Entry {
	e := &Entry{ledger: l, kind: kind, target: target, started: l.now()}
	if l.ids != nil {
		id, err := l.ids.NewRunID()
		if err != nil {
			l.logger.Error("generate run id", zap.Error(err))
		} else {
			e.id = id
		}
	}
	l.logger.Info("run started",
		zap.String("run_id", e.id.String()),
		zap.String("kind", string(kind)),
		zap.String("target", target))
	if l.repo == nil || e.id == uuid.Nil {
		return e
	}
	err := l.repo.StartRun(ctx, Run{
		ID:        e.id,
		Kind:      kind,
		Target:    target,
		StartedAt: e.started,
		Status:    RunRunning,
	})
	if err != nil {
		l.logger.Error("record run start", zap.String("run_id", e.id.String()), zap.Error(err))
	}
	return e
}

// Finish records the final status. A non-nil runErr is stored as the error message.
func (e *Entry) Finish(ctx context.Context, status RunStatus, counters Counters, runErr error) {
	l := e.ledger
	finished := l.now()
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	l.logger.Info("run finished",
		zap.String("run_id", e.id.String()),
		zap.String("kind", string(e.kind)),
		zap.String("target", e.target),
		zap.String("status", string(status)),
		zap.Int64("calls", counters.Calls),
		zap.Int64("items", counters.Items),
		zap.Int64("failures", counters.Failures),
		zap.Duration("duration", finished.Sub(e.started)))
	if l.repo == nil || e.id == uuid.Nil {
		return
	}
	if err := l.repo.FinishRun(ctx, e.id, finished, status, counters, msg); err != nil {
		l.logger.Error("record run finish", zap.String("run_id", e.id.String()), zap.Error(err))
	}
}
