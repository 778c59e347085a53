package migration

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/client/cache"
	"github.com/synckit-go/replicate/internal/engineerr"
	"github.com/synckit-go/replicate/internal/logging"
)

const schemaVersionKey = "__replicate_schema"

// RecoveryAction is a user handler's decision after a migration step
// fails.
type RecoveryAction string

const (
	ActionReset         RecoveryAction = "reset"
	ActionKeepOldSchema RecoveryAction = "keep-old-schema"
	ActionRetry         RecoveryAction = "retry"
	ActionCustom        RecoveryAction = "custom"
)

// RecoveryInfo is everything a recovery handler needs to decide
// whether resetting the cache is safe.
type RecoveryInfo struct {
	CanResetSafely bool
	PendingChanges int
	LastSyncedAt   int64
}

// RecoveryDecision is a handler's response; Custom is only consulted
// when Action is ActionCustom.
type RecoveryDecision struct {
	Action RecoveryAction
	Custom func(ctx context.Context) error
}

// RecoveryHandler is invoked with the failure and the engine's
// best current assessment of reset safety.
type RecoveryHandler func(err error, info RecoveryInfo) RecoveryDecision

// MigrationFunc is a caller-provided replacement for the generated
// SQL for a specific target version.
type MigrationFunc func(ctx context.Context, db cache.MigrationDatabase) error

// Result reports what Run actually did.
type Result struct {
	Migrated    bool
	FromVersion int
	ToVersion   int
	Statements  []string
}

// Config wires the engine's collaborators and policy knobs.
type Config struct {
	Migrations map[int]MigrationFunc
	OnError    RecoveryHandler
	// PendingChanges and LastSyncedAt let a recovery handler assess
	// reset safety; both default to reporting "nothing pending" when
	// left nil, which is only correct for callers with no outstanding
	// local writes (tests, or a Replicator that has already drained
	// its upload queue before migrating).
	PendingChanges func(ctx context.Context) (int, error)
	LastSyncedAt   func(ctx context.Context) (int64, error)
	// MaxAttempts bounds retry/custom recovery loops so a
	// misbehaving handler cannot spin the engine forever. Default 5.
	MaxAttempts int
}

// Engine runs the spec's read-diff-generate-execute-stamp algorithm
// against one collection's cache.
type Engine struct {
	collection string
	adapter    cache.StorageAdapter
	cfg        Config
	log        zerolog.Logger
}

func New(collection string, adapter cache.StorageAdapter, cfg Config) *Engine {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Engine{collection: collection, adapter: adapter, cfg: cfg, log: logging.WithComponent("migration")}
}

func (e *Engine) readVersion(ctx context.Context) (int, bool, error) {
	raw, ok, err := e.adapter.KV().Get(ctx, schemaVersionKey)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.Atoi(string(raw))
	return v, true, err
}

func (e *Engine) stampVersion(ctx context.Context, version int) error {
	return e.adapter.KV().Set(ctx, schemaVersionKey, []byte(strconv.Itoa(version)))
}

// Run brings the cache schema from its stored version to to.Version,
// executing whatever the diff against `from` requires.
func (e *Engine) Run(ctx context.Context, from, to VersionedSchema) (Result, error) {
	stored, present, err := e.readVersion(ctx)
	if err != nil {
		return Result{}, err
	}
	if !present {
		if err := e.stampVersion(ctx, to.Version); err != nil {
			return Result{}, err
		}
		return Result{Migrated: false, FromVersion: to.Version, ToVersion: to.Version}, nil
	}
	if stored == to.Version {
		return Result{Migrated: false, FromVersion: stored, ToVersion: stored}, nil
	}

	ops := Diff(from, to)
	stmts, err := GenerateSQL(to.Table, ops)
	if err != nil {
		return Result{}, engineerr.NewMigrationError("failed to generate migration SQL", err, false, 0, 0)
	}

	for attempt := 0; ; attempt++ {
		runErr := e.execute(ctx, to, stmts)
		if runErr == nil {
			break
		}
		if attempt >= e.cfg.MaxAttempts {
			return Result{}, runErr
		}
		if e.cfg.OnError == nil {
			return Result{}, runErr
		}

		info, infoErr := e.recoveryInfo(ctx)
		if infoErr != nil {
			return Result{}, infoErr
		}
		decision := e.cfg.OnError(runErr, info)

		switch decision.Action {
		case ActionRetry:
			continue
		case ActionCustom:
			if decision.Custom != nil {
				if err := decision.Custom(ctx); err != nil {
					return Result{}, err
				}
			}
			continue
		case ActionReset:
			if err := e.Reset(ctx); err != nil {
				return Result{}, err
			}
			if err := e.stampVersion(ctx, to.Version); err != nil {
				return Result{}, err
			}
			return Result{Migrated: true, FromVersion: stored, ToVersion: to.Version}, nil
		case ActionKeepOldSchema:
			return Result{Migrated: false, FromVersion: stored, ToVersion: stored}, runErr
		default:
			return Result{}, runErr
		}
	}

	if err := e.stampVersion(ctx, to.Version); err != nil {
		return Result{}, err
	}
	return Result{Migrated: true, FromVersion: stored, ToVersion: to.Version, Statements: stmts}, nil
}

func (e *Engine) execute(ctx context.Context, to VersionedSchema, stmts []string) error {
	if fn, ok := e.cfg.Migrations[to.Version]; ok {
		return fn(ctx, e.adapter.DB())
	}
	db := e.adapter.DB()
	if db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recoveryInfo(ctx context.Context) (RecoveryInfo, error) {
	pending := 0
	if e.cfg.PendingChanges != nil {
		n, err := e.cfg.PendingChanges(ctx)
		if err != nil {
			return RecoveryInfo{}, err
		}
		pending = n
	}
	var lastSynced int64
	if e.cfg.LastSyncedAt != nil {
		ts, err := e.cfg.LastSyncedAt(ctx)
		if err != nil {
			return RecoveryInfo{}, err
		}
		lastSynced = ts
	}
	return RecoveryInfo{CanResetSafely: pending == 0, PendingChanges: pending, LastSyncedAt: lastSynced}, nil
}

// Reset wipes every cached document in the collection (snapshots,
// deltas) plus its stream cursor — the "reset" recovery action, also
// reusable directly by a caller that wants a hard cache wipe outside
// the migration flow.
func (e *Engine) Reset(ctx context.Context) error {
	prefix := e.collection + ":"
	keys, err := e.adapter.ListDocuments(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		document := strings.TrimPrefix(key, prefix)
		if err := e.adapter.Reset(ctx, cache.Scope{Collection: e.collection, Document: document}); err != nil {
			return err
		}
	}
	return e.adapter.KV().Del(ctx, "cursor:"+e.collection)
}
