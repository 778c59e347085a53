package migration

import (
	"context"
	"fmt"
	"testing"

	"github.com/synckit-go/replicate/internal/client/cache"
	"github.com/synckit-go/replicate/internal/crdt"
)

func tasksV1() VersionedSchema {
	return VersionedSchema{Version: 1, Table: "tasks", Shape: []Field{
		{Name: "title", Kind: KindString},
	}}
}

func tasksV2() VersionedSchema {
	return VersionedSchema{Version: 2, Table: "tasks", Shape: []Field{
		{Name: "title", Kind: KindString},
		{Name: "priority", Kind: KindString, Optional: true, Default: "medium"},
	}}
}

func TestDiffDetectsAddedColumn(t *testing.T) {
	ops := Diff(tasksV1(), tasksV2())
	if len(ops) != 1 {
		t.Fatalf("expected 1 diff op, got %d: %+v", len(ops), ops)
	}
	if ops[0].Kind != OpAddColumn || ops[0].Column != "priority" {
		t.Fatalf("unexpected op: %+v", ops[0])
	}
}

func TestGenerateSQLMatchesScenarioF(t *testing.T) {
	ops := Diff(tasksV1(), tasksV2())
	stmts, err := GenerateSQL("tasks", ops)
	if err != nil {
		t.Fatalf("GenerateSQL: %v", err)
	}
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(stmts))
	}
	want := `ALTER TABLE "tasks" ADD COLUMN "priority" TEXT DEFAULT 'medium'`
	if stmts[0] != want {
		t.Fatalf("got %q, want %q", stmts[0], want)
	}
}

func TestGenerateSQLRejectsInvalidColumnName(t *testing.T) {
	ops := []DiffOp{{Kind: OpAddColumn, Column: "bad name; DROP TABLE x", FieldType: KindString}}
	if _, err := GenerateSQL("tasks", ops); err == nil {
		t.Fatalf("expected an error for an invalid column name")
	}
}

func TestRunFirstTimeStampsWithoutMigrating(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	eng := New("tasks", adapter, Config{})

	result, err := eng.Run(ctx, tasksV1(), tasksV2())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Migrated {
		t.Fatalf("expected first-run stamping to report migrated=false")
	}
	if result.ToVersion != 2 {
		t.Fatalf("expected stamped version 2, got %d", result.ToVersion)
	}

	raw, ok, err := adapter.KV().Get(ctx, schemaVersionKey)
	if err != nil || !ok || string(raw) != "2" {
		t.Fatalf("expected stored version 2, got %q ok=%v err=%v", raw, ok, err)
	}
}

func TestRunSameVersionIsANoOp(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	eng := New("tasks", adapter, Config{})

	if _, err := eng.Run(ctx, tasksV1(), tasksV1()); err != nil {
		t.Fatalf("Run (first time): %v", err)
	}
	result, err := eng.Run(ctx, tasksV1(), tasksV1())
	if err != nil {
		t.Fatalf("Run (second time): %v", err)
	}
	if result.Migrated {
		t.Fatalf("expected no-op when stored == target")
	}
}

func TestRunExecutesGeneratedSQLAndStampsVersion(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	eng := New("tasks", adapter, Config{})

	if _, err := eng.Run(ctx, tasksV1(), tasksV1()); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	result, err := eng.Run(ctx, tasksV1(), tasksV2())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Migrated || result.ToVersion != 2 {
		t.Fatalf("expected migrated to version 2, got %+v", result)
	}
	if len(result.Statements) != 1 {
		t.Fatalf("expected 1 statement recorded, got %d", len(result.Statements))
	}

	raw, ok, err := adapter.KV().Get(ctx, schemaVersionKey)
	if err != nil || !ok || string(raw) != "2" {
		t.Fatalf("expected stored version 2, got %q ok=%v err=%v", raw, ok, err)
	}
}

func TestRunUsesCallerProvidedMigrationFunc(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	called := false
	eng := New("tasks", adapter, Config{
		Migrations: map[int]MigrationFunc{
			2: func(ctx context.Context, db cache.MigrationDatabase) error {
				called = true
				return nil
			},
		},
	})

	if _, err := eng.Run(ctx, tasksV1(), tasksV1()); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if _, err := eng.Run(ctx, tasksV1(), tasksV2()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatalf("expected caller-provided migration function to run instead of generated SQL")
	}
}

func TestRunResetRecoveryWipesCacheAndStamps(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()

	doc := crdt.New("client-1")
	provider, err := adapter.CreateDocPersistence(ctx, cache.Scope{Collection: "tasks", Document: "a"}, doc)
	if err != nil {
		t.Fatalf("CreateDocPersistence: %v", err)
	}
	<-provider.WhenSynced()
	doc.Transact(func(tx *crdt.TxView) { tx.Set("title", "hello") })

	failingDB := &failingMigrationDB{}
	adapterWithDB := &dbOverrideAdapter{StorageAdapter: adapter, db: failingDB}

	eng := New("tasks", adapterWithDB, Config{
		OnError: func(err error, info RecoveryInfo) RecoveryDecision {
			return RecoveryDecision{Action: ActionReset}
		},
	})

	if _, err := eng.Run(ctx, tasksV1(), tasksV1()); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	result, err := eng.Run(ctx, tasksV1(), tasksV2())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Migrated {
		t.Fatalf("expected reset recovery to report migrated=true")
	}
	stored, present, err := eng.readVersion(ctx)
	if err != nil || !present || stored != tasksV2().Version {
		t.Fatalf("expected stored version %d after reset, got %d (present=%v, err=%v)", tasksV2().Version, stored, present, err)
	}

	ids, err := adapter.ListDocuments(ctx, "tasks:")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected cache wiped after reset, found %v", ids)
	}
}

func TestRunKeepOldSchemaLeavesVersionUnchanged(t *testing.T) {
	ctx := context.Background()
	adapter := cache.NewMemoryAdapter()
	failingDB := &failingMigrationDB{}
	adapterWithDB := &dbOverrideAdapter{StorageAdapter: adapter, db: failingDB}

	eng := New("tasks", adapterWithDB, Config{
		OnError: func(err error, info RecoveryInfo) RecoveryDecision {
			return RecoveryDecision{Action: ActionKeepOldSchema}
		},
	})

	if _, err := eng.Run(ctx, tasksV1(), tasksV1()); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if _, err := eng.Run(ctx, tasksV1(), tasksV2()); err == nil {
		t.Fatalf("expected keep-old-schema to surface the underlying error")
	}

	raw, ok, err := adapter.KV().Get(ctx, schemaVersionKey)
	if err != nil || !ok || string(raw) != "1" {
		t.Fatalf("expected stored version to remain 1, got %q ok=%v err=%v", raw, ok, err)
	}
}

// failingMigrationDB always fails Exec, simulating a broken generated
// statement so the recovery handshake can be exercised.
type failingMigrationDB struct{}

func (f *failingMigrationDB) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return fmt.Errorf("simulated exec failure")
}
func (f *failingMigrationDB) Get(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	return nil, nil
}
func (f *failingMigrationDB) All(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}

// dbOverrideAdapter lets a test swap in a deliberately failing
// MigrationDatabase while keeping the memory adapter's real KV/doc
// storage for everything else.
type dbOverrideAdapter struct {
	cache.StorageAdapter
	db cache.MigrationDatabase
}

func (a *dbOverrideAdapter) DB() cache.MigrationDatabase { return a.db }
