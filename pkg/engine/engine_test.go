package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kinesis-db/kinesis/pkg/catalog"
	"github.com/kinesis-db/kinesis/pkg/config"
	"github.com/kinesis-db/kinesis/pkg/engine"
	"github.com/kinesis-db/kinesis/pkg/txn"
	"github.com/kinesis-db/kinesis/pkg/types"
)

func newDiskEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "kinesis")
	cfg.MetricsEnabled = false
	eng, err := engine.NewOnDisk(cfg)
	if err != nil {
		t.Fatalf("NewOnDisk failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func mustCreateUsersTable(t *testing.T, eng *engine.Engine) {
	t.Helper()
	err := eng.CreateTable(context.Background(), "users", []catalog.FieldDef{
		{Name: "name", Type: types.String, Required: true},
		{Name: "age", Type: types.Integer},
	})
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
}

func TestEngine_InsertGetUpdateDelete(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	if _, err := eng.Get(ctx, nil, "users", 1); err == nil {
		t.Error("expected error for missing row")
	}

	err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{
		"name": types.NewString("Alice"),
		"age":  types.NewInteger(30),
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	row, err := eng.Get(ctx, nil, "users", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Fields["name"].S != "Alice" {
		t.Errorf("expected name Alice, got %q", row.Fields["name"].S)
	}

	err = eng.Update(ctx, nil, "users", 1, map[string]types.Value{"age": types.NewInteger(31)})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	row, _ = eng.Get(ctx, nil, "users", 1)
	if row.Fields["age"].I != 31 {
		t.Errorf("expected age 31, got %d", row.Fields["age"].I)
	}

	if err := eng.Delete(ctx, nil, "users", 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := eng.Get(ctx, nil, "users", 1); err == nil {
		t.Error("expected error after delete")
	}
}

func TestEngine_InsertRejectsMissingRequiredField(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{
		"age": types.NewInteger(10),
	})
	if err == nil {
		t.Fatal("expected error inserting without required field 'name'")
	}
}

func TestEngine_CommitMakesWritesVisible(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	tx, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := eng.Insert(ctx, tx, "users", 1, map[string]types.Value{
		"name": types.NewString("Bob"),
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := eng.Commit(tx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if _, err := eng.Get(ctx, nil, "users", 1); err != nil {
		t.Fatalf("expected row visible after commit, got err: %v", err)
	}
}

func TestEngine_AbortDiscardsWrites(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{
		"name": types.NewString("Carol"),
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tx, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := eng.Update(ctx, tx, "users", 1, map[string]types.Value{"name": types.NewString("Changed")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := eng.Abort(tx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	row, err := eng.Get(ctx, nil, "users", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Fields["name"].S != "Carol" {
		t.Errorf("expected abort to discard update, got name=%q", row.Fields["name"].S)
	}
}

func TestEngine_RepeatableReadSeesFixedSnapshot(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("v1")}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tx, err := eng.BeginIsolated(txn.RepeatableRead)
	if err != nil {
		t.Fatalf("BeginIsolated failed: %v", err)
	}
	row, err := eng.Get(ctx, tx, "users", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Fields["name"].S != "v1" {
		t.Fatalf("expected v1, got %q", row.Fields["name"].S)
	}

	if err := eng.Update(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("v2")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	row, err = eng.Get(ctx, tx, "users", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Fields["name"].S != "v1" {
		t.Errorf("expected RepeatableRead to still see v1, got %q", row.Fields["name"].S)
	}
	eng.Commit(tx)
}

func TestEngine_CreateTableDropTableReuseName(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("Dave")}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := eng.DropTable(ctx, "users"); err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}

	mustCreateUsersTable(t, eng)
	if _, err := eng.Get(ctx, nil, "users", 1); err == nil {
		t.Error("expected fresh table to not carry over dropped rows")
	}
	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("Erin")}); err != nil {
		t.Fatalf("Insert into recreated table failed: %v", err)
	}
}

func TestEngine_CheckpointProducesFile(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)
	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("Frank")}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	path, err := eng.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if path == "" {
		t.Error("expected non-empty checkpoint path")
	}
}

func TestEngine_VacuumReclaimsAfterActiveSnapshotCloses(t *testing.T) {
	eng := newDiskEngine(t)
	ctx := context.Background()
	mustCreateUsersTable(t, eng)

	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("Gina")}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tx, err := eng.BeginIsolated(txn.RepeatableRead)
	if err != nil {
		t.Fatalf("BeginIsolated failed: %v", err)
	}

	if err := eng.Delete(ctx, nil, "users", 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	reclaimed, err := eng.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("expected 0 reclaimed while snapshot active, got %d", reclaimed)
	}

	if err := eng.Commit(tx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	reclaimed, err = eng.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	if reclaimed == 0 {
		t.Error("expected Vacuum to reclaim the tombstoned row after snapshot closed")
	}
}

func TestEngine_RecoveryReplaysCommittedWrites(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "kinesis")
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.MetricsEnabled = false
	ctx := context.Background()

	eng, err := engine.NewOnDisk(cfg)
	if err != nil {
		t.Fatalf("NewOnDisk failed: %v", err)
	}
	if err := eng.CreateTable(ctx, "users", []catalog.FieldDef{
		{Name: "name", Type: types.String, Required: true},
	}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("Helen")}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := engine.NewOnDisk(cfg)
	if err != nil {
		t.Fatalf("reopen NewOnDisk failed: %v", err)
	}
	defer reopened.Close()

	row, err := reopened.Get(ctx, nil, "users", 1)
	if err != nil {
		t.Fatalf("expected row to survive recovery, got err: %v", err)
	}
	if row.Fields["name"].S != "Helen" {
		t.Errorf("expected name Helen after recovery, got %q", row.Fields["name"].S)
	}
}

func TestEngine_InMemoryRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Backing = config.InMemory
	cfg.MetricsEnabled = false
	eng, err := engine.NewInMemory(cfg)
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	if err := eng.CreateTable(ctx, "users", []catalog.FieldDef{
		{Name: "name", Type: types.String, Required: true},
	}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if err := eng.Insert(ctx, nil, "users", 1, map[string]types.Value{"name": types.NewString("Ivy")}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	row, err := eng.Get(ctx, nil, "users", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Fields["name"].S != "Ivy" {
		t.Errorf("expected name Ivy, got %q", row.Fields["name"].S)
	}

	if _, err := eng.Checkpoint(); err == nil {
		t.Error("expected Checkpoint to fail without a durable backing")
	}
}
