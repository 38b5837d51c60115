package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/models"
)

func newTestRepo(t *testing.T) *SQL {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo := New(db)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return repo
}

func pendingTrade() *models.Trade {
	last := 0.66
	return &models.Trade{
		ID:          uuid.New(),
		State:       models.TradePending,
		PairID:      "A:B",
		OrderID:     "order-1",
		RatioTarget: 0.67,
		RatioLast:   &last,
		Size:        1000,
	}
}

func TestUpsertAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	in := pendingTrade()
	if err := repo.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if in.CreatedAt.IsZero() || in.UpdatedAt.IsZero() {
		t.Fatal("timestamps not stamped")
	}

	got, err := repo.Find(ctx, in.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.ID != in.ID || got.State != models.TradePending || got.PairID != "A:B" || got.OrderID != "order-1" {
		t.Fatalf("unexpected trade %+v", got)
	}
	if got.RatioLast == nil || *got.RatioLast != 0.66 || got.Size != 1000 {
		t.Fatalf("numeric fields lost: %+v", got)
	}
	if got.Result != nil {
		t.Fatalf("expected no result, got %+v", got.Result)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tr := pendingTrade()
	if err := repo.Upsert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	created := tr.CreatedAt

	again := *tr
	again.Size = 2000
	again.CreatedAt = time.Time{}
	if err := repo.Upsert(ctx, &again); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.Find(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 2000 {
		t.Fatalf("size = %v, want 2000", got.Size)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed: %v -> %v", created, got.CreatedAt)
	}

	counts, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.TradePending] != 1 {
		t.Fatalf("expected one row, got %v", counts)
	}
}

func TestUpdateStateWithResult(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tr := pendingTrade()
	_ = repo.Upsert(ctx, tr)

	if err := repo.UpdateState(ctx, tr.ID, models.TradeExecuting, nil); err != nil {
		t.Fatalf("executing: %v", err)
	}
	exec := models.ExecutionResult{OrdersPlaced: 2, FilledAmount: 700, AvgPrice: 0.671, Timestamp: 1}
	if err := repo.UpdateState(ctx, tr.ID, models.TradePartial, models.NewExecutionResult(exec)); err != nil {
		t.Fatalf("partial: %v", err)
	}

	got, err := repo.Find(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.TradePartial {
		t.Fatalf("state = %s", got.State)
	}
	if got.Result == nil || got.Result.Kind != models.ResultExecution || got.Result.Execution == nil {
		t.Fatalf("result not stored: %+v", got.Result)
	}
	if *got.Result.Execution != exec {
		t.Fatalf("execution = %+v, want %+v", *got.Result.Execution, exec)
	}

	// A state-only update keeps the stored result.
	if err := repo.UpdateState(ctx, tr.ID, models.TradeFailed, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.Find(ctx, tr.ID)
	if got.Result == nil {
		t.Fatal("result dropped by state-only update")
	}
}

func TestNotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Find(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Find: %v", err)
	}
	if err := repo.UpdateState(ctx, uuid.New(), models.TradeDone, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateState: %v", err)
	}
}

func TestRejectsInvalid(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, &models.Trade{State: models.TradePending}); err == nil {
		t.Error("expected error for nil id")
	}
	tr := pendingTrade()
	tr.State = "lost"
	if err := repo.Upsert(ctx, tr); err == nil {
		t.Error("expected error for unknown state")
	}
	bad := &models.TradeResult{Kind: models.ResultSettlement}
	if err := repo.UpdateState(ctx, uuid.New(), models.TradeDone, bad); err == nil {
		t.Error("expected error for settlement without payload")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), appconfig.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatal("expected error")
	}
}
