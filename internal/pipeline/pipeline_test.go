package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/queue"
	"github.com/coinlordd/pear-limit-engine/internal/repository"
	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/models"
)

type fixture struct {
	st      *store.Store
	repo    *repository.SQL
	pending *queue.List
	partial *queue.List
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewFromClient(rdb, "test")

	db, err := sqlx.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	repo := repository.New(db)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		st:      st,
		repo:    repo,
		pending: queue.NewList(st, queue.Pending),
		partial: queue.NewList(st, queue.Partial),
	}
}

var plannerCfg = appconfig.PlannerConfig{
	Interval:     10 * time.Millisecond,
	TargetRatio:  0.67,
	Threshold:    0.01,
	Size:         1000,
	ErrorBackoff: 10 * time.Millisecond,
}

var instant = appconfig.ConsumerConfig{Idle: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond}

type archiveRecorder struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (a *archiveRecorder) SendSettled(_ context.Context, t models.Trade) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trades = append(a.trades, t)
	return true
}

func TestPlannerWithinThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := NewPlanner(plannerCfg, "A:B", f.st, f.repo, f.pending)

	if _, err := p.PlanOnce(ctx); err != errNoRatio {
		t.Fatalf("expected errNoRatio, got %v", err)
	}

	_ = f.st.SetRatio(ctx, models.RatioSample{PairID: "A:B", Ratio: 0.675, Timestamp: 1})
	trade, err := p.PlanOnce(ctx)
	if err != nil || trade != nil {
		t.Fatalf("expected no trade, got %+v %v", trade, err)
	}
	if _, ok, _ := f.pending.Pop(ctx); ok {
		t.Fatal("nothing should be queued")
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.st.SetRatio(ctx, models.RatioSample{PairID: "A:B", Ratio: 0.60, Timestamp: 1})
	planned, err := NewPlanner(plannerCfg, "A:B", f.st, f.repo, f.pending).PlanOnce(ctx)
	if err != nil || planned == nil {
		t.Fatalf("PlanOnce: %+v %v", planned, err)
	}

	id, ok, err := f.pending.Pop(ctx)
	if err != nil || !ok || id != planned.ID.String() {
		t.Fatalf("pending queue: %q %v %v", id, ok, err)
	}

	exec := NewExecutor(instant, f.repo, f.pending, f.partial)
	if err := exec.Execute(ctx, id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	partial, _ := f.repo.Find(ctx, planned.ID)
	if partial.State != models.TradePartial || partial.Result.Kind != models.ResultExecution {
		t.Fatalf("after execute: %+v", partial)
	}
	er := partial.Result.Execution
	if er.OrdersPlaced != 2 || er.FilledAmount != 700 {
		t.Fatalf("execution result %+v", er)
	}
	if er.AvgPrice < 0.67*0.98 || er.AvgPrice > 0.67*1.02 {
		t.Fatalf("avg price %v outside +/-2%% of target", er.AvgPrice)
	}

	id, ok, _ = f.partial.Pop(ctx)
	if !ok {
		t.Fatal("trade not moved to partial queue")
	}

	archive := &archiveRecorder{}
	fin := NewFinalizer(instant, f.repo, f.partial, archive)
	if err := fin.Finalize(ctx, id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	done, _ := f.repo.Find(ctx, planned.ID)
	if done.State != models.TradeDone || done.Result.Kind != models.ResultSettlement {
		t.Fatalf("after finalize: %+v", done)
	}
	s := done.Result.Settlement
	if s.TotalFilled != 700 || s.RemainingAmount != 300 || s.FinalPrice != er.AvgPrice {
		t.Fatalf("settlement %+v", s)
	}
	if want := (er.AvgPrice - 0.67) * 700; math.Abs(s.PnL-want) > 1e-9 {
		t.Fatalf("pnl = %v, want %v", s.PnL, want)
	}
	if done.Result.Execution == nil {
		t.Fatal("settlement should keep the execution it settled")
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.trades) != 1 || archive.trades[0].State != models.TradeDone {
		t.Fatalf("archive got %+v", archive.trades)
	}
}

func TestExecutorSkipsUnknownAndFinishedTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := NewExecutor(instant, f.repo, f.pending, f.partial)

	if err := exec.Execute(ctx, "not-a-uuid"); err != nil {
		t.Fatalf("malformed id: %v", err)
	}
	if err := exec.Execute(ctx, uuid.NewString()); err != nil {
		t.Fatalf("unknown id: %v", err)
	}

	tr := &models.Trade{ID: uuid.New(), State: models.TradeDone, RatioTarget: 0.67, Size: 1}
	_ = f.repo.Upsert(ctx, tr)
	if err := exec.Execute(ctx, tr.ID.String()); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.partial.Pop(ctx); ok {
		t.Fatal("finished trade must not be re-executed")
	}
}

func TestFinalizerFailsTradeWithoutExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &models.Trade{ID: uuid.New(), State: models.TradePartial, RatioTarget: 0.67, Size: 1}
	_ = f.repo.Upsert(ctx, tr)

	archive := &archiveRecorder{}
	if err := NewFinalizer(instant, f.repo, f.partial, archive).Finalize(ctx, tr.ID.String()); err != nil {
		t.Fatal(err)
	}
	got, _ := f.repo.Find(ctx, tr.ID)
	if got.State != models.TradeFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if len(archive.trades) != 0 {
		t.Fatal("failed trades are not archived")
	}
}

func TestPipelineRunsEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = f.st.SetRatio(ctx, models.RatioSample{PairID: "A:B", Ratio: 0.75, Timestamp: 1})

	archive := &archiveRecorder{}
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{
		NewPlanner(plannerCfg, "A:B", f.st, f.repo, f.pending).Run,
		NewExecutor(instant, f.repo, f.pending, f.partial).Run,
		NewFinalizer(instant, f.repo, f.partial, archive).Run,
	} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			_ = run(ctx)
		}(run)
	}

	deadline := time.After(5 * time.Second)
	for {
		archive.mu.Lock()
		n := len(archive.trades)
		archive.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no trade settled")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	wg.Wait()
}
