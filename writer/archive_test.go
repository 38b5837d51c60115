package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	keys    []string
	bodies  [][]byte
	failing bool
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failing {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func settledTrade(pair string) models.Trade {
	last := 0.66
	exec := models.ExecutionResult{OrdersPlaced: 2, FilledAmount: 700, AvgPrice: 0.672, Timestamp: 1}
	return models.Trade{
		ID:          uuid.New(),
		State:       models.TradeDone,
		PairID:      pair,
		RatioTarget: 0.67,
		RatioLast:   &last,
		Size:        1000,
		Result: models.NewSettlementResult(&exec, models.FinalSettlement{
			TotalFilled: 700, RemainingAmount: 300, FinalPrice: 0.672, PnL: 1.4, SettlementTime: 2,
		}),
		CreatedAt: time.UnixMilli(0),
	}
}

func testConfig() *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Storage.S3.Bucket = "archive"
	cfg.Storage.S3.Prefix = "trades"
	cfg.Writer.FlushInterval = time.Hour
	return &cfg
}

func TestGenerateS3Key(t *testing.T) {
	w := NewArchiveWriterWithUploader(testConfig(), nil, &fakeUploader{})
	ts := time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)

	got := w.generateS3Key("A:B", ts, "deadbeef")
	want := "trades/pair=A:B/2024/03/07/A:B_trades_20240307090501_deadbeef.parquet"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestToRecord(t *testing.T) {
	r := toRecord(settledTrade("A:B"))
	if r.State != "done" || r.OrdersPlaced != 2 || r.FilledAmount != 700 || r.RemainingAmount != 300 || r.PnL != 1.4 || r.RatioLast != 0.66 {
		t.Fatalf("unexpected record %+v", r)
	}
	bare := toRecord(models.Trade{ID: uuid.New(), State: models.TradeFailed})
	if bare.FilledAmount != 0 || bare.RatioLast != 0 {
		t.Fatalf("missing result should leave zero values: %+v", bare)
	}
}

func TestCreateParquetFile(t *testing.T) {
	for _, codec := range []string{"snappy", "gzip", "none"} {
		cfg := testConfig()
		cfg.Writer.Compression = codec
		w := NewArchiveWriterWithUploader(cfg, nil, &fakeUploader{})

		data, err := w.createParquetFile([]models.Trade{settledTrade("A:B"), settledTrade("A:B")})
		if err != nil {
			t.Fatalf("%s: %v", codec, err)
		}
		if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
			t.Fatalf("%s: output is not a parquet file", codec)
		}
	}
}

func TestFlushOnShutdownPerPair(t *testing.T) {
	up := &fakeUploader{}
	in := make(chan models.Trade, 4)
	w := NewArchiveWriterWithUploader(testConfig(), in, up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	in <- settledTrade("A:B")
	in <- settledTrade("C:D")
	in <- settledTrade("A:B")

	// Wait until the worker drained the channel before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for len(in) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	w.Stop()

	if up.uploads() != 2 {
		t.Fatalf("expected one file per pair, got %d", up.uploads())
	}
	for _, k := range up.keys {
		if !strings.HasPrefix(k, "trades/pair=") || !strings.HasSuffix(k, ".parquet") {
			t.Fatalf("unexpected key %s", k)
		}
	}
}

func TestMaxBufferedTriggersFlush(t *testing.T) {
	cfg := testConfig()
	cfg.Writer.MaxBuffered = 2
	up := &fakeUploader{}
	in := make(chan models.Trade, 4)
	w := NewArchiveWriterWithUploader(cfg, in, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = w.Start(ctx)

	in <- settledTrade("A:B")
	in <- settledTrade("A:B")

	deadline := time.After(2 * time.Second)
	for up.uploads() == 0 {
		select {
		case <-deadline:
			t.Fatal("size-triggered flush did not happen")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(in)
	w.Stop()
}

func TestUploadFailureIsContained(t *testing.T) {
	up := &fakeUploader{failing: true}
	in := make(chan models.Trade, 1)
	w := NewArchiveWriterWithUploader(testConfig(), in, up)
	_ = w.Start(context.Background())

	in <- settledTrade("A:B")
	close(in)
	w.Stop()

	if up.uploads() != 0 {
		t.Fatal("nothing should have been recorded")
	}
}
