package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("report", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("matcher").WithFields(Fields{"pair": "BTC-ETH"}).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "hello" || line["component"] != "matcher" || line["pair"] != "BTC-ETH" {
		t.Fatalf("unexpected line: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", line)
	}
}

func TestWarnErrorCounters(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("counter_test").Warn("w")
	log.WithComponent("counter_test").Error("e")
	log.WithComponent("counter_test").Error("e")

	if got := snapshot(&warns)["counter_test"]; got != 1 {
		t.Fatalf("warns = %d, want 1", got)
	}
	if got := snapshot(&errs)["counter_test"]; got != 2 {
		t.Fatalf("errors = %d, want 2", got)
	}
}

func TestIncr(t *testing.T) {
	before := Counter("test_counter")
	Incr("test_counter", 3)
	if got := Counter("test_counter") - before; got != 3 {
		t.Fatalf("counter delta = %d, want 3", got)
	}
}

type fakeCloudWatch struct {
	puts       int
	dashboards int
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.puts++
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.dashboards++
	if !json.Valid([]byte(*in.DashboardBody)) {
		return nil, os.ErrInvalid
	}
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestReportPublishesToCloudWatch(t *testing.T) {
	fake := &fakeCloudWatch{}
	cwClient = fake
	defer func() { cwClient = nil }()

	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	Incr(RatiosPublished, 1)

	logReport(context.Background(), log)
	CreateDefaultDashboard(context.Background())

	if fake.puts != 1 || fake.dashboards != 1 {
		t.Fatalf("puts=%d dashboards=%d", fake.puts, fake.dashboards)
	}
}
