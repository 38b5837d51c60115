package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/coinlordd/pear-limit-engine/models"
)

func sample(ts int64, ratio float64) models.RatioSample {
	return models.RatioSample{PairID: "BTC-ETH", Ratio: ratio, Timestamp: ts}
}

func TestGateThresholds(t *testing.T) {
	g := New(100*time.Millisecond, 0.001)

	if !g.Offer(sample(0, 0.6700)) {
		t.Fatalf("first sample must publish")
	}

	cases := []struct {
		name string
		s    models.RatioSample
		want bool
	}{
		{"50ms small move", sample(50, 0.6705), false},
		{"50ms large move", sample(50, 0.6720), true},
		{"100ms no move", sample(100, 0.6700), true},
		{"150ms small move", sample(150, 0.6701), true},
		{"large move down", sample(10, 0.6680), true},
	}
	for _, c := range cases {
		if got := g.ShouldPublish(c.s); got != c.want {
			t.Errorf("%s: ShouldPublish = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestGateBaselineMovesOnlyOnAccept(t *testing.T) {
	g := New(100*time.Millisecond, 0.001)
	g.Accept(sample(0, 0.67))

	// Rejected observations do not shift the baseline, so small drifts add up.
	for ts := int64(10); ts <= 40; ts += 10 {
		if g.Offer(sample(ts, 0.67+float64(ts)/100000)) {
			t.Fatalf("drift at %dms should be suppressed", ts)
		}
	}
	if !g.Offer(sample(50, 0.6711)) {
		t.Fatalf("cumulative drift of 0.0011 should publish")
	}
	if last, _ := g.Last("BTC-ETH"); last.Timestamp != 50 {
		t.Fatalf("baseline = %+v", last)
	}
}

func TestGatePairsAreIndependent(t *testing.T) {
	g := New(time.Second, 1)
	g.Accept(sample(0, 1))
	other := models.RatioSample{PairID: "SOL-ETH", Ratio: 1, Timestamp: 1}
	if !g.ShouldPublish(other) {
		t.Fatalf("pair without baseline must publish")
	}
}

func TestGateConcurrentOffer(t *testing.T) {
	g := New(time.Hour, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	passed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.Offer(sample(int64(i), 0.5)) {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if passed != 1 {
		t.Fatalf("%d samples passed, want exactly 1", passed)
	}
}
