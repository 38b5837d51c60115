package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLimitOrderJSON(t *testing.T) {
	in := `{"id":"o1","pairId":"BTC-ETH","ratio":0.7,"trigger":"below"}`
	var o LimitOrder
	if err := json.Unmarshal([]byte(in), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if o.Direction != BelowMeansTrigger || o.TriggerRatio != 0.7 {
		t.Fatalf("unexpected order: %+v", o)
	}
	out, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != in {
		t.Fatalf("got %s want %s", out, in)
	}

	if err := json.Unmarshal([]byte(`{"id":"o2","trigger":"sideways"}`), &o); err == nil {
		t.Fatalf("expected error for unknown direction")
	}
}

func TestLimitOrderValidate(t *testing.T) {
	cases := []struct {
		name  string
		order LimitOrder
		ok    bool
	}{
		{"valid", LimitOrder{ID: "a", PairID: "p", TriggerRatio: 1, Direction: AboveMeansTrigger}, true},
		{"no id", LimitOrder{PairID: "p", TriggerRatio: 1, Direction: AboveMeansTrigger}, false},
		{"no pair", LimitOrder{ID: "a", TriggerRatio: 1, Direction: AboveMeansTrigger}, false},
		{"no direction", LimitOrder{ID: "a", PairID: "p", TriggerRatio: 1}, false},
		{"negative size", LimitOrder{ID: "a", PairID: "p", TriggerRatio: 1, Direction: BelowMeansTrigger, Size: -1}, false},
	}
	for _, c := range cases {
		err := c.order.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestTriggers(t *testing.T) {
	below := LimitOrder{TriggerRatio: 0.70, Direction: BelowMeansTrigger}
	above := LimitOrder{TriggerRatio: 0.60, Direction: AboveMeansTrigger}
	if !below.Triggers(0.65) || !above.Triggers(0.65) {
		t.Fatalf("both orders should trigger at 0.65")
	}
	if below.Triggers(0.70) || above.Triggers(0.60) {
		t.Fatalf("bounds are exclusive")
	}
}

func TestTradeResultScanValue(t *testing.T) {
	exec := ExecutionResult{OrdersPlaced: 2, FilledAmount: 700, AvgPrice: 0.67, Timestamp: 1}
	res := NewSettlementResult(&exec, FinalSettlement{TotalFilled: 700, RemainingAmount: 300})
	v, err := res.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var got TradeResult
	if err := got.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got.Kind != ResultSettlement || got.Settlement.RemainingAmount != 300 || got.Execution.OrdersPlaced != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (&TradeResult{Kind: ResultExecution}).Validate(); err == nil {
		t.Fatalf("expected missing payload error")
	}
}

func TestRatioSample(t *testing.T) {
	now := time.UnixMilli(1000)
	s := NewRatioSample("A-B", 100, 150, now)
	if s.Ratio != 100.0/150.0 || s.Timestamp != 1000 {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if !s.SameAs(RatioSample{PairID: "A-B", Timestamp: 1000, Ratio: 9}) {
		t.Fatalf("identity is pair and timestamp")
	}
	if _, err := (Book{Symbol: "BTC"}).Mid(); err == nil {
		t.Fatalf("expected empty book error")
	}
}
