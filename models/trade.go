package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeState is the lifecycle stage of a trade.
type TradeState string

const (
	TradePending   TradeState = "pending"
	TradeExecuting TradeState = "executing"
	TradePartial   TradeState = "partial"
	TradeDone      TradeState = "done"
	TradeFailed    TradeState = "failed"
)

func (s TradeState) Valid() bool {
	switch s {
	case TradePending, TradeExecuting, TradePartial, TradeDone, TradeFailed:
		return true
	}
	return false
}

// Trade is the persisted record flowing through the execution pipeline.
type Trade struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	State       TradeState   `db:"state" json:"state"`
	PairID      string       `db:"pair_id" json:"pairId"`
	OrderID     string       `db:"order_id" json:"orderId,omitempty"`
	RatioTarget float64      `db:"ratio_target" json:"ratioTarget"`
	RatioLast   *float64     `db:"ratio_last" json:"ratioLast,omitempty"`
	Size        float64      `db:"size" json:"size"`
	Result      *TradeResult `db:"result" json:"result,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updatedAt"`
}

// ResultKind tags which stage produced a TradeResult.
type ResultKind string

const (
	ResultExecution  ResultKind = "execution"
	ResultSettlement ResultKind = "settlement"
)

// ExecutionResult is recorded when the executor moves a trade to partial.
type ExecutionResult struct {
	OrdersPlaced int     `json:"ordersPlaced"`
	FilledAmount float64 `json:"filledAmount"`
	AvgPrice     float64 `json:"avgPrice"`
	Timestamp    int64   `json:"timestamp"`
}

// FinalSettlement is recorded when the finalizer closes a trade.
type FinalSettlement struct {
	TotalFilled     float64 `json:"totalFilled"`
	RemainingAmount float64 `json:"remainingAmount"`
	FinalPrice      float64 `json:"finalPrice"`
	PnL             float64 `json:"pnl"`
	SettlementTime  int64   `json:"settlementTime"`
}

// TradeResult carries exactly one stage payload, selected by Kind. A
// settlement keeps the execution it settled.
type TradeResult struct {
	Kind       ResultKind       `json:"kind"`
	Execution  *ExecutionResult `json:"execution,omitempty"`
	Settlement *FinalSettlement `json:"settlement,omitempty"`
}

func NewExecutionResult(r ExecutionResult) *TradeResult {
	return &TradeResult{Kind: ResultExecution, Execution: &r}
}

func NewSettlementResult(exec *ExecutionResult, s FinalSettlement) *TradeResult {
	return &TradeResult{Kind: ResultSettlement, Execution: exec, Settlement: &s}
}

func (r *TradeResult) Validate() error {
	switch r.Kind {
	case ResultExecution:
		if r.Execution == nil {
			return fmt.Errorf("execution result missing payload")
		}
	case ResultSettlement:
		if r.Settlement == nil {
			return fmt.Errorf("settlement result missing payload")
		}
	default:
		return fmt.Errorf("unknown result kind %q", r.Kind)
	}
	return nil
}

// Value stores the result as JSON.
func (r *TradeResult) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON column written by Value.
func (r *TradeResult) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported result column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, r)
}
