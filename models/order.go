package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// Direction describes on which side of the market a limit order rests.
type Direction int

const (
	// BelowMeansTrigger fires once the ratio falls below the trigger.
	BelowMeansTrigger Direction = iota + 1
	// AboveMeansTrigger fires once the ratio rises above the trigger.
	AboveMeansTrigger
)

func (d Direction) String() string {
	switch d {
	case BelowMeansTrigger:
		return "below"
	case AboveMeansTrigger:
		return "above"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection maps the wire name back to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "below":
		return BelowMeansTrigger, nil
	case "above":
		return AboveMeansTrigger, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) Valid() bool {
	return d == BelowMeansTrigger || d == AboveMeansTrigger
}

func (d Direction) MarshalJSON() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Edge selects which end of the book a top-k scan starts from.
type Edge int

const (
	Lowest Edge = iota
	Highest
)

// LimitOrder is a resting instruction to act once the pair ratio crosses
// TriggerRatio in the given Direction.
type LimitOrder struct {
	ID           string    `json:"id"`
	PairID       string    `json:"pairId"`
	TriggerRatio float64   `json:"ratio"`
	Direction    Direction `json:"trigger"`
	Size         float64   `json:"size,omitempty"`
}

func (o LimitOrder) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.PairID == "" {
		return fmt.Errorf("order %s: pair id is required", o.ID)
	}
	if math.IsNaN(o.TriggerRatio) || math.IsInf(o.TriggerRatio, 0) {
		return fmt.Errorf("order %s: trigger ratio must be finite", o.ID)
	}
	if !o.Direction.Valid() {
		return fmt.Errorf("order %s: invalid direction %d", o.ID, int(o.Direction))
	}
	if o.Size < 0 {
		return fmt.Errorf("order %s: size must not be negative", o.ID)
	}
	return nil
}

// Triggers reports whether the order is eligible at ratio.
func (o LimitOrder) Triggers(ratio float64) bool {
	switch o.Direction {
	case BelowMeansTrigger:
		return o.TriggerRatio > ratio
	case AboveMeansTrigger:
		return o.TriggerRatio < ratio
	}
	return false
}
