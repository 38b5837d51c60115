package models

import (
	"fmt"
	"time"
)

// BookLevel is a single aggregated price level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Count int     `json:"count,omitempty"`
}

// Book is the exchange-neutral order book snapshot handed to feed consumers.
type Book struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// Mid returns the midpoint of the best bid and ask.
func (b Book) Mid() (float64, error) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0, fmt.Errorf("book %s has an empty side", b.Symbol)
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2, nil
}
