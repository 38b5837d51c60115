package models

import "time"

// RatioSample is one observation of a pair's priceA/priceB ratio.
type RatioSample struct {
	PairID    string  `json:"pairId"`
	Ratio     float64 `json:"ratio"`
	Timestamp int64   `json:"timestamp"` // unix ms
	PriceA    float64 `json:"priceA,omitempty"`
	PriceB    float64 `json:"priceB,omitempty"`
}

// NewRatioSample computes priceA/priceB stamped at t.
func NewRatioSample(pairID string, priceA, priceB float64, t time.Time) RatioSample {
	s := RatioSample{
		PairID:    pairID,
		PriceA:    priceA,
		PriceB:    priceB,
		Timestamp: t.UnixMilli(),
	}
	if priceB != 0 {
		s.Ratio = priceA / priceB
	}
	return s
}

// SameAs reports whether two samples share identity (pair and timestamp).
func (s RatioSample) SameAs(o RatioSample) bool {
	return s.PairID == o.PairID && s.Timestamp == o.Timestamp
}

// Time returns the sample timestamp.
func (s RatioSample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}
