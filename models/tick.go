package models

// Tick is the latest price seen for a single asset.
type Tick struct {
	AssetID   string  `json:"assetId"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix ms
}
