package ingest

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	id "carfengine/pkg/domain"
)

// RawTransaction is a provider record as it arrives. It carries raw wallet
// addresses and is never persisted.
type RawTransaction struct {
	Hash      string `json:"hash"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	// Amount is a decimal string in whole asset units (not wei or satoshi).
	Amount         string `json:"amount"`
	BlockTimestamp int64  `json:"block_timestamp"`
	BlockHeight    uint64 `json:"block_height"`
	Chain          string `json:"chain"`
	// Input is hex calldata for contract calls, empty for plain transfers.
	Input string `json:"input,omitempty"`
	// GBPRate optionally pins the GBP price per unit for this record.
	GBPRate string `json:"gbp_rate,omitempty"`
}

// LogValue keeps wallet addresses out of logs.
func (r RawTransaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("hash", r.Hash),
		slog.String("chain", r.Chain),
		slog.String("asset", r.Asset),
	)
}

// NormalizedTransaction is a validated record with GBP value, asset class and
// tax year resolved. Sender and Recipient are still raw; only the privacy
// guard may read them.
type NormalizedTransaction struct {
	Hash        string
	Chain       string
	Asset       string
	Sender      string
	Recipient   string
	Amount      decimal.Decimal
	ValueGBP    decimal.Decimal
	AssetClass  id.AssetClass
	TaxYear     id.TaxYear
	Timestamp   time.Time
	LocalTime   time.Time
	BlockHeight uint64
	// ContractCall is set when the record carried calldata.
	ContractCall bool
}

// LogValue keeps wallet addresses out of logs.
func (t NormalizedTransaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("hash", t.Hash),
		slog.String("chain", t.Chain),
		slog.String("asset", t.Asset),
		slog.String("value_gbp", t.ValueGBP.StringFixed(2)),
		slog.String("tax_year", t.TaxYear.String()),
	)
}

// Result is the outcome of normalizing one record of a batch.
type Result struct {
	Index int
	Tx    NormalizedTransaction
	Err   error
}
