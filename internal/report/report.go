// Package report shapes pipeline output for the downstream reporter: one row
// per scored transaction, one row per closed bucket, and a summary table of
// counts and GBP totals. Rows carry pseudonyms only.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	aggmodels "carfengine/internal/aggregation/models"
	"carfengine/internal/pipeline"
	"carfengine/internal/risk"
	id "carfengine/pkg/domain"
)

// TransactionRow is one scored transaction.
type TransactionRow struct {
	Hash              string          `json:"hash"`
	Chain             string          `json:"chain"`
	Asset             string          `json:"asset"`
	Pseudonym         id.Pseudonym    `json:"pseudonym"`
	Recipient         id.Pseudonym    `json:"recipient"`
	ValueGBP          decimal.Decimal `json:"value_gbp"`
	AssetClass        id.AssetClass   `json:"asset_class"`
	TaxYear           string          `json:"tax_year"`
	Timestamp         time.Time       `json:"timestamp"`
	LocalTime         time.Time       `json:"local_time"`
	Score             int             `json:"score"`
	Tier              risk.Tier       `json:"tier"`
	Flags             []string        `json:"flags"`
	RequiresReporting bool            `json:"requires_reporting"`
	ContractCall      bool            `json:"contract_call"`
}

// BucketRow is one closed aggregation bucket, scored on its running total.
type BucketRow struct {
	Pseudonym            id.Pseudonym    `json:"pseudonym"`
	TaxYear              string          `json:"tax_year"`
	Total                decimal.Decimal `json:"total_gbp"`
	Count                int             `json:"count"`
	Classes              []id.AssetClass `json:"classes"`
	HighWaterMark        decimal.Decimal `json:"high_water_mark_gbp"`
	AnyTransactionBreach bool            `json:"any_transaction_breach"`
	AggregateBreach      bool            `json:"aggregate_breach"`
	Score                int             `json:"score"`
	Tier                 risk.Tier       `json:"tier"`
	Flags                []string        `json:"flags"`
	RequiresReporting    bool            `json:"requires_reporting"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
}

// Transactions converts the scored part of a run into rows, in input order.
func Transactions(result *pipeline.Result) []TransactionRow {
	if result == nil {
		return nil
	}
	rows := make([]TransactionRow, 0, len(result.Scored))
	for _, s := range result.Scored {
		rows = append(rows, TransactionRow{
			Hash:              s.Tx.Hash,
			Chain:             s.Tx.Chain,
			Asset:             s.Tx.Asset,
			Pseudonym:         s.Tx.Sender,
			Recipient:         s.Tx.Recipient,
			ValueGBP:          s.Tx.ValueGBP,
			AssetClass:        s.Tx.AssetClass,
			TaxYear:           s.Tx.TaxYear.String(),
			Timestamp:         s.Tx.Timestamp,
			LocalTime:         s.Tx.LocalTime,
			Score:             s.Score.Value,
			Tier:              s.Score.Tier,
			Flags:             s.Score.FlagStrings(),
			RequiresReporting: s.Score.RequiresReporting,
			ContractCall:      s.Tx.ContractCall,
		})
	}
	return rows
}

// Reportable keeps the rows that require CARF reporting.
func Reportable(rows []TransactionRow) []TransactionRow {
	out := make([]TransactionRow, 0)
	for _, r := range rows {
		if r.RequiresReporting {
			out = append(out, r)
		}
	}
	return out
}

// ClosedBuckets scores every closed bucket with rules. Open buckets are
// skipped: their totals can still move.
func ClosedBuckets(buckets []*aggmodels.Bucket, rules risk.Rules) []BucketRow {
	rows := make([]BucketRow, 0, len(buckets))
	for _, b := range buckets {
		if b == nil || !b.Closed {
			continue
		}
		score := rules.ScoreBucket(*b)
		rows = append(rows, BucketRow{
			Pseudonym:            b.Key.Pseudonym,
			TaxYear:              b.Key.TaxYear.String(),
			Total:                b.Total,
			Count:                b.Count,
			Classes:              b.Classes,
			HighWaterMark:        b.HighWaterMark,
			AnyTransactionBreach: b.AnyTransactionBreach,
			AggregateBreach:      b.AggregateBreach,
			Score:                score.Value,
			Tier:                 score.Tier,
			Flags:                score.FlagStrings(),
			RequiresReporting:    score.RequiresReporting,
			ClosedAt:             b.ClosedAt,
		})
	}
	return rows
}

// Category names a summary line.
type Category string

const (
	CategoryAll          Category = "All Transactions"
	CategoryReportable   Category = "CARF Reportable"
	CategoryStablecoin   Category = "Qualifying Stablecoins"
	CategoryUnbacked     Category = "Unbacked Cryptoassets"
	CategoryContractCall Category = "Smart Contract Interactions"
)

// SummaryLine is one row of the summary table. ValueGBP is unset for
// contract calls, whose value is already counted under their asset class.
type SummaryLine struct {
	Category   Category         `json:"category"`
	Count      int              `json:"count"`
	ValueGBP   *decimal.Decimal `json:"value_gbp,omitempty"`
	Percentage decimal.Decimal  `json:"percentage"`
}

// Summary is the run summary table.
type Summary struct {
	Lines []SummaryLine `json:"lines"`
}

// Line returns the line for c.
func (s Summary) Line(c Category) (SummaryLine, bool) {
	for _, l := range s.Lines {
		if l.Category == c {
			return l, true
		}
	}
	return SummaryLine{}, false
}

var hundred = decimal.NewFromInt(100)

// Summarize builds the summary table. Percentages are of the row count,
// rounded to one decimal place; an empty input gives zero everywhere.
func Summarize(rows []TransactionRow) Summary {
	type tally struct {
		count int
		value decimal.Decimal
	}
	var all, reportable, stablecoin, unbacked, contract tally
	add := func(t *tally, v decimal.Decimal) {
		t.count++
		t.value = t.value.Add(v)
	}
	for _, r := range rows {
		add(&all, r.ValueGBP)
		if r.RequiresReporting {
			add(&reportable, r.ValueGBP)
		}
		if r.AssetClass.IsStablecoin() {
			add(&stablecoin, r.ValueGBP)
		} else {
			add(&unbacked, r.ValueGBP)
		}
		if r.ContractCall {
			add(&contract, r.ValueGBP)
		}
	}

	pct := func(n int) decimal.Decimal {
		if all.count == 0 {
			return decimal.Zero
		}
		return decimal.NewFromInt(int64(n)).Mul(hundred).
			Div(decimal.NewFromInt(int64(all.count))).Round(1)
	}
	line := func(c Category, t tally, withValue bool) SummaryLine {
		l := SummaryLine{Category: c, Count: t.count, Percentage: pct(t.count)}
		if withValue {
			v := t.value.Round(2)
			l.ValueGBP = &v
		}
		return l
	}
	return Summary{Lines: []SummaryLine{
		line(CategoryAll, all, true),
		line(CategoryReportable, reportable, true),
		line(CategoryStablecoin, stablecoin, true),
		line(CategoryUnbacked, unbacked, true),
		line(CategoryContractCall, contract, false),
	}}
}

// WriteTable renders the summary as aligned text for the console.
func WriteTable(w io.Writer, s Summary) error {
	if _, err := fmt.Fprintf(w, "%-30s %8s %18s %10s\n", "Category", "Count", "Total Value (GBP)", "Percentage"); err != nil {
		return err
	}
	for _, l := range s.Lines {
		value := "N/A"
		if l.ValueGBP != nil {
			value = "£" + l.ValueGBP.StringFixed(2)
		}
		if _, err := fmt.Fprintf(w, "%-30s %8d %18s %9s%%\n", l.Category, l.Count, value, l.Percentage.StringFixed(1)); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSONLines writes one JSON document per row.
func WriteJSONLines[T any](w io.Writer, rows []T) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report row: %w", err)
		}
	}
	return nil
}
