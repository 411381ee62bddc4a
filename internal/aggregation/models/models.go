package models

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	id "carfengine/pkg/domain"
)

// Key identifies one bucket: a sender pseudonym within one UK tax year.
type Key struct {
	Pseudonym id.Pseudonym
	TaxYear   id.TaxYear
}

func (k Key) String() string {
	return k.Pseudonym.String() + "/" + k.TaxYear.String()
}

// Bucket is the running aggregate for one Key. All fields except the
// closed state and ClosedAt are functions of the applied transactions alone,
// so the final bucket does not depend on apply order.
type Bucket struct {
	Key   Key
	Total decimal.Decimal
	Count int
	// Classes is the sorted set of asset classes seen.
	Classes       []id.AssetClass
	HighWaterMark decimal.Decimal
	// AnyTransactionBreach is set when any single transaction met the CARF threshold.
	AnyTransactionBreach bool
	// AggregateBreach is set once Total reaches the CARF threshold and never cleared.
	AggregateBreach bool
	Closed          bool
	FirstActivity   time.Time
	LastActivity    time.Time
	ClosedAt        *time.Time
}

// Contribution is what one scored transaction adds to a bucket.
type Contribution struct {
	ValueGBP        decimal.Decimal
	AssetClass      id.AssetClass
	Timestamp       time.Time
	ThresholdBreach bool
}

// NewBucket returns an empty open bucket.
func NewBucket(key Key) *Bucket {
	return &Bucket{Key: key, Total: decimal.Zero, HighWaterMark: decimal.Zero}
}

// Fold applies c to the bucket. aggregateThreshold is the CARF threshold the
// running total is compared against.
func (b *Bucket) Fold(c Contribution, aggregateThreshold decimal.Decimal) {
	b.Total = b.Total.Add(c.ValueGBP)
	b.Count++
	b.AddClass(c.AssetClass)
	if c.ValueGBP.GreaterThan(b.HighWaterMark) {
		b.HighWaterMark = c.ValueGBP
	}
	if c.ThresholdBreach {
		b.AnyTransactionBreach = true
	}
	if b.Total.GreaterThanOrEqual(aggregateThreshold) {
		b.AggregateBreach = true
	}
	if !c.Timestamp.IsZero() {
		if b.FirstActivity.IsZero() || c.Timestamp.Before(b.FirstActivity) {
			b.FirstActivity = c.Timestamp
		}
		if c.Timestamp.After(b.LastActivity) {
			b.LastActivity = c.Timestamp
		}
	}
}

// AddClass inserts c into the sorted class set.
func (b *Bucket) AddClass(c id.AssetClass) {
	i, found := slices.BinarySearch(b.Classes, c)
	if !found {
		b.Classes = slices.Insert(b.Classes, i, c)
	}
}

// HasClass reports whether c was seen in the bucket.
func (b *Bucket) HasClass(c id.AssetClass) bool {
	return slices.Contains(b.Classes, c)
}

// Clone returns a deep copy safe to hand out of a store.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	out := *b
	out.Classes = slices.Clone(b.Classes)
	if b.ClosedAt != nil {
		at := *b.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}
