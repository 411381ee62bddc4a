// Package ingest validates raw provider records and turns them into
// normalized transactions with GBP value, asset class and UK tax year.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"carfengine/internal/platform/metrics"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
	"carfengine/pkg/platform/sentinel"
	pstrings "carfengine/pkg/platform/strings"
	"carfengine/pkg/runcontext"
)

const (
	ChainEthereum = "ethereum"
	ChainBitcoin  = "bitcoin"
)

// DefaultStablecoins is the qualifying stablecoin allow-list.
var DefaultStablecoins = []string{"USDT", "USDC", "DAI", "BUSD", "GBPT", "EURS"}

// DefaultGenesis holds the genesis block time of each supported chain.
var DefaultGenesis = map[string]time.Time{
	ChainEthereum: time.Date(2015, time.July, 30, 15, 26, 13, 0, time.UTC),
	ChainBitcoin:  time.Date(2009, time.January, 3, 18, 15, 5, 0, time.UTC),
}

var chainAliases = map[string]string{
	"eth": ChainEthereum,
	"btc": ChainBitcoin,
}

const defaultSkewTolerance = 5 * time.Minute

// RateSource prices one unit of an asset in GBP.
type RateSource interface {
	// Rate returns sentinel.ErrNotFound when the asset has no price.
	Rate(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error)
}

// FixedRates is a static asset→GBP price table, keyed by upper-case symbol.
type FixedRates map[string]decimal.Decimal

func (r FixedRates) Rate(_ context.Context, asset string, _ time.Time) (decimal.Decimal, error) {
	rate, ok := r[strings.ToUpper(asset)]
	if !ok {
		return decimal.Zero, sentinel.ErrNotFound
	}
	return rate, nil
}

// Assets lists the symbols the table can price.
func (r FixedRates) Assets() []string {
	out := make([]string, 0, len(r))
	for asset := range r {
		out = append(out, asset)
	}
	return out
}

// Normalizer validates and enriches raw transactions. It holds no mutable
// state after construction and is safe for concurrent use.
type Normalizer struct {
	rates       RateSource
	stablecoins map[string]struct{}
	assets      map[string]struct{}
	genesis     map[string]time.Time
	location    *time.Location
	skew        time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures the Normalizer.
type Option func(*Normalizer)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		n.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Normalizer) {
		n.metrics = m
	}
}

// WithStablecoins replaces the qualifying stablecoin allow-list.
func WithStablecoins(symbols []string) Option {
	return func(n *Normalizer) {
		n.stablecoins = toSet(symbols)
	}
}

// WithAssets adds symbols to the supported asset table. Stablecoins on the
// allow-list are always supported.
func WithAssets(symbols []string) Option {
	return func(n *Normalizer) {
		for s := range toSet(symbols) {
			n.assets[s] = struct{}{}
		}
	}
}

// WithGenesis overrides or adds chain genesis times.
func WithGenesis(genesis map[string]time.Time) Option {
	return func(n *Normalizer) {
		for chain, at := range genesis {
			n.genesis[canonicalChain(chain)] = at.UTC()
		}
	}
}

// WithLocation sets the zone used for tax-year boundaries and local timestamps.
func WithLocation(loc *time.Location) Option {
	return func(n *Normalizer) {
		if loc != nil {
			n.location = loc
		}
	}
}

// WithSkewTolerance sets how far in the future a block timestamp may be.
func WithSkewTolerance(d time.Duration) Option {
	return func(n *Normalizer) {
		n.skew = d
	}
}

// NewNormalizer creates a Normalizer pricing assets through rates.
func NewNormalizer(rates RateSource, opts ...Option) *Normalizer {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		london = time.UTC
	}
	n := &Normalizer{
		rates:       rates,
		stablecoins: toSet(DefaultStablecoins),
		assets:      make(map[string]struct{}),
		genesis:     maps.Clone(DefaultGenesis),
		location:    london,
		skew:        defaultSkewTolerance,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.rates == nil {
		n.rates = FixedRates{}
	}
	return n
}

// Location is the zone tax years are judged in.
func (n *Normalizer) Location() *time.Location {
	return n.location
}

// Normalize validates one record and resolves its GBP value, asset class and
// tax year. All failures are validation-family errors: the caller skips the
// record and carries on.
func (n *Normalizer) Normalize(ctx context.Context, raw RawTransaction) (NormalizedTransaction, error) {
	tx, err := n.normalize(ctx, raw)
	if err != nil {
		n.metrics.IncRecordsIngested(string(dErrors.CodeOf(err)))
		if n.logger != nil {
			n.logger.WarnContext(ctx, "record rejected",
				"record", raw,
				"reason", string(dErrors.CodeOf(err)),
				"error", err,
			)
		}
		return NormalizedTransaction{}, err
	}
	n.metrics.IncRecordsIngested("ok")
	return tx, nil
}

func (n *Normalizer) normalize(ctx context.Context, raw RawTransaction) (NormalizedTransaction, error) {
	if err := validateRequired(raw); err != nil {
		return NormalizedTransaction{}, err
	}

	chain := canonicalChain(raw.Chain)
	genesis, ok := n.genesis[chain]
	if !ok {
		return NormalizedTransaction{}, dErrors.Newf(dErrors.CodeValidation, "unknown chain %q", raw.Chain)
	}

	asset := strings.ToUpper(strings.TrimSpace(raw.Asset))
	_, isStablecoin := n.stablecoins[asset]
	if _, known := n.assets[asset]; !known && !isStablecoin {
		return NormalizedTransaction{}, dErrors.Newf(dErrors.CodeUnsupportedAsset, "asset %q is not supported", asset)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(raw.Amount))
	if err != nil {
		return NormalizedTransaction{}, dErrors.Wrap(err, dErrors.CodeValidation, "amount is not a decimal number")
	}
	if amount.IsNegative() {
		return NormalizedTransaction{}, dErrors.New(dErrors.CodeValidation, "amount must not be negative")
	}

	ts := time.Unix(raw.BlockTimestamp, 0).UTC()
	if ts.Before(genesis) {
		return NormalizedTransaction{}, dErrors.Newf(dErrors.CodeTimestampOutOfRange,
			"block timestamp %s predates %s genesis", ts.Format(time.RFC3339), chain)
	}
	if latest := runcontext.Now(ctx).Add(n.skew); ts.After(latest) {
		return NormalizedTransaction{}, dErrors.Newf(dErrors.CodeTimestampOutOfRange,
			"block timestamp %s is in the future", ts.Format(time.RFC3339))
	}

	rate, err := n.rate(ctx, raw, asset, ts)
	if err != nil {
		return NormalizedTransaction{}, err
	}

	return NormalizedTransaction{
		Hash:         strings.TrimSpace(raw.Hash),
		Chain:        chain,
		Asset:        asset,
		Sender:       raw.Sender,
		Recipient:    raw.Recipient,
		Amount:       amount,
		ValueGBP:     amount.Mul(rate).RoundBank(2),
		AssetClass:   id.ClassifyAsset(isStablecoin),
		TaxYear:      id.TaxYearOf(ts, n.location),
		Timestamp:    ts,
		LocalTime:    ts.In(n.location),
		BlockHeight:  raw.BlockHeight,
		ContractCall: hasCalldata(raw.Input),
	}, nil
}

func (n *Normalizer) rate(ctx context.Context, raw RawTransaction, asset string, at time.Time) (decimal.Decimal, error) {
	if supplied := strings.TrimSpace(raw.GBPRate); supplied != "" {
		rate, err := decimal.NewFromString(supplied)
		if err != nil || rate.IsNegative() {
			return decimal.Zero, dErrors.New(dErrors.CodeValidation, "supplied GBP rate is not a non-negative decimal")
		}
		return rate, nil
	}
	rate, err := n.rates.Rate(ctx, asset, at)
	if errors.Is(err, sentinel.ErrNotFound) {
		return decimal.Zero, dErrors.Newf(dErrors.CodeUnsupportedAsset, "no GBP rate for %s", asset)
	}
	if err != nil {
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeValidation, "rate lookup failed")
	}
	return rate, nil
}

// NormalizeAll normalizes a batch with at most workers records in flight.
// Results are returned in input order; per-record failures are reported in
// Result.Err. The returned error is non-nil only when ctx is cancelled.
func (n *Normalizer) NormalizeAll(ctx context.Context, raws []RawTransaction, workers int) ([]Result, error) {
	results := make([]Result, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, raw := range raws {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tx, err := n.Normalize(gctx, raw)
			results[i] = Result{Index: i, Tx: tx, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func validateRequired(raw RawTransaction) error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"hash", raw.Hash},
		{"sender", raw.Sender},
		{"recipient", raw.Recipient},
		{"asset", raw.Asset},
		{"amount", raw.Amount},
		{"chain", raw.Chain},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if raw.BlockTimestamp <= 0 {
		missing = append(missing, "block_timestamp")
	}
	if len(missing) > 0 {
		return dErrors.Newf(dErrors.CodeValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func canonicalChain(chain string) string {
	c := strings.ToLower(strings.TrimSpace(chain))
	if alias, ok := chainAliases[c]; ok {
		return alias
	}
	return c
}

func toSet(symbols []string) map[string]struct{} {
	out := make(map[string]struct{}, len(symbols))
	for _, s := range pstrings.UpperSymbols(symbols) {
		out[s] = struct{}{}
	}
	return out
}
