// Package pipeline wires the engine stages together:
// normalize, pseudonymize, score, aggregate.
//
// Records are independent once normalized, so they run in parallel up to the
// configured worker count. A validation failure skips its record. A closed
// bucket is reported in the result. Vault and audit failures halt the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	aggmodels "carfengine/internal/aggregation/models"
	"carfengine/internal/audit"
	"carfengine/internal/ingest"
	"carfengine/internal/platform/metrics"
	"carfengine/internal/privacy"
	"carfengine/internal/risk"
	dErrors "carfengine/pkg/domain-errors"
)

const tracerName = "carfengine/internal/pipeline"

type Normalizer interface {
	NormalizeAll(ctx context.Context, raws []ingest.RawTransaction, workers int) ([]ingest.Result, error)
}

type Guard interface {
	Process(ctx context.Context, tx ingest.NormalizedTransaction) (privacy.PseudonymizedTransaction, error)
}

type Aggregator interface {
	Apply(ctx context.Context, tx privacy.PseudonymizedTransaction, score risk.Score) (*aggmodels.Bucket, error)
}

type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Scored is one record that made it through every stage.
type Scored struct {
	Index  int
	Tx     privacy.PseudonymizedTransaction
	Score  risk.Score
	Bucket *aggmodels.Bucket
}

// Skipped is a record that did not reach its bucket.
type Skipped struct {
	Index  int
	Hash   string
	Code   dErrors.Code
	Reason string
}

// Result lists every input record exactly once, in input order within each
// slice.
type Result struct {
	Scored []Scored
	// Invalid records failed normalization and were skipped.
	Invalid []Skipped
	// Rejected records were scored but hit a closed bucket. They need
	// out-of-band handling such as an amended return.
	Rejected []Skipped
}

// Total is the number of input records accounted for.
func (r *Result) Total() int {
	return len(r.Scored) + len(r.Invalid) + len(r.Rejected)
}

// Pipeline runs batches of raw records through the engine.
type Pipeline struct {
	normalizer Normalizer
	guard      Guard
	aggregator Aggregator
	auditor    Auditor
	rules      risk.Rules
	workers    int
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithRules replaces the default CARF rule set.
func WithRules(rules risk.Rules) Option {
	return func(p *Pipeline) {
		p.rules = rules
	}
}

// WithWorkers bounds how many records are processed at once.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		p.workers = max(n, 1)
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// New constructs a Pipeline. Every collaborator is required.
func New(normalizer Normalizer, guard Guard, aggregator Aggregator, auditor Auditor, opts ...Option) (*Pipeline, error) {
	if normalizer == nil || guard == nil || aggregator == nil || auditor == nil {
		return nil, fmt.Errorf("normalizer, guard, aggregator and auditor are required")
	}
	p := &Pipeline{
		normalizer: normalizer,
		guard:      guard,
		aggregator: aggregator,
		auditor:    auditor,
		rules:      risk.DefaultRules(),
		workers:    1,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type outcome struct {
	scored   *Scored
	invalid  *Skipped
	rejected *Skipped
}

// Run processes raws. The returned error is non-nil only when the run was
// halted by cancellation or a fatal failure; the result is then nil.
func (p *Pipeline) Run(ctx context.Context, raws []ingest.RawTransaction) (_ *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.Int("records", len(raws))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline halted")
		}
		span.End()
	}()

	start := time.Now()
	normalized, err := p.normalizer.NormalizeAll(ctx, raws, p.workers)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveStage("normalize", time.Since(start).Seconds())

	for _, res := range normalized {
		if res.Err != nil && !dErrors.IsValidation(res.Err) {
			return nil, res.Err
		}
	}

	outcomes := make([]outcome, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, res := range normalized {
		if res.Err != nil {
			p.logSkipped(ctx, res.Index, raws[res.Index].Hash, res.Err)
			outcomes[i].invalid = &Skipped{
				Index:  res.Index,
				Hash:   raws[res.Index].Hash,
				Code:   dErrors.CodeOf(res.Err),
				Reason: res.Err.Error(),
			}
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o, err := p.process(gctx, res.Index, res.Tx)
			if err != nil {
				return err
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if p.logger != nil && dErrors.IsFatal(err) {
			p.logger.ErrorContext(ctx, "pipeline halted", "error", err)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{}
	for _, o := range outcomes {
		switch {
		case o.scored != nil:
			result.Scored = append(result.Scored, *o.scored)
		case o.invalid != nil:
			result.Invalid = append(result.Invalid, *o.invalid)
		case o.rejected != nil:
			result.Rejected = append(result.Rejected, *o.rejected)
		}
	}
	span.SetAttributes(
		attribute.Int("scored", len(result.Scored)),
		attribute.Int("invalid", len(result.Invalid)),
		attribute.Int("rejected", len(result.Rejected)),
	)
	if p.logger != nil {
		p.logger.InfoContext(ctx, "pipeline run complete",
			"records", len(raws),
			"scored", len(result.Scored),
			"invalid", len(result.Invalid),
			"rejected", len(result.Rejected),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return result, nil
}

func (p *Pipeline) process(ctx context.Context, index int, tx ingest.NormalizedTransaction) (outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.record", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.String("chain", tx.Chain),
		attribute.String("asset", tx.Asset),
	))
	defer span.End()

	start := time.Now()
	ptx, err := p.guard.Process(ctx, tx)
	if err != nil {
		return outcome{}, p.spanError(span, err)
	}
	p.metrics.ObserveStage("pseudonymize", time.Since(start).Seconds())

	start = time.Now()
	score := p.rules.Score(ptx)
	p.metrics.IncScored(string(score.Tier))
	if _, err := p.auditor.Record(ctx, audit.Entry{
		Kind:     audit.KindScore,
		Subjects: []string{ptx.Sender.String()},
		Detail: fmt.Sprintf("score=%d tier=%s flags=%s",
			score.Value, score.Tier, strings.Join(score.FlagStrings(), ",")),
	}); err != nil {
		return outcome{}, p.spanError(span, err)
	}
	p.metrics.ObserveStage("score", time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("score", score.Value), attribute.String("tier", string(score.Tier)))

	start = time.Now()
	bucket, err := p.aggregator.Apply(ctx, ptx, score)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBucketClosed) {
			if p.logger != nil {
				p.logger.WarnContext(ctx, "transaction rejected by closed bucket",
					"index", index,
					"tx", ptx,
				)
			}
			return outcome{rejected: &Skipped{
				Index:  index,
				Hash:   ptx.Hash,
				Code:   dErrors.CodeBucketClosed,
				Reason: err.Error(),
			}}, nil
		}
		return outcome{}, p.spanError(span, err)
	}
	p.metrics.ObserveStage("aggregate", time.Since(start).Seconds())

	return outcome{scored: &Scored{
		Index:  index,
		Tx:     ptx,
		Score:  score,
		Bucket: bucket,
	}}, nil
}

func (p *Pipeline) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	if !errors.Is(err, context.Canceled) {
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	return err
}

func (p *Pipeline) logSkipped(ctx context.Context, index int, hash string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.WarnContext(ctx, "skipping invalid record",
		"index", index,
		"hash", hash,
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	)
}
