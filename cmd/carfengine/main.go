// Command carfengine reads blockchain transaction records as JSON lines,
// pseudonymizes and scores them against the CARF rule set, and writes
// report rows that carry pseudonyms only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"carfengine/internal/platform/config"
	"carfengine/internal/platform/httpserver"
	"carfengine/internal/platform/logger"
	"carfengine/internal/report"
	id "carfengine/pkg/domain"
	"carfengine/pkg/runcontext"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	input       string
	format      string
	output      string
	bucketsOut  string
	summary     bool
	reportable  bool
	closePeriod string
	eraseKey    uint64
	serve       bool
	actor       string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("carfengine", flag.ContinueOnError)
	fs.StringVar(&o.input, "input", "-", "JSON lines input file (- for stdin)")
	fs.StringVar(&o.format, "format", formatRaw, "input format: raw, blockbook, blockchaincom")
	fs.StringVar(&o.output, "out", "-", "transaction rows output file (- for stdout)")
	fs.StringVar(&o.bucketsOut, "buckets-out", "", "closed bucket rows output file (requires -close-period)")
	fs.BoolVar(&o.summary, "summary", true, "print the summary table to stderr")
	fs.BoolVar(&o.reportable, "reportable", false, "only write rows that require CARF reporting")
	fs.StringVar(&o.closePeriod, "close-period", "", "close a tax year after the run, e.g. 2025-2026")
	fs.Uint64Var(&o.eraseKey, "erase-key", 0, "erase a key version and exit")
	fs.BoolVar(&o.serve, "serve", false, "keep the ops server and key rotation running after the run")
	fs.StringVar(&o.actor, "actor", "", "operator recorded on audit entries")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.bucketsOut != "" && o.closePeriod == "" {
		return options{}, errors.New("-buckets-out requires -close-period")
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Error("carfengine failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, log *slog.Logger) (err error) {
	ctx = runcontext.WithRunID(ctx, uuid.NewString())
	if opts.actor != "" {
		ctx = runcontext.WithActor(ctx, opts.actor)
	}
	log = log.With("run_id", runcontext.RunID(ctx))

	e, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.close())
	}()

	srv := httpserver.New(cfg.Server.MetricsAddr, httpserver.NewOpsRouter(e.registry, e.checks))
	go func() {
		log.Info("ops server listening", "addr", cfg.Server.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("ops server shutdown failed", "error", err)
		}
	}()

	// The worker drains on its own context so queued entries still reach the
	// sink after a signal.
	var workerDone chan error
	if e.auditWorker != nil {
		workerDone = make(chan error, 1)
		go func() { workerDone <- e.auditWorker.Run(context.WithoutCancel(ctx)) }()
	}

	rotateCtx, stopRotation := context.WithCancel(ctx)
	rotationDone := make(chan error, 1)
	go func() { rotationDone <- e.guard.RunRotation(rotateCtx, cfg.Privacy.KeyRotationInterval) }()

	defer func() {
		stopRotation()
		if rerr := <-rotationDone; rerr != nil && !errors.Is(rerr, context.Canceled) {
			err = errors.Join(err, rerr)
		}
		if workerDone != nil {
			close(e.auditQueue)
			select {
			case <-workerDone:
			case <-time.After(shutdownTimeout):
				log.Warn("audit forwarding did not drain before shutdown")
			}
		}
	}()

	if opts.eraseKey != 0 {
		return e.guard.Erase(ctx, id.KeyVersion(opts.eraseKey))
	}

	if err := process(ctx, e, opts, log); err != nil {
		return err
	}

	if opts.serve {
		log.Info("run complete, serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

func process(ctx context.Context, e *engine, opts options, log *slog.Logger) error {
	in, closeIn, err := openInput(opts.input)
	if err != nil {
		return err
	}
	defer closeIn()

	raws, err := readRecords(ctx, in, opts.format, log)
	if err != nil {
		return err
	}
	result, err := e.pipeline.Run(ctx, raws)
	if err != nil {
		return err
	}

	rows := report.Transactions(result)
	if opts.reportable {
		rows = report.Reportable(rows)
	}
	if err := writeTo(opts.output, func(w io.Writer) error {
		return report.WriteJSONLines(w, rows)
	}); err != nil {
		return err
	}
	if opts.summary {
		if err := report.WriteTable(os.Stderr, report.Summarize(report.Transactions(result))); err != nil {
			return err
		}
	}
	for _, r := range result.Rejected {
		log.Warn("record needs out-of-band handling", "index", r.Index, "hash", r.Hash, "code", string(r.Code))
	}

	if opts.closePeriod == "" {
		return nil
	}
	year, err := id.ParseTaxYear(opts.closePeriod)
	if err != nil {
		return err
	}
	if _, err := e.aggregator.ClosePeriod(ctx, year); err != nil {
		return err
	}
	if opts.bucketsOut == "" {
		return nil
	}
	buckets, err := e.aggregator.ListByTaxYear(ctx, year)
	if err != nil {
		return err
	}
	return writeTo(opts.bucketsOut, func(w io.Writer) error {
		return report.WriteJSONLines(w, report.ClosedBuckets(buckets, e.rules))
	})
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" || path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func writeTo(path string, write func(io.Writer) error) error {
	if path == "-" || path == "" {
		return write(os.Stdout)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
