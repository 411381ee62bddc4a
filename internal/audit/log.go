// Package audit is the append-only, hash-chained record of every
// privacy-affecting and scoring-affecting operation.
//
// Log is the single serialization point: one mutex assigns sequence numbers,
// chains hashes and persists, so entries are totally ordered and gap-free
// regardless of how many goroutines record concurrently.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"carfengine/internal/platform/metrics"
	dErrors "carfengine/pkg/domain-errors"
	"carfengine/pkg/runcontext"
)

// Log appends entries to a Store. Once a storage failure or corruption has
// been observed the log is halted and refuses every further Record.
type Log struct {
	mu       sync.Mutex
	store    Store
	seq      uint64
	lastHash string
	halted   error
	// stale is set when an append was cut short by cancellation; the write
	// may or may not have landed, so the tail is re-read before the next use.
	stale bool

	forward chan<- Entry
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Log.
type Option func(*Log)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// WithForwarding hands every persisted entry to ch for asynchronous fan-out
// (see the worker package). Forwarding never blocks Record: when ch is full
// the entry is counted as a forward failure and left to the primary store.
func WithForwarding(ch chan<- Entry) Option {
	return func(l *Log) {
		l.forward = ch
	}
}

// WithClock overrides the timestamp source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		l.clock = clock
	}
}

// Open verifies the persisted chain and resumes sequence and hash from its tail.
func Open(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	l := &Log{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	entries, err := store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeAuditIntegrity, "failed to read audit log")
	}
	if err := VerifyChain(entries); err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Sequence
		l.lastHash = entries[n-1].Hash
	}
	return l, nil
}

// Record assigns the next sequence number, chains the entry to its
// predecessor and persists it. The returned entry is the stored form.
func (l *Log) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Kind == "" {
		return Entry{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires a kind")
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	if entry.RunID == "" {
		entry.RunID = runcontext.RunID(ctx)
	}
	if entry.Actor == "" {
		entry.Actor = runcontext.Actor(ctx)
	}
	entry.Subjects = slices.Clone(entry.Subjects)

	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		return Entry{}, l.halted
	}
	if err := l.resyncLocked(ctx); err != nil {
		return Entry{}, err
	}

	entry.Sequence = l.seq + 1
	entry.ID = uuid.New()
	// Stores keep microseconds; truncating first keeps the hash reproducible.
	entry.Timestamp = l.clock().UTC().Truncate(time.Microsecond)
	entry.PrevHash = l.lastHash
	entry.Hash = entry.ComputeHash()

	if err := l.store.Append(ctx, entry); err != nil {
		if isCancellation(err) {
			l.stale = true
			return Entry{}, err
		}
		l.metrics.IncAuditPersistFailures()
		l.halted = dErrors.Wrap(err, dErrors.CodeAuditIntegrity, "audit log halted after storage failure")
		if l.logger != nil {
			l.logger.ErrorContext(ctx, "CRITICAL: audit entry persistence failed",
				"kind", string(entry.Kind),
				"seq", entry.Sequence,
				"error", err,
			)
		}
		return Entry{}, l.halted
	}
	l.seq = entry.Sequence
	l.lastHash = entry.Hash
	l.metrics.IncAuditEntries(string(entry.Kind))

	if l.forward != nil {
		select {
		case l.forward <- entry:
		default:
			l.metrics.IncAuditForwardFailures()
			if l.logger != nil {
				l.logger.WarnContext(ctx, "audit forward queue full", "seq", entry.Sequence)
			}
		}
	}
	return entry, nil
}

// Entries returns the full log after verifying it.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readVerified(ctx)
}

// Verify checks the persisted chain. A failure halts the log.
func (l *Log) Verify(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.readVerified(ctx)
	return err
}

// Len is the number of entries recorded so far.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Health reports whether the log still accepts entries.
func (l *Log) Health(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Must be called while holding l.mu.
func (l *Log) readVerified(ctx context.Context) ([]Entry, error) {
	if l.halted != nil {
		return nil, l.halted
	}
	if err := l.resyncLocked(ctx); err != nil {
		return nil, err
	}
	entries, err := l.store.List(ctx)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeAuditIntegrity, "failed to read audit log")
	}
	if err := VerifyChain(entries); err != nil {
		l.halted = err
		if l.logger != nil {
			l.logger.ErrorContext(ctx, "CRITICAL: audit log integrity failure", "error", err)
		}
		return nil, err
	}
	if n := uint64(len(entries)); n != l.seq {
		l.halted = dErrors.Newf(dErrors.CodeAuditIntegrity, "audit log holds %d entries, expected %d", n, l.seq)
		return nil, l.halted
	}
	return entries, nil
}

// resyncLocked re-reads the tail after a cancelled append. Must be called
// while holding l.mu.
func (l *Log) resyncLocked(ctx context.Context) error {
	if !l.stale {
		return nil
	}
	entries, err := l.store.List(ctx)
	if err != nil {
		if isCancellation(err) {
			return err
		}
		l.halted = dErrors.Wrap(err, dErrors.CodeAuditIntegrity, "failed to read audit log")
		return l.halted
	}
	if err := VerifyChain(entries); err != nil {
		l.halted = err
		return err
	}
	l.seq, l.lastHash = 0, ""
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Sequence
		l.lastHash = entries[n-1].Hash
	}
	l.stale = false
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// VerifyChain checks that sequences run 1..n without gaps or reordering and
// that every hash matches its entry and its predecessor.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		want := uint64(i + 1)
		if e.Sequence != want {
			return dErrors.Newf(dErrors.CodeAuditIntegrity,
				"audit sequence broken at position %d: got %d, want %d", i, e.Sequence, want)
		}
		if e.PrevHash != prev {
			return dErrors.Newf(dErrors.CodeAuditIntegrity, "audit entry %d does not chain to its predecessor", e.Sequence)
		}
		if got := e.ComputeHash(); got != e.Hash {
			return dErrors.Newf(dErrors.CodeAuditIntegrity, "audit entry %d hash mismatch", e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}
