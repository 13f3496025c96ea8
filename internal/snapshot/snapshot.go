// Package snapshot implements C9, StateSnapshot: periodic atomic
// persistence of C3's provider-quota map, an append-only NDJSON error
// log, and startup reconciliation.
//
// The write-temp-then-rename atomic write pattern, plus an in-memory
// cache reloaded from a single JSON index file on construction, is
// generalized from a message index into a provider-quota-state
// snapshot, plus an append-only sibling file for the NDJSON error log.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/routecodex/routecodex/internal/quotacenter"
)

// schemaVersion is the on-disk snapshot format's version field.
const schemaVersion = 1

// ErrCorrupt is returned by Load when the on-disk snapshot exists but
// fails to parse; cmd/routecodex maps this to exit code 10.
var ErrCorrupt = errors.New("snapshot: on-disk state is corrupt")

// document is the exact on-disk snapshot schema.
type document struct {
	Version   int                                       `json:"version"`
	UpdatedAt time.Time                                 `json:"updatedAt"`
	Providers map[string]quotacenter.ProviderQuotaState `json:"providers"`
}

// ErrorSink receives every ErrorEvent C9 appends to the NDJSON log, for
// a secondary store (e.g. MongoErrorSink) to mirror best-effort.
type ErrorSink interface {
	Record(ctx context.Context, ev quotacenter.ErrorEvent)
}

// Writer is C9. One instance per process, constructed over a data
// directory, typically "<userDir>/quota/".
type Writer struct {
	dir      string
	quota    *quotacenter.Center
	interval time.Duration
	logger   *zap.Logger
	sink     ErrorSink

	mu         sync.Mutex
	errLogFile *os.File
}

// Option configures a Writer at construction.
type Option func(*Writer)

// WithErrorSink registers a secondary sink mirrored alongside the
// NDJSON file (an optional go.mongodb.org mongo-driver/v2 error-event
// mirror).
func WithErrorSink(sink ErrorSink) Option {
	return func(w *Writer) { w.sink = sink }
}

// New constructs a Writer rooted at dir (typically
// "<userDir>/quota"). It does not touch disk until Open, WriteSnapshot
// or Run is called.
func New(dir string, quota *quotacenter.Center, interval time.Duration, logger *zap.Logger, opts ...Option) *Writer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Writer{
		dir:      dir,
		quota:    quota,
		interval: interval,
		logger:   logger.With(zap.String("component", "state-snapshot")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) quotaPath() string    { return filepath.Join(w.dir, "provider-quota.json") }
func (w *Writer) errorLogPath() string { return filepath.Join(w.dir, "provider-errors.ndjson") }

// Load reads the on-disk snapshot, if present, for startup
// reconciliation via Center.LoadSnapshot. A missing file is not an
// error: C3 simply begins empty. A present-but-unparsable file is
// ErrCorrupt.
func Load(dir string) (map[string]quotacenter.ProviderQuotaState, error) {
	path := filepath.Join(dir, "provider-quota.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return doc.Providers, nil
}

// Open prepares the snapshot directory and the append-only error log
// file handle; call before Run.
func (w *Writer) Open() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir %s: %w", w.dir, err)
	}
	f, err := os.OpenFile(w.errorLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: open error log: %w", err)
	}
	w.mu.Lock()
	w.errLogFile = f
	w.mu.Unlock()
	return nil
}

// Close flushes and releases the error-log file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.errLogFile == nil {
		return nil
	}
	err := w.errLogFile.Close()
	w.errLogFile = nil
	return err
}

// WriteSnapshot writes C3's current state map with an atomic
// write-temp-then-rename.
func (w *Writer) WriteSnapshot() error {
	doc := document{
		Version:   schemaVersion,
		UpdatedAt: time.Now().UTC(),
		Providers: w.quota.Snapshot(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	path := w.quotaPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// AppendError writes one NDJSON line for ev and mirrors it to the
// optional secondary sink, best-effort. Hook this up via
// quotacenter.WithErrorSink(writer.AppendError) at wiring time.
func (w *Writer) AppendError(ev quotacenter.ErrorEvent) {
	w.mu.Lock()
	f := w.errLogFile
	w.mu.Unlock()
	if f == nil {
		return
	}

	line, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("failed to marshal error event", zap.Error(err))
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	_, writeErr := f.Write(line)
	w.mu.Unlock()
	if writeErr != nil {
		w.logger.Error("failed to append error log line", zap.Error(writeErr))
	}

	if w.sink != nil {
		w.sink.Record(context.Background(), ev)
	}
}

// Run ticks WriteSnapshot every w.interval until ctx is cancelled, then
// writes one final snapshot before returning, so state is durable both
// on a fixed interval and on graceful shutdown.
func (w *Writer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				if err := w.WriteSnapshot(); err != nil {
					w.logger.Error("final snapshot write failed", zap.Error(err))
					return err
				}
				return nil
			case <-ticker.C:
				if err := w.WriteSnapshot(); err != nil {
					w.logger.Warn("periodic snapshot write failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

// roundTrip is a tiny helper exercised by tests to assert that marshal
// then unmarshal reproduces the same states.
func roundTrip(states map[string]quotacenter.ProviderQuotaState) (map[string]quotacenter.ProviderQuotaState, error) {
	doc := document{Version: schemaVersion, Providers: states}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	var out document
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}
