// Package audit implements the append-only audit trail: an async, buffered
// writer so that recording "who did what" never blocks the request path
// that triggered it.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer batches AuditEntry writes and flushes them to a Store on a fixed
// interval or once a batch fills, whichever comes first. The audit trail is
// append-only: entries are never rewritten or cascaded when their subject
// is later deleted.
type Writer struct {
	store   store.Store
	clock   platform.Clock
	ids     platform.IDGenerator
	logger  *slog.Logger
	entries chan store.AuditEntry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin background flushing.
func NewWriter(s store.Store, clock platform.Clock, ids platform.IDGenerator, logger *slog.Logger) *Writer {
	return &Writer{
		store:   s,
		clock:   clock,
		ids:     ids,
		logger:  logger,
		entries: make(chan store.AuditEntry, bufferSize),
	}
}

// Start begins the background flush loop in its own goroutine and returns
// immediately. The loop exits, after flushing buffered entries, once ctx is
// cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the background loop to
// drain and flush everything buffered.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Record enqueues an entry for async writing. It never blocks the caller:
// if the buffer is full, the entry is dropped and a warning is logged,
// matching the non-goal that audit writes must not affect request latency.
func (w *Writer) Record(actor, action, resource, resourceID string, metadata map[string]string) {
	entry := store.AuditEntry{
		ID:         w.ids.NewID(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Metadata:   metadata,
		Timestamp:  w.clock.Now(),
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit buffer full, dropping entry", "action", action, "resource", resource)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.AuditEntry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []store.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range batch {
		entry := e
		if err := w.store.AppendAuditEntry(ctx, &entry); err != nil {
			w.logger.Error("writing audit entry", "error", err, "action", e.Action, "resource", e.Resource)
		}
	}
}
