package store

import (
	"sync"

	"github.com/rs/zerolog"
)

// AsyncWriter decouples the request hot path from SQLite writes. Log calls
// enqueue onto a buffered channel and never block; a single background
// goroutine drains it. Records are dropped when the buffer is full or the
// writer is closed; the request log tolerates loss on crash.
type AsyncWriter struct {
	store  *Store
	logger zerolog.Logger

	ch        chan *Request
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewAsyncWriter starts the background writer with the given buffer size.
func NewAsyncWriter(store *Store, logger zerolog.Logger, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &AsyncWriter{
		store:  store,
		logger: logger,
		ch:     make(chan *Request, buffer),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Log enqueues a record for persistence. It never blocks.
func (w *AsyncWriter) Log(r *Request) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- r:
	default:
		w.logger.Warn().Str("request_id", r.ID).Msg("request log buffer full, dropping record")
	}
}

// Close stops accepting records, drains the buffer, and waits for the
// background goroutine to finish.
func (w *AsyncWriter) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
		<-w.done
	})
}

func (w *AsyncWriter) loop() {
	defer close(w.done)
	for r := range w.ch {
		if err := w.store.InsertRequest(r); err != nil {
			w.logger.Error().Err(err).Str("request_id", r.ID).Msg("failed to persist request log")
		}
	}
}
