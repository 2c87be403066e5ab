package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tablecast/relay/internal/metrics"
)

const (
	pingInterval      = 15 * time.Second
	messageBufferSize = 16
)

// Sink is the downstream end of a subscriber stream. The HTTP layer adapts
// http.ResponseWriter behind this; Write must deliver one complete SSE frame
// and is expected to enforce its own write deadline.
type Sink interface {
	Write(p []byte) error
}

// streamWriter owns all writes for one subscriber connection. Frames are
// queued on sendChannel by the broadcaster goroutine; a full queue marks the
// subscriber slow and the broadcaster evicts it rather than block fan-out.
//
// The broadcaster only ever signals a writer to stop. Waiting for the
// goroutine to exit is the stream handler's job (via exited), because a
// write wedged on a dead client must never stall the broadcaster.
type streamWriter struct {
	connectionID uuid.UUID
	sink         Sink
	clock        clockwork.Clock
	sendChannel  chan []byte
	doneChannel  chan struct{}
	exited       chan struct{}
	stopOnce     sync.Once

	// onWriteError runs at most once, on the writer goroutine, when a sink
	// write fails. It must not wait for this writer to exit.
	onWriteError func(connectionID uuid.UUID)
}

func newStreamWriter(connectionID uuid.UUID, sink Sink, clock clockwork.Clock, onWriteError func(uuid.UUID)) *streamWriter {
	w := &streamWriter{
		connectionID: connectionID,
		sink:         sink,
		clock:        clock,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
		exited:       make(chan struct{}),
		onWriteError: onWriteError,
	}
	go w.run()
	return w
}

func (w *streamWriter) run() {
	defer close(w.exited)

	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-w.sendChannel:
			if err := w.sink.Write(frame); err != nil {
				w.fail(err)
				return
			}
		case <-ticker.Chan():
			if err := w.sink.Write(pingFrame); err != nil {
				w.fail(err)
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

func (w *streamWriter) fail(err error) {
	slog.Debug("Subscriber write failed", "connection_id", w.connectionID.String(), "error", err)
	metrics.SSESendFailuresTotal.Inc()
	if w.onWriteError != nil {
		w.onWriteError(w.connectionID)
	}
}

// signalStop tells the writer goroutine to exit without waiting for it.
// Safe to call multiple times and from multiple goroutines.
func (w *streamWriter) signalStop() {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
	})
}

// stop signals the writer and blocks until its goroutine has exited, which
// may take as long as one in-flight sink write.
func (w *streamWriter) stop() {
	w.signalStop()
	<-w.exited
}
