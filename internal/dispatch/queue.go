package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tablecast/relay/internal/correlation"
	relayerrors "github.com/tablecast/relay/internal/errors"
	"github.com/tablecast/relay/internal/metrics"
)

// Command is a unit of work bound for the gateway: the opcode to send plus
// its payload. Type carries the caller-facing command name for logging.
type Command struct {
	Type    string
	Op      int
	Payload json.RawMessage
}

// Envelope wraps a queued command with its retry bookkeeping. Attempts only
// counts failed dispatches; NextAttemptAt decides dispatch order.
type Envelope struct {
	Command       Command
	RequestID     string
	TraceID       string
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
}

// Result tells the queue what to do with an envelope after a dispatch
// attempt.
type Result int

const (
	// ResultSent removes the envelope from the queue.
	ResultSent Result = iota
	// ResultRetry reschedules the envelope with backoff.
	ResultRetry
)

// Func delivers one envelope. The queue invokes at most one Func at a time.
type Func func(ctx context.Context, env Envelope) Result

// Options tune queue capacity and retry backoff.
type Options struct {
	MaxSize     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterRatio float64
}

const (
	defaultMaxSize     = 1000
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultJitterRatio = 0.25

	commandChannelSize = 64
	commandTimeout     = 5 * time.Second
	stopTimeout        = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = defaultMaxSize
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.JitterRatio < 0 {
		o.JitterRatio = defaultJitterRatio
	}
	return o
}

// entryHeap orders envelopes by NextAttemptAt ascending, ties broken by
// enqueue time.
type entryHeap []*Envelope

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Envelope)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// indexOf locates an entry by identity, -1 when it has been removed.
func (h entryHeap) indexOf(env *Envelope) int {
	for i, e := range h {
		if e == env {
			return i
		}
	}
	return -1
}

// Command types processed by the queue goroutine.
type queueCmd interface {
	isQueueCmd()
}

type baseQueueCmd struct{}

func (baseQueueCmd) isQueueCmd() {}

type enqueueCmd struct {
	baseQueueCmd
	envelope     *Envelope
	replyChannel chan error
}

type markReadyCmd struct{ baseQueueCmd }

type removeCmd struct {
	baseQueueCmd
	predicate    func(Envelope) bool
	replyChannel chan int
}

type lenQueryCmd struct {
	baseQueueCmd
	replyChannel chan int
}

type snapshotCmd struct {
	baseQueueCmd
	replyChannel chan []Envelope
}

type drainDoneCmd struct {
	baseQueueCmd
	envelope Envelope
	result   Result
}

type stopCmd struct{ baseQueueCmd }

// Queue holds commands awaiting dispatch over the gateway connection. A
// single goroutine owns the heap; drains are single-flight, so at most one
// dispatcher invocation runs at any time while enqueues and removals keep
// flowing.
type Queue struct {
	dispatch Func
	opts     Options
	clock    clockwork.Clock

	cmdCh chan queueCmd
	done  chan struct{}

	// Owned by run(). An envelope handed to the dispatcher stays on the
	// heap, pointed at by inflight, so it still counts against capacity and
	// stays removable while the attempt runs.
	entries  entryHeap
	inflight *Envelope
	timer    clockwork.Timer
}

// NewQueue creates a command queue and starts its run goroutine.
func NewQueue(dispatch Func, opts Options, clock clockwork.Clock) *Queue {
	q := &Queue{
		dispatch: dispatch,
		opts:     opts.withDefaults(),
		clock:    clock,
		cmdCh:    make(chan queueCmd, commandChannelSize),
		done:     make(chan struct{}),
	}

	go q.run()
	return q
}

// Enqueue accepts a command for dispatch. requestID is the caller's
// idempotency key; when empty a fresh one is generated. The returned
// envelope carries the final request and trace IDs. Fails with a QueueFull
// error at capacity, leaving the queue untouched.
func (q *Queue) Enqueue(ctx context.Context, command Command, requestID string) (Envelope, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	_, traceID := correlation.Ensure(ctx)

	env := Envelope{
		Command:   command,
		RequestID: requestID,
		TraceID:   traceID,
	}
	cmd := enqueueCmd{envelope: &env, replyChannel: make(chan error, 1)}
	if !q.post(cmd) {
		return Envelope{}, relayerrors.UnavailableError("command queue stopped", nil)
	}

	timer := q.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-cmd.replyChannel:
		if err != nil {
			return Envelope{}, err
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, relayerrors.UnavailableError("enqueue cancelled", ctx.Err())
	case <-timer.Chan():
		return Envelope{}, relayerrors.UnavailableError("enqueue timed out", nil)
	}
}

// MarkReady clamps every envelope's due time to now and forces an immediate
// drain. Called when the gateway connection becomes usable again.
func (q *Queue) MarkReady() {
	q.post(markReadyCmd{})
}

// Remove cancels every envelope matching the predicate and reports how many
// were dropped. A matching envelope whose dispatch attempt is running is
// cancelled too: the attempt finishes, but a retry result no longer
// reschedules it.
func (q *Queue) Remove(predicate func(Envelope) bool) int {
	cmd := removeCmd{predicate: predicate, replyChannel: make(chan int, 1)}
	if !q.post(cmd) {
		return 0
	}

	timer := q.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case removed := <-cmd.replyChannel:
		return removed
	case <-timer.Chan():
		slog.Warn("Queue remove timed out")
		return 0
	}
}

// Len reports the number of queued envelopes.
func (q *Queue) Len() int {
	cmd := lenQueryCmd{replyChannel: make(chan int, 1)}
	if !q.post(cmd) {
		return 0
	}

	timer := q.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-cmd.replyChannel:
		return n
	case <-timer.Chan():
		return 0
	}
}

// Snapshot returns a copy of the queued envelopes in due-time order.
func (q *Queue) Snapshot() []Envelope {
	cmd := snapshotCmd{replyChannel: make(chan []Envelope, 1)}
	if !q.post(cmd) {
		return nil
	}

	timer := q.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case envelopes := <-cmd.replyChannel:
		return envelopes
	case <-timer.Chan():
		return nil
	}
}

// Stop terminates the queue goroutine. Queued envelopes are dropped; an
// in-flight dispatch finishes without rescheduling.
func (q *Queue) Stop() {
	if !q.post(stopCmd{}) {
		return
	}

	timer := q.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-q.done:
		slog.Info("Command queue stopped")
	case <-timer.Chan():
		slog.Warn("Command queue stop timeout exceeded")
	}
}

func (q *Queue) post(cmd queueCmd) bool {
	select {
	case q.cmdCh <- cmd:
		return true
	case <-q.done:
		return false
	}
}

func (q *Queue) run() {
	// Panic recovery wrapper
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Command queue panic recovered", "panic", r)
		}
	}()

	defer close(q.done)

	for {
		var timerCh <-chan time.Time
		if q.timer != nil {
			timerCh = q.timer.Chan()
		}

		select {
		case cmd := <-q.cmdCh:
			switch cmd := cmd.(type) {
			case enqueueCmd:
				cmd.replyChannel <- q.handleEnqueue(cmd.envelope)
			case markReadyCmd:
				q.handleMarkReady()
			case removeCmd:
				cmd.replyChannel <- q.handleRemove(cmd.predicate)
			case lenQueryCmd:
				cmd.replyChannel <- q.entries.Len()
			case snapshotCmd:
				cmd.replyChannel <- q.handleSnapshot()
			case drainDoneCmd:
				q.handleDrainDone(cmd)
			case stopCmd:
				return
			default:
				slog.Warn("Queue received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-timerCh:
			q.timer = nil
			q.startDrain()
		}
	}
}

func (q *Queue) handleEnqueue(env *Envelope) error {
	if q.entries.Len() >= q.opts.MaxSize {
		metrics.QueueRejectedTotal.Inc()
		return relayerrors.QueueFullError(q.opts.MaxSize)
	}

	now := q.clock.Now()
	env.EnqueuedAt = now
	env.NextAttemptAt = now

	stored := *env
	heap.Push(&q.entries, &stored)
	metrics.QueueEnqueuedTotal.Inc()
	metrics.QueueDepth.Set(float64(q.entries.Len()))
	slog.Debug("Command enqueued",
		"request_id", env.RequestID,
		"command", env.Command.Type,
		"depth", q.entries.Len(),
	)

	q.startDrain()
	return nil
}

func (q *Queue) handleMarkReady() {
	if q.entries.Len() == 0 {
		return
	}

	now := q.clock.Now()
	for _, env := range q.entries {
		if env.NextAttemptAt.After(now) {
			env.NextAttemptAt = now
		}
	}
	heap.Init(&q.entries)
	slog.Info("Command queue marked ready", "depth", q.entries.Len())

	q.startDrain()
}

func (q *Queue) handleRemove(predicate func(Envelope) bool) int {
	kept := q.entries[:0]
	removed := 0
	for _, env := range q.entries {
		if predicate(*env) {
			removed++
			continue
		}
		kept = append(kept, env)
	}
	if removed == 0 {
		return 0
	}

	q.entries = kept
	heap.Init(&q.entries)
	metrics.QueueRemovedTotal.Add(float64(removed))
	metrics.QueueDepth.Set(float64(q.entries.Len()))
	slog.Debug("Commands removed from queue", "removed", removed, "depth", q.entries.Len())

	if q.entries.Len() == 0 {
		q.disarmTimer()
	} else {
		q.startDrain()
	}
	return removed
}

func (q *Queue) handleSnapshot() []Envelope {
	snapshot := make([]Envelope, 0, q.entries.Len())
	for _, env := range q.entries {
		snapshot = append(snapshot, *env)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].NextAttemptAt.Equal(snapshot[j].NextAttemptAt) {
			return snapshot[i].EnqueuedAt.Before(snapshot[j].EnqueuedAt)
		}
		return snapshot[i].NextAttemptAt.Before(snapshot[j].NextAttemptAt)
	})
	return snapshot
}

// startDrain dispatches the earliest due envelope, or arms the timer for it
// when nothing is due yet. A drain already in flight wins; the queue picks
// up again when it reports back. The dispatched envelope stays on the heap
// until its result comes in.
func (q *Queue) startDrain() {
	if q.inflight != nil {
		return
	}
	if q.entries.Len() == 0 {
		q.disarmTimer()
		return
	}

	head := q.entries[0]
	now := q.clock.Now()
	if head.NextAttemptAt.After(now) {
		q.armTimer(head.NextAttemptAt.Sub(now))
		return
	}

	q.inflight = head
	go q.dispatchOne(*head)
}

func (q *Queue) dispatchOne(env Envelope) {
	ctx := correlation.WithID(context.Background(), env.TraceID)
	result := q.dispatch(ctx, env)
	q.post(drainDoneCmd{envelope: env, result: result})
}

func (q *Queue) handleDrainDone(cmd drainDoneCmd) {
	env := q.inflight
	q.inflight = nil
	idx := q.entries.indexOf(env)

	switch {
	case cmd.result == ResultSent:
		if idx >= 0 {
			heap.Remove(&q.entries, idx)
			metrics.QueueDepth.Set(float64(q.entries.Len()))
		}
		metrics.QueueDispatchTotal.WithLabelValues("sent").Inc()
		metrics.QueueCommandAttempts.Observe(float64(cmd.envelope.Attempts + 1))
		slog.Debug("Command dispatched",
			"request_id", cmd.envelope.RequestID,
			"command", cmd.envelope.Command.Type,
			"attempts", cmd.envelope.Attempts+1,
		)

	case idx < 0:
		// Removed while its attempt was running; the retry dies with it.
		slog.Debug("Cancelled command not rescheduled",
			"request_id", cmd.envelope.RequestID,
			"command", cmd.envelope.Command.Type,
		)

	default:
		// Anything but a clean send stays queued with backoff; the queue
		// never gives up on an envelope by itself.
		env.Attempts++
		delay := q.backoff(env.Attempts)
		env.NextAttemptAt = q.clock.Now().Add(delay)
		heap.Fix(&q.entries, idx)
		metrics.QueueDispatchTotal.WithLabelValues("retry").Inc()
		slog.Warn("Command dispatch failed, retrying",
			"request_id", env.RequestID,
			"command", env.Command.Type,
			"attempts", env.Attempts,
			"retry_in", delay,
		)
	}

	q.startDrain()
}

// backoff doubles from the base per failed attempt, caps at the max, then
// adds uniform jitter of up to JitterRatio of the capped delay.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.opts.BaseBackoff
	for i := 1; i < attempts && delay < q.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > q.opts.MaxBackoff {
		delay = q.opts.MaxBackoff
	}

	jitter := time.Duration(rand.Float64() * q.opts.JitterRatio * float64(delay))
	return delay + jitter
}

func (q *Queue) armTimer(d time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.clock.NewTimer(d)
}

func (q *Queue) disarmTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
