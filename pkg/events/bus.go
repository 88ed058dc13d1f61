// Package events provides the ordered, in-process event stream that
// carries structured audit progress out of the engine.
//
// One bounded queue exists per active task. Sequence numbers are
// per-task, monotonically increasing, assigned at enqueue; delivery to
// any single subscriber is FIFO by sequence. Fan-out to subscribers is
// independent: a slow subscriber never blocks producers; its events are
// dropped and a dropped-events marker is inserted in their place.
// Critical events (phase-complete, task-complete, task-error) are never
// dropped; they use reserved queue headroom.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// producerBlockTimeout is how long a producer waits for queue room
// before dropping a non-critical event.
const producerBlockTimeout = 100 * time.Millisecond

// reservedSlots is the queue headroom only critical events may use.
const reservedSlots = 8

// Bus manages per-task event streams.
type Bus struct {
	cfg   config.EventConfig
	store store.EventStore
	clock store.Clock

	mu      sync.Mutex
	streams map[string]*stream
}

// NewBus creates a bus persisting drained events via the given store.
func NewBus(cfg config.EventConfig, eventStore store.EventStore, clock store.Clock) *Bus {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Bus{
		cfg:     cfg,
		store:   eventStore,
		clock:   clock,
		streams: make(map[string]*stream),
	}
}

// stream is the per-task bounded queue plus its consumers.
type stream struct {
	taskID   string
	capacity int

	mu        sync.Mutex
	buf       []models.Event
	nextSeq   int64
	dropped   int64
	closed    bool
	spaceCond *sync.Cond
	dataCond  *sync.Cond

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	done        chan struct{}
	batcherDone chan struct{}
}

type subscriber struct {
	ch      chan models.Event
	dropped int64
}

// Open creates (or returns) the stream for a task and starts its
// dispatcher, batcher, and heartbeat goroutines.
func (b *Bus) Open(ctx context.Context, taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[taskID]; ok {
		return
	}
	st := &stream{
		taskID:      taskID,
		capacity:    b.cfg.QueueMaxSize,
		subs:        make(map[int]*subscriber),
		done:        make(chan struct{}),
		batcherDone: make(chan struct{}),
	}
	st.spaceCond = sync.NewCond(&st.mu)
	st.dataCond = sync.NewCond(&st.mu)
	b.streams[taskID] = st

	go b.runBatcher(ctx, st)
	go b.runHeartbeat(ctx, st)
}

// Publish appends an event to the task's queue, assigning its sequence
// number. Missing ID/timestamp fields are stamped. Returns false when
// the event was dropped under backpressure (never for critical kinds).
func (b *Bus) Publish(taskID string, ev models.Event) bool {
	st := b.stream(taskID)
	if st == nil {
		slog.Warn("Publish to unopened event stream", "task_id", taskID, "kind", ev.Kind)
		return false
	}
	return st.publish(ev, b.clock.Now())
}

// StartSequence seeds the per-task sequence counter, used on resume so
// sequences continue from the persisted high-water mark.
func (b *Bus) StartSequence(taskID string, next int64) {
	if st := b.stream(taskID); st != nil {
		st.mu.Lock()
		if next > st.nextSeq {
			st.nextSeq = next
		}
		st.mu.Unlock()
	}
}

// NextSequence returns the sequence the next published event will get.
func (b *Bus) NextSequence(taskID string) int64 {
	st := b.stream(taskID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextSeq
}

// DroppedCount returns the producer-side dropped-event count for a task.
func (b *Bus) DroppedCount(taskID string) int64 {
	st := b.stream(taskID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dropped
}

// Subscribe attaches a consumer with its own buffer. The returned cancel
// function detaches it. When the subscriber's buffer overflows, events
// are dropped for that subscriber and an events-dropped marker inserted.
func (b *Bus) Subscribe(taskID string, buffer int) (<-chan models.Event, func()) {
	st := b.stream(taskID)
	if st == nil {
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}
	if buffer < 1 {
		buffer = 1
	}

	sub := &subscriber{ch: make(chan models.Event, buffer)}
	st.subsMu.Lock()
	id := st.nextSub
	st.nextSub++
	st.subs[id] = sub
	st.subsMu.Unlock()

	cancel := func() {
		st.subsMu.Lock()
		if _, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(sub.ch)
		}
		st.subsMu.Unlock()
	}
	return sub.ch, cancel
}

// Close drains and persists pending events, delivers them to
// subscribers, then disconnects subscribers and removes the stream.
// Called on task completion and on cancellation.
func (b *Bus) Close(ctx context.Context, taskID string) {
	b.mu.Lock()
	st, ok := b.streams[taskID]
	if ok {
		delete(b.streams, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.closed = true
	st.dataCond.Broadcast()
	st.spaceCond.Broadcast()
	st.mu.Unlock()

	// The batcher drains and persists what remains, then exits.
	select {
	case <-st.batcherDone:
	case <-ctx.Done():
	}
	close(st.done)

	st.subsMu.Lock()
	for id, sub := range st.subs {
		close(sub.ch)
		delete(st.subs, id)
	}
	st.subsMu.Unlock()
}

func (b *Bus) stream(taskID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[taskID]
}

// publish enqueues under the stream lock, blocking up to
// producerBlockTimeout for room. Critical events may spill into the
// reserved headroom and are therefore never dropped.
func (st *stream) publish(ev models.Event, now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return false
	}

	limit := st.capacity
	if ev.Kind.IsCritical() {
		limit += reservedSlots
	} else if len(st.buf) >= st.capacity {
		// Park briefly for the batcher to make room.
		deadline := now.Add(producerBlockTimeout)
		for len(st.buf) >= st.capacity && !st.closed {
			if time.Now().After(deadline) {
				break
			}
			waitCond(st.spaceCond, producerBlockTimeout)
		}
		if st.closed || len(st.buf) >= st.capacity {
			st.dropped++
			return false
		}
	}

	if len(st.buf) >= limit {
		// Reserved headroom exhausted; should not happen with a sane
		// batcher, but never silently lose a critical event.
		slog.Error("Critical event exceeded reserved queue headroom", "task_id", st.taskID, "kind", ev.Kind)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.TaskID = st.taskID
	ev.Sequence = st.nextSeq
	st.nextSeq++

	st.buf = append(st.buf, ev)
	st.dataCond.Signal()
	return true
}

// waitCond waits on c with an upper bound, since sync.Cond has no
// native timeout.
func waitCond(c *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, c.Broadcast)
	defer timer.Stop()
	c.Wait()
}

// take removes up to max buffered events, blocking until data arrives
// or the stream closes.
func (st *stream) take(max int) []models.Event {
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.buf) == 0 && !st.closed {
		st.dataCond.Wait()
	}
	if len(st.buf) == 0 {
		return nil
	}
	n := len(st.buf)
	if n > max {
		n = max
	}
	batch := make([]models.Event, n)
	copy(batch, st.buf)
	st.buf = st.buf[n:]
	st.spaceCond.Broadcast()
	return batch
}

// fanOut delivers a batch to every subscriber without blocking. A full
// subscriber buffer drops the event; the next successful delivery is
// preceded by an events-dropped marker carrying the count.
func (st *stream) fanOut(batch []models.Event) {
	st.subsMu.Lock()
	defer st.subsMu.Unlock()
	for _, sub := range st.subs {
		for _, ev := range batch {
			if sub.dropped > 0 {
				marker := models.Event{
					ID:        uuid.NewString(),
					TaskID:    st.taskID,
					Kind:      models.EventEventsDropped,
					Metadata:  map[string]any{"count": sub.dropped},
					Timestamp: ev.Timestamp,
				}
				select {
				case sub.ch <- marker:
					sub.dropped = 0
				default:
					// Still full; the marker count keeps growing.
				}
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped++
			}
		}
	}
}

// runBatcher drains the stream and persists batches of up to BatchSize
// events at a time. It exits only once the stream is closed AND empty,
// so the final batch is never lost.
func (b *Bus) runBatcher(ctx context.Context, st *stream) {
	defer close(st.batcherDone)
	for {
		batch := st.take(b.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		st.fanOut(batch)
		if err := b.store.AppendBatch(ctx, st.taskID, batch); err != nil {
			slog.Error("Failed to persist event batch",
				"task_id", st.taskID, "count", len(batch), "error", err)
		}
	}
}

// runHeartbeat publishes keepalive events while the stream is open.
func (b *Bus) runHeartbeat(ctx context.Context, st *stream) {
	interval := b.cfg.SSEHeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.publish(models.Event{Kind: models.EventHeartbeat}, b.clock.Now())
		}
	}
}
