package events

import (
	"log/slog"
	"sync"
	"time"
)

// ProgressThrottle is the minimum interval between transfer:progress
// events for one (job, file) pair. The latest tick wins.
const ProgressThrottle = 500 * time.Millisecond

const subscriberBuffer = 256

// Event is a published payload tagged with its topic and fan-out rooms.
type Event struct {
	Topic   string   `json:"topic"`
	Rooms   []string `json:"-"`
	Payload Payload  `json:"payload"`
	TS      int64    `json:"ts"`
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus validates, throttles and fans out events. Delivery is
// best-effort: a subscriber that cannot keep up drops events rather
// than stalling the engine.
type Bus struct {
	throttle time.Duration

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	pmu     sync.Mutex
	pending map[string]*pendingProgress

	dropped func(p Payload, err error) // test hook
}

type pendingProgress struct {
	lastSent time.Time
	latest   *ProgressPayload
	timer    *time.Timer
}

func NewBus() *Bus {
	return &Bus{
		throttle: ProgressThrottle,
		subs:     make(map[int]*subscriber),
		pending:  make(map[string]*pendingProgress),
	}
}

// Subscribe registers a new event channel. The returned cancel
// function is idempotent.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan Event, subscriberBuffer)}
	if !b.closed {
		b.subs[id] = sub
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	if b.closed {
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish validates p and delivers it to every subscriber.
// transfer:progress payloads are coalesced per (job, file); all other
// topics pass straight through. Invalid payloads are dropped and
// logged.
func (b *Bus) Publish(p Payload) {
	if err := p.Validate(); err != nil {
		slog.Warn("event dropped", "topic", p.Topic(), "error", err)
		if b.dropped != nil {
			b.dropped(p, err)
		}
		return
	}

	if prog, ok := p.(*ProgressPayload); ok {
		b.publishProgress(prog)
		return
	}
	b.deliver(p)
}

func (b *Bus) publishProgress(p *ProgressPayload) {
	key := p.JobID + "/" + p.FileID
	now := time.Now()

	b.pmu.Lock()
	st, ok := b.pending[key]
	if !ok {
		st = &pendingProgress{}
		b.pending[key] = st
	}

	if now.Sub(st.lastSent) >= b.throttle {
		st.lastSent = now
		st.latest = nil
		// Every live entry carries a timer so idle pairs get evicted
		// one window after their last tick.
		if st.timer == nil {
			st.timer = time.AfterFunc(b.throttle, func() { b.flushProgress(key) })
		}
		b.pmu.Unlock()
		b.deliver(p)
		return
	}

	// Within the throttle window: remember the newest tick and arm a
	// flush for the end of the window.
	st.latest = p
	if st.timer == nil {
		wait := b.throttle - now.Sub(st.lastSent)
		st.timer = time.AfterFunc(wait, func() { b.flushProgress(key) })
	}
	b.pmu.Unlock()
}

func (b *Bus) flushProgress(key string) {
	b.pmu.Lock()
	st, ok := b.pending[key]
	if !ok {
		b.pmu.Unlock()
		return
	}
	if st.latest == nil {
		// No new tick buffered. Evict once the throttle has truly
		// expired; otherwise a direct send moved lastSent forward and
		// the entry still guards the window.
		if rest := b.throttle - time.Since(st.lastSent); rest > 0 {
			st.timer = time.AfterFunc(rest, func() { b.flushProgress(key) })
		} else {
			delete(b.pending, key)
		}
		b.pmu.Unlock()
		return
	}
	p := st.latest
	st.latest = nil
	st.lastSent = time.Now()
	st.timer = time.AfterFunc(b.throttle, func() { b.flushProgress(key) })
	b.pmu.Unlock()

	b.deliver(p)
}

func (b *Bus) deliver(p Payload) {
	ev := Event{
		Topic:   p.Topic(),
		Rooms:   p.Rooms(),
		Payload: p,
		TS:      time.Now().UnixMilli(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event subscriber buffer full", "topic", ev.Topic)
		}
	}
}

// Close stops all pending flush timers and closes every subscriber
// channel.
func (b *Bus) Close() {
	b.pmu.Lock()
	for key, st := range b.pending {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(b.pending, key)
	}
	b.pmu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Log publishes a log:message event; invalid levels or empty messages
// are dropped by validation.
func (b *Bus) Log(level LogLevel, source, jobID, message string) {
	b.Publish(&LogPayload{
		JobID:   jobID,
		Level:   level,
		Message: message,
		Source:  source,
		TS:      time.Now().UnixMilli(),
	})
}
