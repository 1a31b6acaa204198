package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/txexec/internal/model"
)

// Message is a one-shot envelope posted to the delivery context.
type Message struct {
	fn   func()
	sent atomic.Bool
}

// NewMessage wraps fn in a message.
func NewMessage(fn func()) *Message {
	return &Message{fn: fn}
}

// Deliver runs the message payload. Only the first call has any effect; it
// reports whether this call delivered the message.
func (m *Message) Deliver() bool {
	if !m.sent.CompareAndSwap(false, true) {
		return false
	}
	m.fn()
	return true
}

// Messenger hands task outcomes to the delivery context. On delivery the
// task's tracker is moved to its terminal status, then the runner's
// observers hear of it, then the completion callback runs.
type Messenger interface {
	SendResult(t *Task, o Outcome)
	SendCancel(t *Task, err error)
	SendProgress(t *Task, v any)
	Close()
}

// Delivery modes accepted by NewMessenger.
const (
	DeliveryLoop   = "loop"
	DeliveryDirect = "direct"
)

// NewMessenger returns a LoopMessenger for DeliveryLoop and a DirectMessenger
// for anything else.
func NewMessenger(mode string, logger *slog.Logger) Messenger {
	if mode == DeliveryLoop {
		return NewLoopMessenger(logger)
	}
	return NewDirectMessenger(logger)
}

// envelope builds the messages both messengers post.
type envelope struct {
	logger *slog.Logger
	post   func(*Message)
}

func (e *envelope) SendResult(t *Task, o Outcome) {
	e.post(NewMessage(func() {
		if err := t.finish(o.Status(), o.Err); err != nil {
			e.logger.Error("failed to set terminal status", "task_id", t.id, "error", err)
		}
		e.callback(t, "result", func() {
			if o.Err != nil {
				t.work.OnRollback(o.Err)
				return
			}
			t.work.OnPostExecute(o.Success)
		})
	}))
}

func (e *envelope) SendCancel(t *Task, err error) {
	e.post(NewMessage(func() {
		if serr := t.finish(model.StatusFailed, err); serr != nil {
			e.logger.Error("failed to set terminal status", "task_id", t.id, "error", serr)
		}
		e.callback(t, "cancel", func() { t.work.OnRollback(err) })
	}))
}

func (e *envelope) SendProgress(t *Task, v any) {
	l, ok := t.work.(ProgressListener)
	if !ok {
		return
	}
	e.post(NewMessage(func() {
		e.callback(t, "progress", func() { l.OnProgress(v) })
	}))
}

// callback runs a work callback, keeping a panicking callback from taking
// down the delivery goroutine.
func (e *envelope) callback(t *Task, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task callback panicked", "task_id", t.id, "kind", kind, "panic", r)
		}
	}()
	messagesDelivered.WithLabelValues(kind).Inc()
	fn()
}

// DirectMessenger delivers every message on the sending goroutine.
type DirectMessenger struct {
	envelope
}

// NewDirectMessenger creates a DirectMessenger.
func NewDirectMessenger(logger *slog.Logger) *DirectMessenger {
	m := &DirectMessenger{}
	m.logger = logger
	m.post = func(msg *Message) { msg.Deliver() }
	return m
}

// Close is a no-op.
func (m *DirectMessenger) Close() {}

// LoopMessenger delivers messages in send order on a single goroutine.
// Sending never blocks.
type LoopMessenger struct {
	envelope

	mu     sync.Mutex
	queue  []*Message
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoopMessenger creates a LoopMessenger and starts its delivery goroutine.
func NewLoopMessenger(logger *slog.Logger) *LoopMessenger {
	m := &LoopMessenger{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	m.logger = logger
	m.post = m.enqueue
	go m.loop()
	return m
}

func (m *LoopMessenger) enqueue(msg *Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("messenger closed, delivering inline")
		msg.Deliver()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *LoopMessenger) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, msg := range batch {
			msg.Deliver()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}

// Close stops accepting queued messages, delivers what is already queued and
// waits for the delivery goroutine to exit.
func (m *LoopMessenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	<-m.done
}
