package mbus

import (
	"time"

	"mbus/internal/broker"
)

// ErrStillRegistered is returned by Close on a mailbox that is still
// registered for one or more labels.
var ErrStillRegistered = broker.ErrStillRegistered

// Mailbox is a per-consumer endpoint on the process broker. The goroutine
// that created it drains it; any goroutine may send through it. A Mailbox
// must be unregistered from every label before Close.
type Mailbox struct {
	b  *broker.Broker
	in *broker.Inbox
}

// NewMailbox creates a mailbox with the default inbox capacity,
// initializing the broker universe with defaults if needed.
func NewMailbox() *Mailbox {
	return NewMailboxWithQueue(0)
}

// NewMailboxWithQueue creates a mailbox with an explicit inbox capacity.
func NewMailboxWithQueue(capacity int) *Mailbox {
	s := ensure()
	return &Mailbox{b: s.b, in: s.b.NewInbox(capacity)}
}

// Register subscribes this mailbox to label. It reports false when the
// label's receiver slots are saturated. Registering twice is permitted
// and results in duplicate delivery, once per occupied slot.
func (m *Mailbox) Register(label Label) bool {
	return m.b.Register(label, m.in)
}

// Unregister removes this mailbox from label.
func (m *Mailbox) Unregister(label Label) bool {
	return m.b.Unregister(label, m.in)
}

// SendBytes publishes a byte payload to label. It reports true only if
// every registered subscriber received a copy; zero subscribers is a
// successful no-op.
func (m *Mailbox) SendBytes(label Label, payload []byte) bool {
	return m.b.PublishBytes(label, payload)
}

// Signal publishes a zero-payload delivery to label.
func (m *Mailbox) Signal(label Label) bool {
	return m.b.PublishSignal(label)
}

// Receive blocks until a message or signal arrives. The caller owns the
// message's block until Release.
func (m *Mailbox) Receive(msg *Message) {
	m.in.Receive(msg)
}

// ReceiveWait waits up to d for a delivery.
func (m *Mailbox) ReceiveWait(msg *Message, d time.Duration) bool {
	return m.in.ReceiveWait(msg, d)
}

// TryReceive dequeues a delivery without blocking.
func (m *Mailbox) TryReceive(msg *Message) bool {
	return m.in.TryReceive(msg)
}

// Release returns the message's block to its pool. Safe on signals and on
// already-released messages.
func (m *Mailbox) Release(msg *Message) {
	m.b.Release(msg)
}

// ReceiveFunc receives one delivery and runs fn on it, releasing the
// block on every exit path, including a panic in fn.
func (m *Mailbox) ReceiveFunc(fn func(*Message)) {
	var msg Message
	m.in.Receive(&msg)
	defer m.b.Release(&msg)
	fn(&msg)
}

// Pending reports how many deliveries are queued.
func (m *Mailbox) Pending() int { return m.in.Pending() }

// Close rejects closure while registered, then drains and releases any
// undelivered blocks.
func (m *Mailbox) Close() error {
	return m.b.CloseInbox(m.in)
}
