package mbus

import (
	"bytes"
	"testing"
	"time"
)

// The tests in this file run against the process-wide broker, so they do
// not use t.Parallel and each test uses its own labels.

type testReading struct {
	A int32
	B int32
	C int32
}

func register(t *testing.T, m *Mailbox, labels ...Label) {
	t.Helper()
	for _, l := range labels {
		if !m.Register(l) {
			t.Fatalf("Register(%d) failed", l)
		}
	}
	t.Cleanup(func() {
		for _, l := range labels {
			m.Unregister(l)
		}
		_ = m.Close()
	})
}

func receiveWithin(t *testing.T, m *Mailbox, d time.Duration) Message {
	t.Helper()
	var msg Message
	if !m.ReceiveWait(&msg, d) {
		t.Fatal("no delivery within deadline")
	}
	return msg
}

func TestInitIdempotent(t *testing.T) {
	if !Init() {
		t.Fatal("Init with defaults failed")
	}
	// Same parameters: still reported as initialized.
	if !InitSized(DefaultSmallSize, DefaultSmallCap, DefaultLargeSize, DefaultLargeCap) {
		t.Fatal("repeat Init with identical parameters failed")
	}
	// Different parameters are refused, not applied.
	if InitSized(128, 10, 512, 10) {
		t.Fatal("re-init with different parameters succeeded")
	}
	if got := Stats().SmallCapacity; got != DefaultSmallCap {
		t.Fatalf("SmallCapacity = %d, want %d (reconfigured?)", got, DefaultSmallCap)
	}
}

func TestSmallMessageFanOut(t *testing.T) {
	const label = Label(42)
	before := Stats()

	boxes := make([]*Mailbox, 3)
	for i := range boxes {
		boxes[i] = NewMailbox()
		register(t, boxes[i], label)
	}

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	want := testReading{A: 3, B: 2, C: 1}
	if !Send(pub, label, want) {
		t.Fatal("Send failed")
	}

	for i, m := range boxes {
		msg := receiveWithin(t, m, time.Second)
		if msg.Label != label {
			t.Fatalf("box %d: label = %d, want %d", i, msg.Label, label)
		}
		if msg.Size != 12 {
			t.Fatalf("box %d: size = %d, want 12", i, msg.Size)
		}
		got, ok := As[testReading](&msg)
		if !ok {
			t.Fatalf("box %d: As failed", i)
		}
		if got != want {
			t.Fatalf("box %d: payload = %+v, want %+v", i, got, want)
		}
		m.Release(&msg)
	}

	if after := Stats(); after.SmallInUse != before.SmallInUse {
		t.Fatalf("small pool in-use = %d, want %d", after.SmallInUse, before.SmallInUse)
	}
}

func TestMixedPayloadSizes(t *testing.T) {
	const (
		msg1 = Label(301)
		msg2 = Label(302)
		msg3 = Label(303)
	)
	before := Stats()

	a := NewMailbox()
	register(t, a, msg1, msg2)
	b := NewMailbox()
	register(t, b, msg2, msg3)

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })

	p1 := bytes.Repeat([]byte{0x11}, 20)
	p2 := bytes.Repeat([]byte{0x22}, 1024) // large class
	p3 := bytes.Repeat([]byte{0x33}, 8)
	for _, send := range []struct {
		label   Label
		payload []byte
	}{{msg1, p1}, {msg2, p2}, {msg3, p3}} {
		if !pub.SendBytes(send.label, send.payload) {
			t.Fatalf("SendBytes(%d) failed", send.label)
		}
	}

	expect := func(m *Mailbox, label Label, payload []byte) {
		t.Helper()
		msg := receiveWithin(t, m, time.Second)
		defer m.Release(&msg)
		if msg.Label != label {
			t.Fatalf("label = %d, want %d", msg.Label, label)
		}
		if !bytes.Equal(msg.Bytes(), payload) {
			t.Fatalf("payload mismatch at label %d", label)
		}
	}
	expect(a, msg1, p1)
	expect(a, msg2, p2)
	expect(b, msg2, p2)
	expect(b, msg3, p3)

	after := Stats()
	if after.SmallInUse != before.SmallInUse || after.LargeInUse != before.LargeInUse {
		t.Fatalf("pools not restored: %+v vs %+v", after, before)
	}
}

func TestPayloadTooLargeEndToEnd(t *testing.T) {
	const label = Label(305)
	before := Stats()

	m := NewMailbox()
	register(t, m, label)

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	if pub.SendBytes(label, make([]byte, 4096)) {
		t.Fatal("oversized send succeeded")
	}
	var msg Message
	if m.ReceiveWait(&msg, 50*time.Millisecond) {
		t.Fatal("oversized send delivered something")
	}
	if after := Stats(); after != before {
		t.Fatalf("pool accounting changed: %+v vs %+v", after, before)
	}
}

func TestSlotSaturation(t *testing.T) {
	const label = Label(310)

	boxes := make([]*Mailbox, 3)
	for i := range boxes {
		boxes[i] = NewMailbox()
		register(t, boxes[i], label)
	}
	fourth := NewMailbox()
	t.Cleanup(func() { _ = fourth.Close() })
	if fourth.Register(label) {
		t.Fatal("fourth Register succeeded")
	}

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	if !pub.SendBytes(label, []byte{9}) {
		t.Fatal("send failed")
	}

	for _, m := range boxes {
		msg := receiveWithin(t, m, time.Second)
		m.Release(&msg)
	}
	var msg Message
	if fourth.ReceiveWait(&msg, 50*time.Millisecond) {
		t.Fatal("rejected subscriber received a delivery")
	}
}

func TestSignalEndToEnd(t *testing.T) {
	const label = Label(320)
	m := NewMailbox()
	register(t, m, label)

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	if !pub.Signal(label) {
		t.Fatal("Signal failed")
	}
	msg := receiveWithin(t, m, time.Second)
	if msg.Label != label || msg.Size != 0 || !msg.IsSignal() {
		t.Fatalf("signal = %+v, want label=%d size=0", msg, label)
	}
	if _, ok := As[testReading](&msg); ok {
		t.Fatal("As succeeded on a signal")
	}
	m.Release(&msg) // no-op
}

func TestAsSizeMismatch(t *testing.T) {
	const label = Label(321)
	m := NewMailbox()
	register(t, m, label)

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	pub.SendBytes(label, []byte{1, 2, 3}) // 3 bytes, not sizeof(testReading)

	msg := receiveWithin(t, m, time.Second)
	defer m.Release(&msg)
	if _, ok := As[testReading](&msg); ok {
		t.Fatal("As accepted a size mismatch")
	}
}

func TestSendZeroSizedValueIsSignal(t *testing.T) {
	const label = Label(322)
	m := NewMailbox()
	register(t, m, label)

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	if !Send(pub, label, struct{}{}) {
		t.Fatal("Send of empty struct failed")
	}
	msg := receiveWithin(t, m, time.Second)
	if !msg.IsSignal() {
		t.Fatal("zero-sized send was not delivered as a signal")
	}
}

func TestReleaseGuardUnderPanic(t *testing.T) {
	const label = Label(330)
	before := Stats()

	m := NewMailbox()
	register(t, m, label)

	pub := NewMailbox()
	t.Cleanup(func() { _ = pub.Close() })
	pub.SendBytes(label, []byte{1, 2, 3})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("handler panic did not propagate")
			}
		}()
		m.ReceiveFunc(func(msg *Message) {
			panic("handler exploded")
		})
	}()

	if after := Stats(); after.SmallInUse != before.SmallInUse {
		t.Fatalf("block leaked across panic: %+v vs %+v", after, before)
	}
}

func TestMailboxCloseWhileRegistered(t *testing.T) {
	const label = Label(331)
	m := NewMailbox()
	if !m.Register(label) {
		t.Fatal("Register failed")
	}
	if err := m.Close(); err != ErrStillRegistered {
		t.Fatalf("Close = %v, want ErrStillRegistered", err)
	}
	m.Unregister(label)
	if err := m.Close(); err != nil {
		t.Fatalf("Close after unregister: %v", err)
	}
}

func TestOneShotTimerEndToEnd(t *testing.T) {
	const label = Label(999)
	m := NewMailbox()
	register(t, m, label)

	if !StartTimer(label, 100*time.Millisecond, OneShot) {
		t.Fatal("StartTimer failed")
	}
	msg := receiveWithin(t, m, time.Second)
	if msg.Label != label || msg.Size != 0 {
		t.Fatalf("timer delivery = %+v, want signal %d", msg, label)
	}

	var again Message
	if m.ReceiveWait(&again, 300*time.Millisecond) {
		t.Fatal("one-shot delivered twice")
	}
	if CancelTimer(label) {
		t.Fatal("Cancel after a one-shot fired reported a live record")
	}
}

func TestPeriodicTimerEndToEnd(t *testing.T) {
	const label = Label(998)
	m := NewMailbox()
	register(t, m, label)

	if !StartTimer(label, 100*time.Millisecond, Periodic) {
		t.Fatal("StartTimer failed")
	}
	deadline := time.Now().Add(3 * time.Second)
	got := 0
	for got < 3 && time.Now().Before(deadline) {
		var msg Message
		if m.ReceiveWait(&msg, time.Second) {
			got++
		}
	}
	if got < 3 {
		t.Fatalf("periodic delivered %d signals, want >= 3", got)
	}

	if !CancelTimer(label) {
		t.Fatal("CancelTimer failed")
	}
	// Drain any in-flight deliveries, then expect silence.
	var msg Message
	for m.ReceiveWait(&msg, 150*time.Millisecond) {
	}
	if m.ReceiveWait(&msg, 300*time.Millisecond) {
		t.Fatal("periodic delivered after cancel")
	}
}

func TestDuplicateTimerEndToEnd(t *testing.T) {
	const label = Label(997)
	if !StartTimer(label, time.Minute, OneShot) {
		t.Fatal("StartTimer failed")
	}
	t.Cleanup(func() { CancelTimer(label) })
	if StartTimer(label, time.Second, OneShot) {
		t.Fatal("duplicate StartTimer succeeded")
	}
}
