// Package broker implements the label-addressed fan-out core: the shared
// registry, payload pools and the publish path. The public API in the
// repository root wraps a single Broker instance; tests and embedding
// hosts may also construct their own.
package broker

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"mbus/internal/pool"
	"mbus/pkg/logx"
)

// Defaults for the two payload size classes.
const (
	DefaultSmallSize = 256
	DefaultSmallCap  = 200
	DefaultLargeSize = 2048
	DefaultLargeCap  = 200

	// arenaSlack pads the shared arena beyond the pools' exact need.
	arenaSlack = 1024
)

// ErrStillRegistered reports an inbox closed while registered for one or
// more labels.
var ErrStillRegistered = errors.New("broker: inbox still registered")

// Config sizes the two pool classes and the default inbox queue depth.
// Zero fields take the package defaults.
type Config struct {
	SmallSize int
	SmallCap  int
	LargeSize int
	LargeCap  int

	QueueCapacity int
}

func (c Config) WithDefaults() Config {
	if c.SmallSize <= 0 {
		c.SmallSize = DefaultSmallSize
	}
	if c.SmallCap <= 0 {
		c.SmallCap = DefaultSmallCap
	}
	if c.LargeSize <= 0 {
		c.LargeSize = DefaultLargeSize
	}
	if c.LargeCap <= 0 {
		c.LargeCap = DefaultLargeCap
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	return c
}

func (c Config) validate() error {
	if c.SmallSize > c.LargeSize {
		return fmt.Errorf("broker: small element size %d exceeds large %d", c.SmallSize, c.LargeSize)
	}
	return nil
}

// Broker owns the registry, both pools and the arena behind them. One
// mutex serializes registration and the whole of each fan-out, which is
// what makes per-(publisher,label,subscriber) delivery order equal
// publish order.
type Broker struct {
	mu  sync.Mutex
	reg *registry

	arena *pool.Arena
	small *pool.BytePool
	large *pool.BytePool

	cfg Config
	log logx.Logger

	// dropLimit throttles drop logging on the hot path; a stuck consumer
	// must not flood the sinks.
	dropLimit *rate.Limiter
}

// New builds a broker with its arena and pools. cfg fields at zero take
// defaults.
func New(cfg Config, log logx.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	arena := pool.NewArena(cfg.SmallSize*cfg.SmallCap + cfg.LargeSize*cfg.LargeCap + arenaSlack)
	small, err := pool.New(cfg.SmallSize, cfg.SmallCap, arena)
	if err != nil {
		return nil, fmt.Errorf("broker: small pool: %w", err)
	}
	large, err := pool.New(cfg.LargeSize, cfg.LargeCap, arena)
	if err != nil {
		return nil, fmt.Errorf("broker: large pool: %w", err)
	}

	b := &Broker{
		reg:       newRegistry(),
		arena:     arena,
		small:     small,
		large:     large,
		cfg:       cfg,
		log:       log,
		dropLimit: rate.NewLimiter(rate.Limit(1), 5),
	}
	log.Debug("broker ready",
		logx.Int("small_size", cfg.SmallSize), logx.Int("small_cap", cfg.SmallCap),
		logx.Int("large_size", cfg.LargeSize), logx.Int("large_cap", cfg.LargeCap))
	return b, nil
}

// Config returns the effective configuration.
func (b *Broker) Config() Config { return b.cfg }

// SmallPool and LargePool expose pool accounting (tests, stats).
func (b *Broker) SmallPool() *pool.BytePool { return b.small }
func (b *Broker) LargePool() *pool.BytePool { return b.large }

// MaxPayload returns the largest publishable payload size.
func (b *Broker) MaxPayload() int { return b.large.EltSize() }

// NewInbox creates an unregistered inbox. capacity <= 0 takes the
// broker's configured queue capacity.
func (b *Broker) NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = b.cfg.QueueCapacity
	}
	return newInbox(capacity)
}

// Register subscribes in to label, filling the first empty receiver slot.
// It reports false when all MaxReceivers slots are occupied. Registering
// the same inbox twice at one label is permitted and doubles delivery.
func (b *Broker) Register(label Label, in *Inbox) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reg.receivers(label).add(in) {
		b.log.Warn("register rejected: receiver slots full", logx.Uint16("label", label))
		return false
	}
	in.labels[label]++
	return true
}

// Unregister removes every slot holding in at label. It reports whether
// in was registered there at all.
func (b *Broker) Unregister(label Label, in *Inbox) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.reg.receivers(label).remove(in)
	if found {
		delete(in.labels, label)
	}
	return found
}

// CloseInbox verifies the inbox holds no registrations and drains any
// undelivered descriptors back to their pools. Closing while registered
// is a programmer error and is rejected.
func (b *Broker) CloseInbox(in *Inbox) error {
	b.mu.Lock()
	if n := len(in.labels); n != 0 {
		b.mu.Unlock()
		b.log.Error("inbox closed while registered", logx.Int("labels", n))
		return ErrStillRegistered
	}
	b.mu.Unlock()

	var d Descriptor
	for in.TryReceive(&d) {
		b.Release(&d)
	}
	return nil
}

// Receivers returns the number of occupied slots at label.
func (b *Broker) Receivers(label Label) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.receivers(label).occupied()
}

// PublishBytes copies payload into one pooled block per subscriber of
// label and enqueues a descriptor into each subscriber's inbox. It
// reports true only if every occupied slot was delivered to; with zero
// subscribers it is a successful no-op. An empty payload is delivered as
// a signal.
func (b *Broker) PublishBytes(label Label, payload []byte) bool {
	size := len(payload)
	if size > b.large.EltSize() {
		b.log.Warn("publish rejected: payload too large",
			logx.Uint16("label", label), logx.Int("size", size), logx.Int("max", b.large.EltSize()))
		return false
	}
	if size == 0 {
		return b.PublishSignal(label)
	}

	cls := b.small
	if size > b.small.EltSize() {
		cls = b.large
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ok := true
	for _, in := range b.reg.receivers(label) {
		if in == nil {
			continue
		}
		blk := cls.Alloc()
		if blk == nil {
			b.drop("pool_exhausted", label)
			ok = false
			continue
		}
		copy(blk.Buf[:size], payload)
		if !in.q.TryPush(Descriptor{Label: label, Size: uint16(size), Block: blk}) {
			if err := cls.Free(blk); err != nil {
				b.log.Error("free after failed enqueue", logx.Err(err), logx.Uint16("label", label))
			}
			b.drop("queue_full", label)
			ok = false
		}
	}
	return ok
}

// PublishSignal enqueues a zero-payload descriptor into each subscriber
// of label. Same partial-success accounting as PublishBytes, without any
// pool interaction.
func (b *Broker) PublishSignal(label Label) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := true
	for _, in := range b.reg.receivers(label) {
		if in == nil {
			continue
		}
		if !in.q.TryPush(Descriptor{Label: label}) {
			b.drop("queue_full", label)
			ok = false
		}
	}
	return ok
}

// Release returns the block referenced by d to its pool. Release of a
// signal descriptor, or of an already-released descriptor value, is a
// no-op; a genuine double free of the underlying block is reported.
func (b *Broker) Release(d *Descriptor) {
	if d == nil || d.Block == nil {
		return
	}
	blk := d.Block
	d.Block = nil
	if err := blk.Pool().Free(blk); err != nil {
		b.log.Error("descriptor release", logx.Err(err), logx.Uint16("label", d.Label))
	}
}

func (b *Broker) drop(reason string, label Label) {
	if b.dropLimit.Allow() {
		b.log.Warn("delivery dropped", logx.String("reason", reason), logx.Uint16("label", label))
	}
}
