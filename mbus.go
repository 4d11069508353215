package mbus

import (
	"sync"

	"mbus/internal/broker"
	"mbus/internal/config"
	"mbus/internal/timer"
	"mbus/pkg/logx"
)

// Defaults for the process-wide broker universe.
const (
	DefaultSmallSize     = broker.DefaultSmallSize
	DefaultSmallCap      = broker.DefaultSmallCap
	DefaultLargeSize     = broker.DefaultLargeSize
	DefaultLargeCap      = broker.DefaultLargeCap
	DefaultQueueCapacity = broker.DefaultQueueCapacity

	// MaxReceivers bounds subscribers per label.
	MaxReceivers = broker.MaxReceivers
)

// state is the single broker universe. Everything hangs off one explicit
// Broker value constructed at Init; Mailbox and the timer functions reach
// it through this handle rather than scattered globals.
type state struct {
	b      *broker.Broker
	timers *timer.Service
}

var (
	stMu sync.Mutex
	st   *state

	// pendingLog is the logger installed by SetLogger before init.
	pendingLog logx.Logger
)

// SetLogger installs the logger the broker universe will use. It only
// takes effect when called before the universe is created; afterwards it
// is ignored.
func SetLogger(l logx.Logger) {
	stMu.Lock()
	defer stMu.Unlock()
	pendingLog = l
}

// Init creates the broker universe with default pool sizes. It is
// idempotent; a repeat call reports whether the live configuration
// matches the requested one, and never reconfigures.
func Init() bool {
	return InitSized(DefaultSmallSize, DefaultSmallCap, DefaultLargeSize, DefaultLargeCap)
}

// InitSized creates the broker universe with explicit pool classes.
// A second call with different parameters returns false; the existing
// universe is preserved.
func InitSized(smallSize, smallCap, largeSize, largeCap int) bool {
	stMu.Lock()
	defer stMu.Unlock()
	return initLocked(broker.Config{
		SmallSize: smallSize,
		SmallCap:  smallCap,
		LargeSize: largeSize,
		LargeCap:  largeCap,
	})
}

// InitFromConfig creates the broker universe from a host configuration.
func InitFromConfig(cfg config.Config) bool {
	stMu.Lock()
	defer stMu.Unlock()
	return initLocked(broker.Config{
		SmallSize:     cfg.Broker.SmallSize,
		SmallCap:      cfg.Broker.SmallCap,
		LargeSize:     cfg.Broker.LargeSize,
		LargeCap:      cfg.Broker.LargeCap,
		QueueCapacity: cfg.Broker.QueueCapacity,
	})
}

func initLocked(cfg broker.Config) bool {
	if st != nil {
		return st.b.Config() == cfg.WithDefaults()
	}
	b, err := broker.New(cfg, pendingLog)
	if err != nil {
		pendingLog.Error("broker init", logx.Err(err))
		return false
	}
	ts := timer.New(b, pendingLog)
	st = &state{b: b, timers: ts}
	return true
}

// PoolStats reports payload pool occupancy for diagnostics.
type PoolStats struct {
	SmallInUse    int
	SmallCapacity int
	LargeInUse    int
	LargeCapacity int
}

// Stats snapshots the pool accounting of the process broker.
func Stats() PoolStats {
	s := ensure()
	return PoolStats{
		SmallInUse:    s.b.SmallPool().Size(),
		SmallCapacity: s.b.SmallPool().Capacity(),
		LargeInUse:    s.b.LargePool().Size(),
		LargeCapacity: s.b.LargePool().Capacity(),
	}
}

// ensure returns the universe, creating it with defaults on first use.
func ensure() *state {
	stMu.Lock()
	defer stMu.Unlock()
	if st == nil {
		initLocked(broker.Config{})
	}
	return st
}
