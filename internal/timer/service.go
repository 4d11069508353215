// Package timer schedules one-shot, periodic, absolute-time and cron-spec
// timers that fire as broker signals. Every expiry source feeds one
// buffered fire channel drained by a single dispatch goroutine, so timer
// signals for a given subscriber arrive in dispatch order and one-shot
// records can remove themselves safely during dispatch.
package timer

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mbus/pkg/logx"
)

// Kind selects one-shot or periodic behavior.
type Kind int

const (
	OneShot Kind = iota
	Periodic
)

func (k Kind) String() string {
	if k == Periodic {
		return "periodic"
	}
	return "one_shot"
}

// Label mirrors the broker's label type.
type Label = uint16

// Publisher is the broker surface the timer service needs.
type Publisher interface {
	PublishSignal(label Label) bool
}

// DispatchBuffer bounds how many undispatched fires may be pending before
// further fires are dropped.
const DispatchBuffer = 256

type fire struct {
	label Label
	gen   uint64
}

// record is one armed timer. At most one record exists per label.
type record struct {
	label    Label
	kind     Kind
	interval time.Duration

	// gen distinguishes this arming from any earlier timer on the same
	// label, so a fire racing a cancel is dropped at dispatch.
	gen uint64

	timer  *time.Timer  // one-shot and absolute-time records
	ticker *time.Ticker // periodic records
	done   chan struct{}
	cronID cron.EntryID
	isCron bool
}

// Service owns the timer table and the dispatch goroutine.
type Service struct {
	mu    sync.Mutex
	pub   Publisher
	log   logx.Logger
	table map[Label]*record
	gen   uint64

	parser cron.Parser
	cron   *cron.Cron

	fires   chan fire
	stop    chan struct{}
	running bool
}

// New creates a stopped service. Call Start before arming timers.
func New(pub Publisher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		pub: pub,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		table:  map[Label]*record{},
	}
}

// Start launches the dispatch goroutine and the cron runner. It is
// idempotent and reports whether the service is running afterwards.
func (s *Service) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return true
	}
	s.fires = make(chan fire, DispatchBuffer)
	s.stop = make(chan struct{})
	s.cron = cron.New(cron.WithParser(s.parser))
	s.cron.Start()
	s.running = true
	go s.dispatch(s.fires, s.stop)
	s.log.Debug("timer dispatch started")
	return true
}

// Stop disarms every record and terminates the dispatch goroutine.
// Undispatched fires are discarded.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for label, rec := range s.table {
		s.disarmLocked(rec)
		delete(s.table, label)
	}
	close(s.stop)
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Active returns the number of armed records.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// StartTimer arms a timer firing after d; kind selects whether it re-arms.
// It reports false if a timer is already active for label, the duration
// is not positive, or the service is stopped.
func (s *Service) StartTimer(label Label, d time.Duration, kind Kind) bool {
	if d <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.newRecordLocked(label, kind)
	if !ok {
		return false
	}
	rec.interval = d

	fires := s.fires
	switch kind {
	case Periodic:
		ticker := time.NewTicker(d)
		done := make(chan struct{})
		rec.ticker = ticker
		rec.done = done
		go s.forward(fires, ticker, done, fire{label: label, gen: rec.gen})
	default:
		g := rec.gen
		rec.timer = time.AfterFunc(d, func() { s.enqueue(fires, fire{label: label, gen: g}) })
	}
	s.table[label] = rec
	s.log.Debug("timer armed", logx.Uint16("label", label), logx.Duration("interval", d), logx.String("kind", kind.String()))
	return true
}

// StartAt arms a one-shot timer firing at the absolute time t. Times in
// the past fire immediately.
func (s *Service) StartAt(label Label, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		d = time.Nanosecond
	}
	return s.StartTimer(label, d, OneShot)
}

// StartCron arms a recurring timer driven by a cron spec (5-field, or
// 6-field with seconds). Each cron fire dispatches like a periodic fire.
func (s *Service) StartCron(label Label, spec string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return false
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		s.log.Warn("bad cron spec", logx.Uint16("label", label), logx.String("spec", spec), logx.Err(err))
		return false
	}
	rec, ok := s.newRecordLocked(label, Periodic)
	if !ok {
		return false
	}
	g := rec.gen
	fires := s.fires
	rec.isCron = true
	rec.cronID = s.cron.Schedule(sched, cron.FuncJob(func() { s.enqueue(fires, fire{label: label, gen: g}) }))
	s.table[label] = rec
	s.log.Debug("cron timer armed", logx.Uint16("label", label), logx.String("spec", spec))
	return true
}

// Cancel disarms and removes the record for label. It reports false when
// no such record exists. An in-flight fire for the cancelled record may
// still be pending; dispatch drops it by generation.
func (s *Service) Cancel(label Label) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table[label]
	if !ok {
		return false
	}
	s.disarmLocked(rec)
	delete(s.table, label)
	s.log.Debug("timer cancelled", logx.Uint16("label", label))
	return true
}

func (s *Service) newRecordLocked(label Label, kind Kind) (*record, bool) {
	if !s.running {
		return nil, false
	}
	if _, dup := s.table[label]; dup {
		s.log.Warn("timer already armed", logx.Uint16("label", label))
		return nil, false
	}
	s.gen++
	return &record{label: label, kind: kind, gen: s.gen}, true
}

func (s *Service) disarmLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if rec.ticker != nil {
		rec.ticker.Stop()
		close(rec.done)
	}
	if rec.isCron && s.cron != nil {
		s.cron.Remove(rec.cronID)
	}
}

// forward relays ticker expirations into the fire channel until the
// record is disarmed.
func (s *Service) forward(fires chan<- fire, ticker *time.Ticker, done chan struct{}, f fire) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.enqueue(fires, f)
		}
	}
}

// enqueue hands a fire to the dispatch goroutine. When the dispatch
// buffer is full the fire is dropped; there is no retry.
func (s *Service) enqueue(fires chan<- fire, f fire) {
	select {
	case fires <- f:
	default:
		s.log.Warn("timer fire dropped: dispatch buffer full", logx.Uint16("label", f.label))
	}
}

// dispatch is the single goroutine that turns expirations into broker
// signals. The table lock is held across resolve, publish and one-shot
// removal, mirroring the table/registry lock order used everywhere else.
func (s *Service) dispatch(fires <-chan fire, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f := <-fires:
			s.mu.Lock()
			rec, ok := s.table[f.label]
			if !ok || rec.gen != f.gen {
				// Cancellation race: the record went away after the
				// expiry was queued. Drop the event.
				s.mu.Unlock()
				continue
			}
			if !s.pub.PublishSignal(f.label) {
				s.log.Debug("timer signal not fully delivered", logx.Uint16("label", f.label))
			}
			if rec.kind == OneShot {
				s.disarmLocked(rec)
				delete(s.table, f.label)
			}
			s.mu.Unlock()
		}
	}
}
