// Command mbusdemo is a small host exercising the broker: three worker
// goroutines exchange typed messages and timer signals until an exit
// sentinel shuts them down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mbus"
	"mbus/internal/config"
	"mbus/internal/debugsrv"
	"mbus/pkg/logx"
)

// Demo label assignments. LabelExit is the agreed shutdown sentinel.
const (
	LabelExit     mbus.Label = 1
	LabelReading  mbus.Label = 100
	LabelSnapshot mbus.Label = 101
	LabelTick     mbus.Label = 200
	LabelDeadline mbus.Label = 201
)

// Reading is a sensor-style payload small enough for the small pool.
type Reading struct {
	Seq   uint32
	Value int32
}

// Snapshot rides in the large pool class.
type Snapshot struct {
	Seq     uint32
	Samples [300]int32
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to YAML config (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}
	var mgr *config.Manager
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath)
		c, err := mgr.Load()
		if err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		cfg = c
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	defer logSvc.Close()

	mbus.SetLogger(log.With(logx.String("comp", "mbus")))
	if !mbus.InitFromConfig(*cfg) {
		fmt.Println("fatal: broker init failed")
		os.Exit(1)
	}

	dbg := debugsrv.New(debugCfg(cfg), log.With(logx.String("comp", "debug")))
	dbg.Start()
	defer dbg.Stop(context.Background())

	// Hot-reload the reloadable subset (logging, debug server).
	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
		mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })
		updates := mgr.Subscribe(1)
		go func() { _ = mgr.Watch(ctx) }()
		go func() {
			for c := range updates {
				logSvc.Apply(c.Logging.Logx())
				dbg.Reconfigure(ctx, debugCfg(c))
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go readingWorker(&wg, log.With(logx.String("worker", "reading")))
	go snapshotWorker(&wg, log.With(logx.String("worker", "snapshot")))
	go tickWorker(&wg, log.With(logx.String("worker", "tick")))

	mbus.StartTimer(LabelTick, 500*time.Millisecond, mbus.Periodic)
	mbus.StartTimer(LabelDeadline, 3*time.Second, mbus.OneShot)

	producer := mbus.NewMailbox()
	go produce(ctx, producer, log.With(logx.String("worker", "producer")))

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("mbusdemo running; ctrl-c to exit")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	mbus.CancelTimer(LabelTick)
	mbus.CancelTimer(LabelDeadline)

	// Shutdown is an agreed sentinel label, one signal per worker.
	producer.Signal(LabelExit)
	wg.Wait()
	_ = producer.Close()
	log.Info("mbusdemo stopped")
}

func debugCfg(c *config.Config) debugsrv.Config {
	// Timeouts were validated at load; omitted fields fall back to the
	// server defaults.
	read, write, idle, _ := c.Debug.Timeouts()
	return debugsrv.Config{
		Enabled:       c.Debug.Enabled,
		Addr:          c.Debug.Addr,
		Token:         c.Debug.Token,
		AllowInsecure: c.Debug.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}

func produce(ctx context.Context, m *mbus.Mailbox, log logx.Logger) {
	seq := uint32(0)
	t := time.NewTicker(300 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			seq++
			if !mbus.Send(m, LabelReading, Reading{Seq: seq, Value: int32(seq * 7)}) {
				log.Warn("reading not delivered to all subscribers", logx.Uint64("seq", uint64(seq)))
			}
			if seq%5 == 0 {
				snap := Snapshot{Seq: seq}
				for i := range snap.Samples {
					snap.Samples[i] = int32(i) * int32(seq)
				}
				mbus.Send(m, LabelSnapshot, snap)
			}
		}
	}
}

func readingWorker(wg *sync.WaitGroup, log logx.Logger) {
	defer wg.Done()
	m := mbus.NewMailbox()
	m.Register(LabelReading)
	m.Register(LabelExit)
	defer func() {
		m.Unregister(LabelReading)
		m.Unregister(LabelExit)
		_ = m.Close()
	}()

	for {
		exit := false
		m.ReceiveFunc(func(msg *mbus.Message) {
			switch msg.Label {
			case LabelExit:
				exit = true
			case LabelReading:
				if r, ok := mbus.As[Reading](msg); ok {
					log.Info("reading", logx.Uint64("seq", uint64(r.Seq)), logx.Int("value", int(r.Value)))
				}
			}
		})
		if exit {
			return
		}
	}
}

func snapshotWorker(wg *sync.WaitGroup, log logx.Logger) {
	defer wg.Done()
	m := mbus.NewMailboxWithQueue(32)
	m.Register(LabelSnapshot)
	m.Register(LabelExit)
	defer func() {
		m.Unregister(LabelSnapshot)
		m.Unregister(LabelExit)
		_ = m.Close()
	}()

	for {
		exit := false
		m.ReceiveFunc(func(msg *mbus.Message) {
			switch msg.Label {
			case LabelExit:
				exit = true
			case LabelSnapshot:
				if s, ok := mbus.As[Snapshot](msg); ok {
					log.Info("snapshot", logx.Uint64("seq", uint64(s.Seq)), logx.Int("bytes", int(msg.Size)))
				}
			}
		})
		if exit {
			return
		}
	}
}

// tickWorker consumes the timer labels. The periodic tick keeps arriving
// until main cancels it; the one-shot deadline arrives exactly once.
func tickWorker(wg *sync.WaitGroup, log logx.Logger) {
	defer wg.Done()
	m := mbus.NewMailbox()
	m.Register(LabelTick)
	m.Register(LabelDeadline)
	m.Register(LabelExit)
	defer func() {
		m.Unregister(LabelTick)
		m.Unregister(LabelDeadline)
		m.Unregister(LabelExit)
		_ = m.Close()
	}()

	ticks := 0
	for {
		var msg mbus.Message
		m.Receive(&msg)
		switch msg.Label {
		case LabelExit:
			m.Release(&msg)
			return
		case LabelTick:
			ticks++
			if ticks%4 == 0 {
				log.Info("ticks", logx.Int("count", ticks))
			}
		case LabelDeadline:
			log.Info("deadline fired", logx.Int("ticks_so_far", ticks))
		}
		m.Release(&msg)
	}
}
