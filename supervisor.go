package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"storeidhelper/logger"
	"storeidhelper/metrics"
)

// supervisorState names the states of spec.md §4.5's state machine:
// INIT -> RUNNING <-> RELOADING -> STOPPING -> EXITED.
type supervisorState int32

const (
	stateInit supervisorState = iota
	stateRunning
	stateReloading
	stateStopping
	stateExited
)

const (
	tickInterval    = 500 * time.Millisecond
	workerJoinGrace = 1 * time.Second
)

// Supervisor owns the current snapshot, the prefetch pool, and the
// protocol loop, and drives spec.md §4.5's lifecycle: signal handling,
// periodic reload checks, cooperative shutdown.
type Supervisor struct {
	primaryPath string

	state   atomic.Int32
	reload  atomic.Bool
	stop    atomic.Bool

	snapHandle *snapshotHandle
	ledger     *PrefetchLedger
	metrics    *metrics.Registry

	prefetch *Prefetcher
	loop     *ProtocolLoop

	loopDone chan struct{}
}

func newSupervisor(primaryPath string, reg *metrics.Registry) *Supervisor {
	return &Supervisor{
		primaryPath: primaryPath,
		snapHandle:  &snapshotHandle{},
		ledger:      newPrefetchLedger(),
		metrics:     reg,
		loopDone:    make(chan struct{}),
	}
}

// Run builds the initial snapshot, starts the workers and protocol
// loop, installs signal handling, and blocks on the supervision tick
// until shutdown. Returns a non-zero-worthy error only on the fatal
// startup failure named in spec.md §6 ("primary config missing or
// malformed").
func (s *Supervisor) Run() error {
	snap, err := LoadInitial(s.primaryPath)
	if err != nil {
		return err
	}
	s.state.Store(int32(stateInit))
	s.publishAndStart(snap)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	go s.signalLoop(sigCh)

	go func() {
		s.loop.Run()
		close(s.loopDone)
	}()

	s.state.Store(int32(stateRunning))
	s.tickLoop()
	return nil
}

func (s *Supervisor) signalLoop(sigCh chan os.Signal) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
			s.stop.Store(true)
		case syscall.SIGHUP:
			s.reload.Store(true)
		case syscall.SIGPIPE:
			// ignored
		}
	}
}

// tickLoop runs approximately twice per second (spec.md §4.5
// "Supervision tick"), checking for shutdown, then reload.
func (s *Supervisor) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopDone:
			s.shutdown()
			return
		case <-ticker.C:
			if s.stop.Load() {
				s.shutdown()
				return
			}
			s.maybeReload()
		}
	}
}

func (s *Supervisor) maybeReload() {
	st := s.snapHandle.current()
	wantsReload := s.reload.Load()
	if !wantsReload && st.snap.AutoReload && NeedsReload(st.snap) {
		wantsReload = true
	}
	if !wantsReload {
		return
	}
	s.reload.Store(false)

	s.state.Store(int32(stateReloading))
	newSnap, err := Reload(s.primaryPath)
	if err != nil {
		logger.Errorw("config_reload_failed", map[string]interface{}{"err": err.Error()})
		if s.metrics != nil {
			s.metrics.ReloadTotal.WithLabelValues("failure").Inc()
		}
		s.state.Store(int32(stateRunning))
		return
	}

	s.prefetch.Stop(workerJoinGrace)
	s.publishAndStart(newSnap)
	if s.metrics != nil {
		s.metrics.ReloadTotal.WithLabelValues("success").Inc()
	}
	s.state.Store(int32(stateRunning))
}

// publishAndStart swaps in a new snapshot, rebuilds the (fresh, per
// spec.md §4.2's "cache reflects resolution identity") memo cache, and
// starts new prefetch workers and the protocol log sink sized from it.
func (s *Supervisor) publishAndStart(snap *ConfigSnapshot) {
	s.snapHandle.publish(snap)

	s.prefetch = NewPrefetcher(snap, s.ledger, s.metrics)
	s.prefetch.Start(snap.FetchWorkers)

	if s.loop == nil {
		s.loop = newProtocolLoop(os.Stdin, os.Stdout, s.snapHandle, s.prefetch, s.metrics)
	} else {
		s.loop.prefetch = s.prefetch
	}
	s.loop.openProtocolLog(snap.ProtocolLogPath)
}

func (s *Supervisor) shutdown() {
	s.state.Store(int32(stateStopping))
	if s.prefetch != nil {
		s.prefetch.Stop(workerJoinGrace)
	}
	s.state.Store(int32(stateExited))
}
