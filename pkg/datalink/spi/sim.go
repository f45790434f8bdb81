package spi

import (
	"sync"
	"time"
)

// SimBus connects an Agent and a Host in memory. It implements Bus and
// Lines for the agent, and the master side of the bus plus the wake line
// for the host. Completions are delivered on the host's goroutine.
type SimBus struct {
	lock    sync.Mutex
	agent   *Agent
	rx      []byte
	tx      []byte
	rxArmed bool
	txArmed bool
	ready   bool
	wake    bool
	irq     bool
	errors  int
	changed chan struct{}
	counts  [2]int
}

// NewSimBus creates a SimBus.
func NewSimBus() *SimBus {
	return &SimBus{changed: make(chan struct{})}
}

func (s *SimBus) attach(a *Agent) {
	s.lock.Lock()
	s.agent = a
	s.lock.Unlock()
}

// StartReceive implements Bus.
func (s *SimBus) StartReceive(p []byte, mode TransferMode) {
	s.lock.Lock()
	s.rx, s.rxArmed = p, true
	s.counts[mode]++
	s.lock.Unlock()
}

// StartTransmit implements Bus.
func (s *SimBus) StartTransmit(p []byte, mode TransferMode) {
	s.lock.Lock()
	s.tx, s.txArmed = p, true
	s.counts[mode]++
	s.lock.Unlock()
}

// SetReady implements Lines.
func (s *SimBus) SetReady(high bool) {
	s.lock.Lock()
	if s.ready != high {
		s.ready = high
		s.notifyLocked()
	}
	s.lock.Unlock()
}

// EnableWakeIRQ implements Lines.
func (s *SimBus) EnableWakeIRQ(enabled bool) {
	s.lock.Lock()
	s.irq = enabled
	s.lock.Unlock()
}

// Ready returns the level of the ready line.
func (s *SimBus) Ready() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ready
}

// Wake returns the level of the wake line.
func (s *SimBus) Wake() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.wake
}

// WakeIRQEnabled returns true if the agent listens to the wake line.
func (s *SimBus) WakeIRQEnabled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.irq
}

// Transfers returns the number of transfers armed with the mode.
func (s *SimBus) Transfers(mode TransferMode) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.counts[mode]
}

// InjectErrors makes the next n master transfers fail with a bus error.
func (s *SimBus) InjectErrors(n int) {
	s.lock.Lock()
	s.errors = n
	s.lock.Unlock()
}

// Changed returns a channel closed on the next line change.
func (s *SimBus) Changed() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.changed
}

// WaitReady waits until the ready line has the level.
func (s *SimBus) WaitReady(high bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.lock.Lock()
		ready, ch := s.ready, s.changed
		s.lock.Unlock()
		if ready == high {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
}

// SetWake drives the wake line. Edges reach the agent only while its wake
// interrupt is enabled.
func (s *SimBus) SetWake(high bool) {
	s.lock.Lock()
	edge := s.wake != high
	s.wake = high
	agent := s.agent
	if !s.irq {
		agent = nil
	}
	if edge {
		s.notifyLocked()
	}
	s.lock.Unlock()
	if !edge || agent == nil {
		return
	}
	if high {
		agent.WakeRising()
	} else {
		agent.WakeFalling()
	}
}

// Write clocks p into the receive armed by the agent.
func (s *SimBus) Write(p []byte) error {
	s.lock.Lock()
	agent := s.agent
	if agent == nil {
		s.lock.Unlock()
		return ErrNotArmed
	}
	if s.errors > 0 {
		s.errors--
		s.rxArmed, s.txArmed = false, false
		s.lock.Unlock()
		agent.BusError()
		return ErrBusError
	}
	if !s.rxArmed {
		s.lock.Unlock()
		return ErrNotArmed
	}
	copy(s.rx, p)
	s.rxArmed = false
	s.lock.Unlock()
	agent.RxComplete()
	return nil
}

// Read clocks len(p) bytes out of the transmit armed by the agent.
func (s *SimBus) Read(p []byte) error {
	s.lock.Lock()
	agent := s.agent
	if agent == nil {
		s.lock.Unlock()
		return ErrNotArmed
	}
	if s.errors > 0 {
		s.errors--
		s.rxArmed, s.txArmed = false, false
		s.lock.Unlock()
		agent.BusError()
		return ErrBusError
	}
	if !s.txArmed {
		s.lock.Unlock()
		return ErrNotArmed
	}
	n := copy(p, s.tx)
	for i := n; i < len(p); i++ {
		p[i] = 0xff
	}
	s.txArmed = false
	s.lock.Unlock()
	agent.TxComplete()
	return nil
}

func (s *SimBus) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
