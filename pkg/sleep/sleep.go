// Package sleep coordinates deep sleep between the subsystems of an agent.
//
// Any subsystem may veto deep sleep; the device may only sleep while no
// veto is held.
package sleep

import (
	"fmt"
	"strings"
	"sync"
)

// Mode selects how a data-link keeps the device awake.
type Mode int

// Deep sleep modes.
const (
	// Disabled keeps the device awake.
	Disabled Mode = iota
	// OneShot allows sleep until the next bus activity, then falls back to
	// Disabled.
	OneShot
	// Hardware lets a wake line from the controller gate sleep.
	Hardware
)

var modeNames = []string{"disabled", "one-shot", "hardware"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for n, name := range modeNames {
		if s == name {
			return Mode(n), nil
		}
	}
	switch s {
	case "oneshot", "one_shot":
		return OneShot, nil
	case "off", "none":
		return Disabled, nil
	}
	return Disabled, fmt.Errorf("unknown deep sleep mode %q", s)
}

// VetoID identifies a subsystem holding a veto. Each ID is a bit.
type VetoID uint32

// Known veto holders.
const (
	VetoDatalink VetoID = 1 << iota
	VetoUART
	VetoApp
)

// Vetoer accepts veto changes.
type Vetoer interface {
	SetVeto(VetoID)
	ClearVeto(VetoID)
}

type nopVetoer struct{}

func (nopVetoer) SetVeto(VetoID)   {}
func (nopVetoer) ClearVeto(VetoID) {}

// Nop is a Vetoer which ignores all vetoes.
var Nop Vetoer = nopVetoer{}

// Coordinator keeps the veto bitmask.
type Coordinator struct {
	// OnChange is invoked with the new bitmask whenever it changes.
	// It's called without holding the lock.
	OnChange func(vetoes VetoID)

	lock   sync.Mutex
	vetoes VetoID
}

// NewCoordinator creates a Coordinator with no veto held.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// SetVeto implements Vetoer.
func (c *Coordinator) SetVeto(id VetoID) {
	c.update(func(v VetoID) VetoID { return v | id })
}

// ClearVeto implements Vetoer.
func (c *Coordinator) ClearVeto(id VetoID) {
	c.update(func(v VetoID) VetoID { return v &^ id })
}

// Vetoes returns the current bitmask.
func (c *Coordinator) Vetoes() VetoID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.vetoes
}

// Allowed returns true if deep sleep is allowed.
func (c *Coordinator) Allowed() bool {
	return c.Vetoes() == 0
}

func (c *Coordinator) update(fn func(VetoID) VetoID) {
	c.lock.Lock()
	old := c.vetoes
	c.vetoes = fn(old)
	changed, vetoes := old != c.vetoes, c.vetoes
	onChange := c.OnChange
	c.lock.Unlock()
	if changed && onChange != nil {
		onChange(vetoes)
	}
}
