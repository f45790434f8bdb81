package llc

import "sync/atomic"

// Stats counts LLC events. All fields are updated atomically, use Snapshot
// to read them.
type Stats struct {
	RxPackets     uint64
	TxPackets     uint64
	TxErrors      uint64
	Malformed     uint64
	Duplicates    uint64
	LossDetected  uint64
	PeerLoss      uint64
	PeerErrors    uint64
	InvalidStream uint64
	Dropped       uint64
}

func (s *Stats) inc(counter *uint64) {
	atomic.AddUint64(counter, 1)
}

// Snapshot returns a consistent-per-field copy.
func (s *Stats) Snapshot() Stats {
	return Stats{
		RxPackets:     atomic.LoadUint64(&s.RxPackets),
		TxPackets:     atomic.LoadUint64(&s.TxPackets),
		TxErrors:      atomic.LoadUint64(&s.TxErrors),
		Malformed:     atomic.LoadUint64(&s.Malformed),
		Duplicates:    atomic.LoadUint64(&s.Duplicates),
		LossDetected:  atomic.LoadUint64(&s.LossDetected),
		PeerLoss:      atomic.LoadUint64(&s.PeerLoss),
		PeerErrors:    atomic.LoadUint64(&s.PeerErrors),
		InvalidStream: atomic.LoadUint64(&s.InvalidStream),
		Dropped:       atomic.LoadUint64(&s.Dropped),
	}
}
