package state

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
)

// Snapshot captures cash and open positions at a point in time.
type Snapshot struct {
	Timestamp   time.Time         `json:"timestamp"`
	Cash        float64           `json:"cash"`
	LastOrderID uint64            `json:"lastOrderId"`
	LastTradeID uint64            `json:"lastTradeId"`
	Positions   []schema.Position `json:"positions"`
}

// Snapshot builds a snapshot of the book, positions sorted by instrument.
func (m *Manager) Snapshot(ts time.Time) Snapshot {
	entries := make([]schema.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		entries = append(entries, *pos)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Instrument < entries[j].Instrument
	})
	return Snapshot{
		Timestamp:   ts,
		Cash:        m.cash,
		LastOrderID: m.nextOrderID,
		LastTradeID: m.nextTradeID,
		Positions:   entries,
	}
}

// Restore builds a manager from a snapshot. The restored positions start a
// fresh round trip at their average price.
func Restore(snapshot Snapshot) *Manager {
	m := NewManager(snapshot.Cash)
	m.nextOrderID = snapshot.LastOrderID
	m.nextTradeID = snapshot.LastTradeID
	for _, entry := range snapshot.Positions {
		if entry.Qty == 0 {
			continue
		}
		pos := entry
		m.positions[pos.Instrument] = &pos
		abs := absQty(pos.Qty)
		m.rounds[pos.Instrument] = &roundTrip{
			entryQty:      abs,
			entryNotional: pos.AvgPrice * float64(abs),
			direction:     pos.Direction(),
		}
	}
	return m
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir").With("dir", dir)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot").With("path", path)
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same positions.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Positions) != len(actual.Positions) {
		return errors.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	want := make(map[string]schema.Position, len(expected.Positions))
	for _, entry := range expected.Positions {
		want[entry.Instrument] = entry
	}
	for _, entry := range actual.Positions {
		w, ok := want[entry.Instrument]
		if !ok {
			return errors.Errorf("snapshot missing instrument: %s", entry.Instrument)
		}
		if w.Qty != entry.Qty || w.AvgPrice != entry.AvgPrice {
			return errors.Errorf("snapshot mismatch: instrument=%s expected=%d@%g actual=%d@%g",
				entry.Instrument, w.Qty, w.AvgPrice, entry.Qty, entry.AvgPrice)
		}
	}
	return nil
}
