package carrier

import (
	"bytes"
	"fmt"
	"time"
)

// Entry is one packet plus the wait applied after it is re-injected and
// before the next entry goes out.
type Entry struct {
	Packet *Packet
	Delay  time.Duration
}

// Carrier is the ordered packet list a pipeline transforms. Indices are
// stable between operations; all mutating operations validate bounds.
type Carrier struct {
	entries []Entry
}

// New returns a carrier holding the given entries in order.
func New(entries ...Entry) *Carrier {
	c := &Carrier{entries: make([]Entry, len(entries))}
	copy(c.entries, entries)
	return c
}

// FromPacket returns a single-entry carrier with zero delay, the shape
// every intercepted packet enters the pipeline in.
func FromPacket(p *Packet) *Carrier {
	return New(Entry{Packet: p})
}

// Len returns the number of entries.
func (c *Carrier) Len() int { return len(c.entries) }

// Entries returns the backing slice for iteration. Callers that need to
// mutate must go through the carrier operations.
func (c *Carrier) Entries() []Entry { return c.entries }

// At returns the entry at index i.
func (c *Carrier) At(i int) (Entry, error) {
	if i < 0 || i >= len(c.entries) {
		return Entry{}, fmt.Errorf("carrier index %d out of range [0,%d)", i, len(c.entries))
	}
	return c.entries[i], nil
}

// Append adds an entry at the end.
func (c *Carrier) Append(p *Packet, delay time.Duration) {
	c.entries = append(c.entries, Entry{Packet: p, Delay: delay})
}

// Insert places an entry before index i; i == Len appends.
func (c *Carrier) Insert(i int, p *Packet, delay time.Duration) error {
	if i < 0 || i > len(c.entries) {
		return fmt.Errorf("carrier insert index %d out of range [0,%d]", i, len(c.entries))
	}
	c.entries = append(c.entries, Entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = Entry{Packet: p, Delay: delay}
	return nil
}

// Remove deletes the entry at index i, preserving order.
func (c *Carrier) Remove(i int) error {
	if i < 0 || i >= len(c.entries) {
		return fmt.Errorf("carrier remove index %d out of range [0,%d)", i, len(c.entries))
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return nil
}

// Replace swaps the packet at index i, keeping its delay.
func (c *Carrier) Replace(i int, p *Packet) error {
	if i < 0 || i >= len(c.entries) {
		return fmt.Errorf("carrier replace index %d out of range [0,%d)", i, len(c.entries))
	}
	c.entries[i].Packet = p
	return nil
}

// SetDelay updates the post-delay of entry i.
func (c *Carrier) SetDelay(i int, delay time.Duration) error {
	if i < 0 || i >= len(c.entries) {
		return fmt.Errorf("carrier delay index %d out of range [0,%d)", i, len(c.entries))
	}
	c.entries[i].Delay = delay
	return nil
}

// Swap exchanges the entries at i and j.
func (c *Carrier) Swap(i, j int) error {
	n := len(c.entries)
	if i < 0 || i >= n || j < 0 || j >= n {
		return fmt.Errorf("carrier swap indices (%d,%d) out of range [0,%d)", i, j, n)
	}
	c.entries[i], c.entries[j] = c.entries[j], c.entries[i]
	return nil
}

// Copy returns a carrier with its own entry slice. Packets are shared:
// modifications build new packets rather than mutating old ones.
func (c *Carrier) Copy() *Carrier {
	return New(c.entries...)
}

// Equal reports structural equality over (serialized bytes, delay) pairs.
func (c *Carrier) Equal(other *Carrier) bool {
	if len(c.entries) != len(other.entries) {
		return false
	}
	for i := range c.entries {
		if c.entries[i].Delay != other.entries[i].Delay {
			return false
		}
		if !bytes.Equal(c.entries[i].Packet.Bytes(), other.entries[i].Packet.Bytes()) {
			return false
		}
	}
	return true
}
