// Package nfqueue abstracts the kernel packet queue and the raw-socket
// re-injection path. The engine talks to the Driver and Injector
// interfaces; the kernel-backed implementations live in this package
// and tests substitute in-memory fakes.
package nfqueue

import "context"

// Verdict is the decision returned to the kernel for a dequeued packet.
type Verdict int

const (
	// VerdictAccept releases the original packet unchanged.
	VerdictAccept Verdict = iota
	// VerdictDrop discards the original packet.
	VerdictDrop
	// VerdictAcceptModified releases replacement bytes in place of the
	// original packet.
	VerdictAcceptModified
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	default:
		return "accept-modified"
	}
}

// RawPacket is one intercepted packet with its queue-local identifier.
type RawPacket struct {
	ID   uint32
	Data []byte
}

// Queue is an open userspace queue delivering intercepted packets.
type Queue interface {
	// Packets returns the delivery channel. Consumers treat a closed
	// channel as the end of the queue; the kernel-backed queue does not
	// close its channel on Close, so its consumers stop on their own
	// context or completion signal.
	Packets() <-chan RawPacket

	// SetVerdict decides the fate of a packet. Payload is consulted
	// only for VerdictAcceptModified.
	SetVerdict(id uint32, v Verdict, payload []byte) error

	Close() error
}

// Driver opens queues by number.
type Driver interface {
	Open(ctx context.Context, qnum uint16) (Queue, error)
}
