package nfqueue

import (
	"context"
	"fmt"
	"time"

	nfq "github.com/florianl/go-nfqueue/v2"

	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

// KernelDriver opens real NFQUEUE handles.
type KernelDriver struct {
	log *reporting.Logger
}

// NewKernelDriver returns a driver backed by the kernel's nfnetlink
// queue subsystem.
func NewKernelDriver(log *reporting.Logger) *KernelDriver {
	return &KernelDriver{log: log}
}

// Open binds queue qnum and starts delivering packets until ctx ends.
func (d *KernelDriver) Open(ctx context.Context, qnum uint16) (Queue, error) {
	nf, err := nfq.Open(&nfq.Config{
		NfQueue:      qnum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  255,
		Copymode:     nfq.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue %d: %w", qnum, err)
	}

	q := &kernelQueue{
		nf:   nf,
		qnum: qnum,
		log:  d.log,
		ch:   make(chan RawPacket, 256),
	}

	err = nf.RegisterWithErrorFunc(ctx, q.handle, q.handleError)
	if err != nil {
		nf.Close()
		return nil, fmt.Errorf("register queue %d: %w", qnum, err)
	}
	return q, nil
}

type kernelQueue struct {
	nf   *nfq.Nfqueue
	qnum uint16
	log  *reporting.Logger
	ch   chan RawPacket
}

// handle runs on the netlink receive loop; it must not block, so a full
// delivery channel accepts the packet outright rather than building a
// kernel backlog.
func (q *kernelQueue) handle(a nfq.Attribute) int {
	if a.PacketID == nil || a.Payload == nil {
		return 0
	}
	data := make([]byte, len(*a.Payload))
	copy(data, *a.Payload)
	select {
	case q.ch <- RawPacket{ID: *a.PacketID, Data: data}:
	default:
		q.log.Warn("queue backlog full, accepting packet unmodified", "queue", q.qnum)
		if err := q.nf.SetVerdict(*a.PacketID, nfq.NfAccept); err != nil {
			q.log.Warn("overflow verdict failed", "queue", q.qnum, "error", err)
		}
	}
	return 0
}

func (q *kernelQueue) handleError(e error) int {
	q.log.Warn("queue receive error", "queue", q.qnum, "error", e)
	return 0
}

func (q *kernelQueue) Packets() <-chan RawPacket { return q.ch }

func (q *kernelQueue) SetVerdict(id uint32, v Verdict, payload []byte) error {
	switch v {
	case VerdictAccept:
		return q.nf.SetVerdict(id, nfq.NfAccept)
	case VerdictDrop:
		return q.nf.SetVerdict(id, nfq.NfDrop)
	case VerdictAcceptModified:
		return q.nf.SetVerdictModPacket(id, nfq.NfAccept, payload)
	default:
		return fmt.Errorf("unknown verdict %d", v)
	}
}

func (q *kernelQueue) Close() error {
	return q.nf.Close()
}
