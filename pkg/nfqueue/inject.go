package nfqueue

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

// InjectMark is the firewall mark set on injector sockets. Diversion
// rules exclude marked traffic so re-injected packets are not diverted
// a second time.
const InjectMark = 0x6d67

// Injector re-injects pipeline-built packets that cannot ride the
// original packet's verdict (everything past the first entry).
type Injector interface {
	Inject(pkt *carrier.Packet) error
	Close() error
}

// RawInjector writes packets through IPPROTO_RAW sockets with the IP
// header included.
type RawInjector struct {
	fd4, fd6 int
}

// NewRawInjector opens the IPv4 and IPv6 raw sockets. Requires
// CAP_NET_RAW.
func NewRawInjector() (*RawInjector, error) {
	fd4, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("open raw v4 socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd4, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd4)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}
	if err := unix.SetsockoptInt(fd4, unix.SOL_SOCKET, unix.SO_MARK, InjectMark); err != nil {
		unix.Close(fd4)
		return nil, fmt.Errorf("set SO_MARK on v4 socket: %w", err)
	}

	fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(fd4)
		return nil, fmt.Errorf("open raw v6 socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd6, unix.IPPROTO_IPV6, unix.IPV6_HDRINCL, 1); err != nil {
		unix.Close(fd4)
		unix.Close(fd6)
		return nil, fmt.Errorf("set IPV6_HDRINCL: %w", err)
	}
	if err := unix.SetsockoptInt(fd6, unix.SOL_SOCKET, unix.SO_MARK, InjectMark); err != nil {
		unix.Close(fd4)
		unix.Close(fd6)
		return nil, fmt.Errorf("set SO_MARK on v6 socket: %w", err)
	}

	return &RawInjector{fd4: fd4, fd6: fd6}, nil
}

// Inject sends one packet toward its destination address.
func (r *RawInjector) Inject(pkt *carrier.Packet) error {
	switch pkt.Family() {
	case 4:
		ip := pkt.IPv4()
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip.DstIP.To4())
		if err := unix.Sendto(r.fd4, pkt.Bytes(), 0, &sa); err != nil {
			return fmt.Errorf("inject v4 packet to %s: %w", ip.DstIP, err)
		}
		return nil
	case 6:
		ip := pkt.IPv6()
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], ip.DstIP.To16())
		if err := unix.Sendto(r.fd6, pkt.Bytes(), 0, &sa); err != nil {
			return fmt.Errorf("inject v6 packet to %s: %w", ip.DstIP, err)
		}
		return nil
	default:
		return fmt.Errorf("inject: packet has no IP layer")
	}
}

// Close releases both sockets.
func (r *RawInjector) Close() error {
	err4 := unix.Close(r.fd4)
	err6 := unix.Close(r.fd6)
	if err4 != nil {
		return err4
	}
	return err6
}
