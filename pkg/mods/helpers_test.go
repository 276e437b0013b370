package mods_test

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
	"github.com/jihwankim/packet-mangler/pkg/mods"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

func newRC() *mods.RunContext {
	return mods.NewRunContext(42, reporting.Nop())
}

func udp4(t *testing.T, payload []byte) *carrier.Packet {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: 5000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	pkt, err := carrier.Serialize(ip, udp, gopacket.Payload(payload))
	require.NoError(t, err)
	return pkt
}

func udp6(t *testing.T, payload []byte) *carrier.Packet {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: 5000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	pkt, err := carrier.Serialize(ip, udp, gopacket.Payload(payload))
	require.NoError(t, err)
	return pkt
}

func tcp4(t *testing.T, payload []byte, seq uint32, syn, fin bool) *carrier.Packet {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{
		SrcPort: 4000,
		DstPort: 5000,
		Seq:     seq,
		ACK:     true,
		PSH:     true,
		SYN:     syn,
		FIN:     fin,
		Window:  64240,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	pkt, err := carrier.Serialize(ip, tcp, gopacket.Payload(payload))
	require.NoError(t, err)
	return pkt
}

func carrierOf(pkts ...*carrier.Packet) *carrier.Carrier {
	c := carrier.New()
	for _, p := range pkts {
		c.Append(p, 0)
	}
	return c
}

// build constructs a concrete instance of a registered kind from raw
// mod_opts the way the expander would, requiring exactly one test.
func build(t *testing.T, name string, opts any) mods.Modification {
	t.Helper()
	kind, err := mods.Lookup(name)
	require.NoError(t, err)
	parsed, err := atoms.ParseOpts(opts)
	require.NoError(t, err)
	axes, err := kind.Enumerate(parsed)
	require.NoError(t, err)
	args := make([]mods.Arg, len(axes))
	for i, axis := range axes {
		require.Len(t, axis, 1, "argument %d enumerates more than one value", i)
		args[i] = axis[0]
	}
	m, err := kind.Build(args)
	require.NoError(t, err)
	return m
}

// buildErrFor is like build but surfaces the construction error.
func buildErrFor(t *testing.T, kind *mods.Kind, raw any) (mods.Modification, error) {
	t.Helper()
	parsed, err := atoms.ParseOpts(raw)
	if err != nil {
		return nil, err
	}
	axes, err := kind.Enumerate(parsed)
	if err != nil {
		return nil, err
	}
	args := make([]mods.Arg, len(axes))
	for i, axis := range axes {
		args[i] = axis[0]
	}
	return kind.Build(args)
}

func payloads(c *carrier.Carrier) [][]byte {
	out := make([][]byte, c.Len())
	for i, e := range c.Entries() {
		out[i] = e.Packet.Bytes()
	}
	return out
}
