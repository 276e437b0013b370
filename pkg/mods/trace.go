package mods

import (
	"fmt"

	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "echo",
		Usage: "echo <string>\n" +
			"  Append <string> to the run trace for anchoring; carrier unchanged.",
		Params: []Param{{Name: "message", Kind: ParamStr}},
		Build: func(args []Arg) (Modification, error) {
			s, err := args[0].Str()
			if err != nil {
				return nil, err
			}
			return &Echo{Msg: s}, nil
		},
	})

	register(&Kind{
		Name: "print",
		Usage: "print\n" +
			"  Log a human dump of every packet in the carrier; carrier unchanged.",
		Params: nil,
		Build: func(args []Arg) (Modification, error) {
			return &Print{}, nil
		},
	})
}

// Echo appends a sentinel string to the side-channel trace. It observes
// zero-length carriers too, which is why the pipeline never early-exits.
type Echo struct {
	Msg string
}

func (m *Echo) Name() string     { return "echo" }
func (m *Echo) Describe() string { return fmt.Sprintf("echo(%q)", m.Msg) }

func (m *Echo) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	rc.Trace(m.Msg)
	rc.Log.Debug("echo", "msg", m.Msg, "carrier_len", c.Len())
	return c, nil
}

// Print logs a decode of every packet in the carrier.
type Print struct{}

func (m *Print) Name() string     { return "print" }
func (m *Print) Describe() string { return "print" }

func (m *Print) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	for i, e := range c.Entries() {
		rc.Log.Info("packet", "index", i, "delay", e.Delay, "decode", e.Packet.String())
	}
	return c, nil
}
