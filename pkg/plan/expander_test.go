package plan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/plan"
)

func parse(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func TestExpandSingleTest(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0, "input_chain": false, "ipv4": false}],
		"output": [{"mod_name": "echo", "mod_opts": "str x"}]
	}`)

	tests, err := plan.Expand(cfg)
	require.NoError(t, err)
	require.Len(t, tests, 1)

	tt := tests[0]
	assert.Equal(t, 0, tt.Index)
	assert.Equal(t, "/bin/true", tt.Command(0))
	assert.Len(t, tt.Output.Mods, 1)
	assert.Empty(t, tt.Input.Mods)
}

func TestExpandRange(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [{"mod_name": "fragment6", "mod_opts": "range 50 151 50"}]
	}`)

	tests, err := plan.Expand(cfg)
	require.NoError(t, err)
	require.Len(t, tests, 3)

	for i, size := range []string{"50", "100", "150"} {
		args := tests[i].Output.Mods[0].Args
		assert.Equal(t, size, args[0].String(), "test %d", i)
	}
}

func TestExpandCartesianOrder(t *testing.T) {
	// Two mods side by side: 3 x 5 = 15 tests, earliest mod's atom is
	// the slowest-changing index.
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [
			{"mod_name": "drop_one", "mod_opts": "seq_int 1 2 3"},
			{"mod_name": "delay", "mod_opts": "range 5"}
		]
	}`)

	tests, err := plan.Expand(cfg)
	require.NoError(t, err)
	require.Len(t, tests, 15)

	tuple := func(i int) (string, string) {
		ms := tests[i].Output.Mods
		return ms[0].Args[0].String(), ms[1].Args[0].String()
	}

	a, b := tuple(0)
	assert.Equal(t, "1", a)
	assert.Equal(t, "0", b)

	a, b = tuple(14)
	assert.Equal(t, "3", a)
	assert.Equal(t, "4", b)

	// Adjacent tests differ only in the latest parameter.
	a0, _ := tuple(3)
	a1, _ := tuple(4)
	assert.Equal(t, a0, a1)
}

func TestExpandBothPipelines(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"input": [{"mod_name": "drop_one", "mod_opts": "seq_int 0 1"}],
		"output": [{"mod_name": "delay", "mod_opts": "seq_int 10 20 30"}]
	}`)

	tests, err := plan.Expand(cfg)
	require.NoError(t, err)
	assert.Len(t, tests, 6)

	count, err := plan.Cardinality(cfg)
	require.NoError(t, err)
	assert.Equal(t, len(tests), count)
}

func TestExpandDeterminism(t *testing.T) {
	raw := `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [
			{"mod_name": "drop_one", "mod_opts": "seq_int 1 2 3"},
			{"mod_name": "fragment6", "mod_opts": "range 64 257 64"}
		]
	}`
	tests1, err := plan.Expand(parse(t, raw))
	require.NoError(t, err)
	tests2, err := plan.Expand(parse(t, raw))
	require.NoError(t, err)

	require.Equal(t, len(tests1), len(tests2))
	for i := range tests1 {
		assert.Equal(t, tests1[i].ParamTuple(), tests2[i].ParamTuple(), "test %d", i)
	}
}

func TestSequenceParamBindsWholesale(t *testing.T) {
	// select's index list is one value, not an enumeration axis.
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [{"mod_name": "select", "mod_opts": "seq_int 0 2 1"}]
	}`)

	tests, err := plan.Expand(cfg)
	require.NoError(t, err)
	assert.Len(t, tests, 1)
}

func TestCommandSubstitution(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "sh -c 'exit {i}'; echo {j}",
		"nfrules": [{"qnum": 0}]
	}`)
	tests, err := plan.Expand(cfg)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "sh -c 'exit 0'; echo 3", tests[0].Command(3))
}

func TestCheckAcceptsValidConfig(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}, {"qnum": 2, "proto": "tcp", "port": "8080"}],
		"input": [{"mod_name": "print"}],
		"output": [{"mod_name": "echo", "mod_opts": "str x", "optional": true}]
	}`)
	assert.NoError(t, plan.Check(cfg))
}

func TestCheckRejectsUnknownModification(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [{"mod_name": "no_such_mod"}]
	}`)
	assert.Error(t, plan.Check(cfg))
}

func TestCheckRejectsBadOpts(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [{"mod_name": "drop_one", "mod_opts": "range 1 2 0"}]
	}`)
	assert.Error(t, plan.Check(cfg))

	cfg = parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}],
		"output": [{"mod_name": "drop_one"}]
	}`)
	assert.Error(t, plan.Check(cfg), "drop_one requires its index argument")
}

func TestCheckRejectsDuplicateQueueNumbers(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}, {"qnum": 0}]
	}`)
	assert.Error(t, plan.Check(cfg))
}

func TestCheckRejectsUnknownPlaceholder(t *testing.T) {
	cfg := parse(t, `{
		"cmd": "run {index}",
		"nfrules": [{"qnum": 0}]
	}`)
	assert.Error(t, plan.Check(cfg))
}
