package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/packet-mangler/pkg/config"
)

func TestParseFullConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`{
		"cmd": "curl -s http://[::1]:8000/{i}",
		"nfrules": [
			{"qnum": 0, "proto": "tcp", "port": "8000", "ipv4": false, "host6": "::1"},
			{"qnum": 2, "output_chain": false}
		],
		"input": [{"mod_name": "print"}],
		"output": [
			{"mod_name": "fragment6", "mod_opts": "range 1280 1361 40"},
			{"mod_name": "echo", "mod_opts": ["str marker"], "optional": true}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "curl -s http://[::1]:8000/{i}", cfg.Cmd)
	require.Len(t, cfg.NFRules, 2)

	r0 := cfg.NFRules[0]
	assert.Equal(t, uint16(0), r0.QNum)
	assert.True(t, r0.OutputEnabled())
	assert.True(t, r0.InputEnabled())
	assert.False(t, r0.V4Enabled())
	assert.True(t, r0.V6Enabled())
	assert.Equal(t, "::1", r0.Host6)

	r1 := cfg.NFRules[1]
	assert.False(t, r1.OutputEnabled())
	assert.True(t, r1.V4Enabled())

	require.Len(t, cfg.Output, 2)
	assert.Equal(t, "fragment6", cfg.Output[0].ModName)
	assert.False(t, cfg.Output[0].Optional)
	assert.True(t, cfg.Output[1].Optional)
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"cmd": }`},
		{"missing cmd", `{"nfrules": [{"qnum": 0}]}`},
		{"missing nfrules", `{"cmd": "/bin/true"}`},
		{"empty nfrules", `{"cmd": "/bin/true", "nfrules": []}`},
		{"rule without qnum", `{"cmd": "/bin/true", "nfrules": [{}]}`},
		{"odd qnum", `{"cmd": "/bin/true", "nfrules": [{"qnum": 1}]}`},
		{"unknown top-level field", `{"cmd": "/bin/true", "nfrules": [{"qnum": 0}], "extra": 1}`},
		{"unknown rule field", `{"cmd": "/bin/true", "nfrules": [{"qnum": 0, "chain": "FORWARD"}]}`},
		{"mod without name", `{"cmd": "/bin/true", "nfrules": [{"qnum": 0}], "output": [{"mod_opts": 1}]}`},
		{"bad mod name shape", `{"cmd": "/bin/true", "nfrules": [{"qnum": 0}], "output": [{"mod_name": "DropOne"}]}`},
		{"boolean mod_opt", `{"cmd": "/bin/true", "nfrules": [{"qnum": 0}], "output": [{"mod_name": "print", "mod_opts": true}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cmd": "/bin/true",
		"nfrules": [{"qnum": 0}]
	}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", cfg.Cmd)

	_, err = config.Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
