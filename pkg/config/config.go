// Package config loads and validates the JSON suite configuration. A
// configuration describes the diversion rules, the two modification
// pipelines, and the command template one suite runs.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

// ConfigError reports a malformed configuration file. The suite aborts
// pre-run when it sees one.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the decoded suite configuration.
type Config struct {
	// Cmd is the command template; {i} expands to the test index and
	// {j} to the retry iteration.
	Cmd string `json:"cmd"`

	// NFRules are the diversion rule descriptions, at least one.
	NFRules []RuleConfig `json:"nfrules"`

	// Input and Output describe the per-direction pipelines.
	Input  []ModConfig `json:"input,omitempty"`
	Output []ModConfig `json:"output,omitempty"`
}

// RuleConfig describes one diversion rule. Boolean pointers distinguish
// "absent" (default true) from an explicit false.
type RuleConfig struct {
	OutputChain *bool  `json:"output_chain,omitempty"`
	InputChain  *bool  `json:"input_chain,omitempty"`
	Proto       string `json:"proto,omitempty"`
	Host        string `json:"host,omitempty"`
	Host6       string `json:"host6,omitempty"`
	Port        string `json:"port,omitempty"`
	IPv4        *bool  `json:"ipv4,omitempty"`
	IPv6        *bool  `json:"ipv6,omitempty"`
	QNum        uint16 `json:"qnum"`
}

func defaultTrue(b *bool) bool { return b == nil || *b }

// OutputEnabled reports whether the rule covers the OUTPUT chain.
func (r RuleConfig) OutputEnabled() bool { return defaultTrue(r.OutputChain) }

// InputEnabled reports whether the rule covers the INPUT chain.
func (r RuleConfig) InputEnabled() bool { return defaultTrue(r.InputChain) }

// V4Enabled reports whether the rule applies to IPv4.
func (r RuleConfig) V4Enabled() bool { return defaultTrue(r.IPv4) }

// V6Enabled reports whether the rule applies to IPv6.
func (r RuleConfig) V6Enabled() bool { return defaultTrue(r.IPv6) }

// ModConfig describes one modification in a pipeline. ModOpts is either
// a single scalar or an array of scalars / typed-atom strings; parsing
// happens in the expander.
type ModConfig struct {
	ModName  string `json:"mod_name"`
	ModOpts  any    `json:"mod_opts,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("embedded schema does not parse: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("embedded schema rejected: %v", err))
	}
	sch, err := compiler.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("embedded schema does not compile: %v", err))
	}
	return sch
}

// Load reads, schema-validates, and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse validates and decodes configuration bytes.
func Parse(data []byte) (*Config, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &cfg, nil
}
