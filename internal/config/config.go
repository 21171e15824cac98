// Package config loads the HCL configuration shared by macrod and flyd-sim.
//
// Example:
//
//	workspace_id  = "ws-1"
//	machine_id    = "0b6c..."
//	http_addr     = ":8081"
//	fetch_timeout = "10s"
//
//	nats {
//	  url     = "nats://localhost:4222"
//	  subject = "machines.lifecycle"
//	}
//
//	flyd {
//	  grpc_addr = "localhost:50051"
//	}
//
//	log {
//	  level       = "debug"
//	  development = true
//	}
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the decoded configuration file.
type Config struct {
	WorkspaceID  string `hcl:"workspace_id,optional"`
	MachineID    string `hcl:"machine_id,optional"`
	HTTPAddr     string `hcl:"http_addr,optional"`
	FetchTimeout string `hcl:"fetch_timeout,optional"`

	NATS      *NATS      `hcl:"nats,block"`
	Flyd      *Flyd      `hcl:"flyd,block"`
	Log       *Log       `hcl:"log,block"`
	Telemetry *Telemetry `hcl:"telemetry,block"`
}

type NATS struct {
	URL     string `hcl:"url,optional"`
	Subject string `hcl:"subject,optional"`
}

// Flyd configures both the simulator and the agent's connection to it.
type Flyd struct {
	GRPCAddr    string `hcl:"grpc_addr,optional"`
	HTTPAddr    string `hcl:"http_addr,optional"`
	MetricsAddr string `hcl:"metrics_addr,optional"`
	DBPath      string `hcl:"db_path,optional"`
	PortBase    int    `hcl:"port_base,optional"`
	BootDelay   string `hcl:"boot_delay,optional"`
}

type Log struct {
	Level       string `hcl:"level,optional"`
	Development bool   `hcl:"development,optional"`
}

type Telemetry struct {
	// Traces enables the stdout span exporter.
	Traces bool `hcl:"traces,optional"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load decodes an HCL file, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	c, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Read decodes an HCL file and fills in defaults without validating, for
// callers that override values before calling Validate.
func Read(path string) (*Config, error) {
	var c Config
	if err := hclsimple.DecodeFile(path, nil, &c); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

// Parse decodes HCL source; filename is used for diagnostics and must end
// in ".hcl".
func Parse(filename string, src []byte) (*Config, error) {
	var c Config
	if err := hclsimple.Decode(filename, src, nil, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filename, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8081"
	}
	if c.NATS == nil {
		c.NATS = &NATS{}
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "machines.lifecycle"
	}
	if c.Flyd == nil {
		c.Flyd = &Flyd{}
	}
	if c.Flyd.GRPCAddr == "" {
		c.Flyd.GRPCAddr = "localhost:50051"
	}
	if c.Flyd.HTTPAddr == "" {
		c.Flyd.HTTPAddr = ":8080"
	}
	if c.Flyd.MetricsAddr == "" {
		c.Flyd.MetricsAddr = ":9090"
	}
	if c.Flyd.DBPath == "" {
		c.Flyd.DBPath = "./data/badger"
	}
	if c.Flyd.PortBase == 0 {
		c.Flyd.PortBase = 21212
	}
	if c.Flyd.BootDelay == "" {
		c.Flyd.BootDelay = "500ms"
	}
	if c.Log == nil {
		c.Log = &Log{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry == nil {
		c.Telemetry = &Telemetry{}
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.FetchTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.BootDelayDuration(); err != nil {
		return err
	}
	if c.Flyd.PortBase < 1 || c.Flyd.PortBase > 65535 {
		return fmt.Errorf("%w: port_base %d out of range", ErrInvalid, c.Flyd.PortBase)
	}
	if c.MachineID != "" && c.WorkspaceID == "" {
		return fmt.Errorf("%w: machine_id requires workspace_id", ErrInvalid)
	}
	return nil
}

// FetchTimeoutDuration parses fetch_timeout. Empty means no timeout.
func (c *Config) FetchTimeoutDuration() (time.Duration, error) {
	return parseDuration("fetch_timeout", c.FetchTimeout)
}

// BootDelayDuration parses flyd.boot_delay.
func (c *Config) BootDelayDuration() (time.Duration, error) {
	return parseDuration("boot_delay", c.Flyd.BootDelay)
}

func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
	}
	return d, nil
}
