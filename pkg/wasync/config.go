// wasync - Conversation synchronization engine for the LeadWire CRM.
// Copyright (C) 2026 LeadWire
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wasync

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// DefaultReconcileInterval is used when reconcile_interval is unset.
const DefaultReconcileInterval = 30 * time.Second

// Config is the engine configuration, loaded from YAML.
type Config struct {
	// CountryCode is the dialing prefix upstream producers inconsistently
	// include in contact identifiers (e.g. "55"). Empty disables the
	// prefix-add/strip variants during canonicalization.
	CountryCode string `yaml:"country_code"`

	// ReconcileInterval is the fixed period between authoritative re-pulls,
	// as a Go duration string ("30s", "2m").
	ReconcileInterval string `yaml:"reconcile_interval"`

	Store  StoreConfig  `yaml:"store"`
	Blobs  BlobConfig   `yaml:"blobs"`
	Ingest IngestConfig `yaml:"ingest"`

	reconcileInterval time.Duration
}

// StoreConfig selects and configures the message log backend.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`
}

// BlobConfig configures the local attachment blob store.
type BlobConfig struct {
	Dir string `yaml:"dir"`
}

// IngestConfig configures the RabbitMQ ingest bridge.
type IngestConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates the config and applies defaults.
func (c *Config) PostProcess() error {
	if c.ReconcileInterval == "" {
		c.reconcileInterval = DefaultReconcileInterval
		return nil
	}
	d, err := time.ParseDuration(c.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("invalid reconcile_interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("reconcile_interval must be positive, got %s", d)
	}
	c.reconcileInterval = d
	return nil
}

// ReconcilePeriod returns the parsed reconciliation interval. Always
// positive, even for hand-built configs that never went through
// PostProcess.
func (c *Config) ReconcilePeriod() time.Duration {
	if c.reconcileInterval > 0 {
		return c.reconcileInterval
	}
	if d, err := time.ParseDuration(c.ReconcileInterval); err == nil && d > 0 {
		return d
	}
	return DefaultReconcileInterval
}

// LoadConfig parses a YAML config document.
func LoadConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.reconcileInterval == 0 {
		if err := cfg.PostProcess(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
