// Package config loads the tunable cluster parameters from a YAML file,
// falling back to the documented defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the comms and membership layers read.
type Config struct {
	// ClusterName identifies the cluster on the wire (folded into the
	// 16-bit cluster id) and is matched exactly during JOINREQ handling.
	ClusterName string `yaml:"cluster_name"`

	// NodeName is this process's cluster-visible name.
	NodeName string `yaml:"node_name"`

	// TwoNode sets quorum to 1 unconditionally (external fencing required).
	TwoNode bool `yaml:"two_node"`

	// Votes and ExpectedVotes seed this node's contribution to quorum.
	Votes         uint32 `yaml:"votes"`
	ExpectedVotes uint32 `yaml:"expected_votes"`

	JoinWaitTimeout    time.Duration `yaml:"joinwait_timeout"`
	JoinConfTimeout    time.Duration `yaml:"joinconf_timeout"`
	JoinTimeout        time.Duration `yaml:"join_timeout"`
	HelloTimer         time.Duration `yaml:"hello_timer"`
	DeadNodeTimeout    time.Duration `yaml:"deadnode_timeout"`
	TransitionTimeout  time.Duration `yaml:"transition_timeout"`
	TransitionRestarts int           `yaml:"transition_restarts"`
	MaxNodes           int           `yaml:"max_nodes"`
	NewClusterTimeout  time.Duration `yaml:"newcluster_timeout"`

	// QuorumDeviceVotes, when positive, registers a pseudo quorum device at
	// startup contributing this many votes while its heartbeat endpoint
	// keeps hearing from an external process within deadnode_timeout.
	QuorumDeviceVotes uint32 `yaml:"quorum_device_votes"`
}

// Defaults returns the built-in default parameter table.
func Defaults() *Config {
	return &Config{
		ClusterName:        "default",
		Votes:              1,
		ExpectedVotes:      1,
		JoinWaitTimeout:    16 * time.Second,
		JoinConfTimeout:    5 * time.Second,
		JoinTimeout:        30 * time.Second,
		HelloTimer:         5 * time.Second,
		DeadNodeTimeout:    21 * time.Second,
		TransitionTimeout:  15 * time.Second,
		TransitionRestarts: 10,
		MaxNodes:           128,
		NewClusterTimeout:  10 * time.Second,
	}
}

// Load reads a YAML config file, overlaying it onto Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster_name must not be empty")
	}
	if c.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if c.MaxNodes <= 0 {
		return fmt.Errorf("max_nodes must be positive")
	}
	if c.TransitionRestarts <= 0 {
		return fmt.Errorf("transition_restarts must be positive")
	}
	return nil
}
