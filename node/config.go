// Package node wires the kademlia, transaction, token, peerstore, and krpc
// packages into a runnable Mainline DHT node (BEP-5 C1-C8 combined): the
// protocol engine's inbound dispatch and outbound origination, the
// iterative find_node/get_peers lookups, and the periodic maintenance that
// keeps the routing table fresh.
//
// Configuration loads from YAML (gopkg.in/yaml.v3) and the command-line
// entrypoint is built on urfave/cli/v2.
package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds a node's runtime tunables.
type Config struct {
	// Port is the local UDP port to bind (0 = OS-assigned).
	Port int `yaml:"port"`

	// BootstrapNodes are "host:port" addresses contacted by Bootstrap.
	BootstrapNodes []string `yaml:"bootstrap_nodes"`

	// ResponseTimeout bounds how long an outbound query waits for a reply.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// BucketRefreshInterval is how often every non-empty bucket is
	// refreshed with a find_node for a random id in its range, whether or
	// not it has seen recent activity.
	BucketRefreshInterval time.Duration `yaml:"bucket_refresh_interval"`

	// ContactRepingInterval is how often known contacts are re-pinged to
	// keep their liveness state current.
	ContactRepingInterval time.Duration `yaml:"contact_reping_interval"`

	// PeerTTL is how long an announced peer is kept without renewal.
	PeerTTL time.Duration `yaml:"peer_ttl"`

	// Alpha is the lookup concurrency parameter for iterative find_node and
	// get_peers lookups.
	Alpha int `yaml:"alpha"`
}

// DefaultConfig returns the package's baseline tunables.
func DefaultConfig() *Config {
	return &Config{
		Port:                  0,
		ResponseTimeout:       5 * time.Second,
		BucketRefreshInterval: 15 * time.Minute,
		ContactRepingInterval: 15 * time.Minute,
		PeerTTL:               time.Hour,
		Alpha:                 3,
	}
}

// rawConfig mirrors Config with duration fields as strings, since yaml.v3
// has no built-in notion of time.Duration and would otherwise require
// every config file to spell durations out in nanoseconds.
type rawConfig struct {
	Port                  int      `yaml:"port"`
	BootstrapNodes        []string `yaml:"bootstrap_nodes"`
	ResponseTimeout       string   `yaml:"response_timeout"`
	BucketRefreshInterval string   `yaml:"bucket_refresh_interval"`
	ContactRepingInterval string   `yaml:"contact_reping_interval"`
	PeerTTL               string   `yaml:"peer_ttl"`
	Alpha                 int      `yaml:"alpha"`
}

// UnmarshalYAML decodes through rawConfig so duration fields accept
// human-readable strings like "15m".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Port = raw.Port
	c.BootstrapNodes = raw.BootstrapNodes
	c.Alpha = raw.Alpha

	for _, field := range []struct {
		text string
		dest *time.Duration
	}{
		{raw.ResponseTimeout, &c.ResponseTimeout},
		{raw.BucketRefreshInterval, &c.BucketRefreshInterval},
		{raw.ContactRepingInterval, &c.ContactRepingInterval},
		{raw.PeerTTL, &c.PeerTTL},
	} {
		if field.text == "" {
			continue
		}
		d, err := time.ParseDuration(field.text)
		if err != nil {
			return fmt.Errorf("node: parse duration %q: %w", field.text, err)
		}
		*field.dest = d
	}
	return nil
}

// LoadConfig reads a YAML config file, applying it over DefaultConfig for
// any field the file leaves unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("node: read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("node: parse config: %w", err)
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	return cfg, nil
}
