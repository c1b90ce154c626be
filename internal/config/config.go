/*
File Name:  config.go
Author:     dpc contributors

Node-local configuration, loaded once at startup and threaded through
every component by explicit construction (never read from package
globals or the environment at call time).
*/

package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the current node software version.
const Version = "0.1.0"

// PeerSeed is a single DHT bootstrap contact.
type PeerSeed struct {
	NodeId  string `yaml:"NodeId"`
	Address string `yaml:"Address"` // host:port
}

// Config is a single node's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"` // set by Load, not persisted

	ListenAddress string `yaml:"ListenAddress"` // TLS transport listen address
	ListenUDP     string `yaml:"ListenUDP"`     // DHT + DTLS listen address

	SeedList []PeerSeed `yaml:"SeedList"`

	StunServers []string `yaml:"StunServers"`
	TurnServers []string `yaml:"TurnServers"`

	HubURL   string `yaml:"HubURL"`
	HubToken string `yaml:"HubToken"`

	DHT struct {
		K                     int           `yaml:"K"`
		Alpha                 int           `yaml:"Alpha"`
		SubnetDiversityLimit  int           `yaml:"SubnetDiversityLimit"`
		BucketRefreshInterval time.Duration `yaml:"BucketRefreshInterval"`
		RPCTimeout            time.Duration `yaml:"RPCTimeout"`
		RPCMaxRetries         int           `yaml:"RPCMaxRetries"`
		MaxPacketSize         int           `yaml:"MaxPacketSize"`
		RateLimitPerWindow    int           `yaml:"RateLimitPerWindow"`
		RateLimitWindow       time.Duration `yaml:"RateLimitWindow"`
		StaleThreshold        time.Duration `yaml:"StaleThreshold"`
	} `yaml:"DHT"`

	Consensus struct {
		Threshold     float64       `yaml:"Threshold"`
		VoteDeadline  time.Duration `yaml:"VoteDeadline"`
	} `yaml:"Consensus"`

	Session struct {
		Deadline time.Duration `yaml:"Deadline"`
	} `yaml:"Session"`

	Gossip struct {
		Fanout  int           `yaml:"Fanout"`
		TTL     time.Duration `yaml:"TTL"`
		MaxHops int           `yaml:"MaxHops"`
	} `yaml:"Gossip"`

	Inference struct {
		RemoteTimeout time.Duration `yaml:"RemoteTimeout"`
	} `yaml:"Inference"`
}

// Default returns a config with the spec's documented defaults.
func Default(homeDir string) *Config {
	c := &Config{
		HomeDir:       homeDir,
		ListenAddress: "0.0.0.0:7870",
		ListenUDP:     "0.0.0.0:7871",
	}
	c.DHT.K = 20
	c.DHT.Alpha = 3
	c.DHT.SubnetDiversityLimit = 2
	c.DHT.BucketRefreshInterval = time.Hour
	c.DHT.RPCTimeout = 5 * time.Second
	c.DHT.RPCMaxRetries = 2
	c.DHT.MaxPacketSize = 8 * 1024
	c.DHT.RateLimitPerWindow = 100
	c.DHT.RateLimitWindow = time.Second
	c.DHT.StaleThreshold = 15 * time.Minute

	c.Consensus.Threshold = 0.75
	c.Consensus.VoteDeadline = 10 * time.Minute

	c.Session.Deadline = 60 * time.Second

	c.Gossip.Fanout = 4
	c.Gossip.TTL = 24 * time.Hour
	c.Gossip.MaxHops = 5

	c.Inference.RemoteTimeout = 60 * time.Second

	return c
}

// Load reads a YAML configuration file, falling back to Default values
// for any field the file omits and for a wholly missing/empty file.
// Status: 0 = Unknown error checking config file, 1 = Error reading config
// file, 2 = Error parsing config file, 3 = Success.
func Load(filename, homeDir string) (cfg *Config, status int, err error) {
	cfg = Default(homeDir)

	stats, statErr := os.Stat(filename)
	if statErr != nil && os.IsNotExist(statErr) {
		return cfg, 3, nil
	} else if statErr != nil {
		return nil, 0, statErr
	}
	if stats.Size() == 0 {
		return cfg, 3, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, 1, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, 2, err
	}
	cfg.HomeDir = homeDir
	return cfg, 3, nil
}

// Save writes cfg back to filename as YAML.
func Save(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// HubConfig is the Federation Hub server's runtime configuration.
type HubConfig struct {
	ListenAddress string `yaml:"ListenAddress"`
	UseSSL        bool   `yaml:"UseSSL"`
	CertificateFile string `yaml:"CertificateFile"`
	CertificateKey  string `yaml:"CertificateKey"`

	JWTSecret         string `yaml:"JWTSecret"`
	LocalCallbackPort int    `yaml:"LocalCallbackPort"`

	GeoIPDatabase     string   `yaml:"GeoIPDatabase"`
	BlockedCountries  []string `yaml:"BlockedCountries"`
}

// DefaultHubConfig returns the Hub's documented defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		ListenAddress:     "0.0.0.0:8443",
		LocalCallbackPort: 7890,
	}
}

// LoadHubConfig reads the Hub's YAML configuration file, falling back
// to DefaultHubConfig for a missing or empty file.
func LoadHubConfig(filename string) (cfg *HubConfig, err error) {
	cfg = DefaultHubConfig()

	stats, statErr := os.Stat(filename)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return cfg, nil
		}
		return nil, statErr
	}
	if stats.Size() == 0 {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
