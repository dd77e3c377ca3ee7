// Package config loads the daemon configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/cluster"
)

// DefaultPath is used when neither a flag nor MDTX_CONFIG names a file.
const DefaultPath = "/etc/mdtx/mdtx.toml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Collection configures one cached collection.
type Collection struct {
	Name       string  `toml:"name"`
	CacheDir   string  `toml:"cache_dir"`
	CacheSize  int64   `toml:"cache_size"`
	MaxScore   float64 `toml:"max_score"`
	Redundancy int     `toml:"redundancy"`

	KeepTTL    time.Duration `toml:"-"`
	KeepTTLRaw string        `toml:"keep_ttl,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	Fingerprint string   `toml:"fingerprint"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	Networks    []string `toml:"networks"`
	Gateways    []string `toml:"gateways"`

	PIDFile    string `toml:"pid_file"`
	StateDB    string `toml:"state_db"`
	LogFile    string `toml:"log_file,omitempty"`
	SocksProxy string `toml:"socks_proxy,omitempty"`
	URLBase    string `toml:"url_base,omitempty"`

	MaxSocketJobs int `toml:"max_socket_jobs"`
	MaxSignalJobs int `toml:"max_signal_jobs"`
	NotifyFanout  int `toml:"notify_fanout"`

	NotifyInterval    time.Duration `toml:"-"`
	NotifyIntervalRaw string        `toml:"notify_interval"`
	ProbeInterval     time.Duration `toml:"-"`
	ProbeIntervalRaw  string        `toml:"probe_interval"`
	DialTimeout       time.Duration `toml:"-"`
	DialTimeoutRaw    string        `toml:"dial_timeout"`

	Collections []Collection         `toml:"collection"`
	Peers       []cluster.ServerInfo `toml:"peer"`

	// Path is the file the configuration was read from.
	Path string `toml:"-"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Host:              "localhost",
		Port:              6561,
		PIDFile:           "/var/run/mdtx/mdtxd.pid",
		StateDB:           "/var/lib/mdtx/records.db",
		MaxSocketJobs:     10,
		MaxSignalJobs:     3,
		NotifyFanout:      8,
		NotifyIntervalRaw: "5m",
		ProbeIntervalRaw:  "1m",
		DialTimeoutRaw:    "30s",
	}
}

// ResolvePath picks the configuration file: flag, then $MDTX_CONFIG, then
// DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	return getenv("MDTX_CONFIG", DefaultPath)
}

// Load reads and validates the file at path. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.Path = abs
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration held in memory; Path stays empty.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	var err error
	if c.NotifyInterval, err = parseDuration("notify_interval", c.NotifyIntervalRaw); err != nil {
		return err
	}
	if c.ProbeInterval, err = parseDuration("probe_interval", c.ProbeIntervalRaw); err != nil {
		return err
	}
	if c.DialTimeout, err = parseDuration("dial_timeout", c.DialTimeoutRaw); err != nil {
		return err
	}
	for i := range c.Collections {
		col := &c.Collections[i]
		if col.KeepTTL, err = parseDuration("keep_ttl", col.KeepTTLRaw); err != nil {
			return err
		}
	}
	if c.Fingerprint == "" {
		// stable for a given address, so records survive restarts
		c.Fingerprint = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mdtx://"+c.Addr())).String()
		log.Printf("[config] no fingerprint configured, using %s", c.Fingerprint)
	}
	return c.Validate()
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

// Validate checks ranges and uniqueness.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if c.MaxSocketJobs <= 0 || c.MaxSignalJobs <= 0 {
		return fmt.Errorf("%w: job limits must be positive", ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("%w: collection without name", ErrInvalid)
		}
		if seen[col.Name] {
			return fmt.Errorf("%w: collection %s defined twice", ErrInvalid, col.Name)
		}
		seen[col.Name] = true
		if col.CacheDir == "" {
			return fmt.Errorf("%w: collection %s has no cache_dir", ErrInvalid, col.Name)
		}
		if col.CacheSize <= 0 {
			return fmt.Errorf("%w: collection %s cache_size must be positive", ErrInvalid, col.Name)
		}
	}
	peers := map[string]bool{c.Fingerprint: true}
	for _, p := range c.Peers {
		if p.Fingerprint == "" {
			return fmt.Errorf("%w: peer %s:%d without fingerprint", ErrInvalid, p.Host, p.Port)
		}
		if peers[p.Fingerprint] {
			return fmt.Errorf("%w: duplicate server %s", ErrInvalid, p.Fingerprint)
		}
		peers[p.Fingerprint] = true
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Local builds the localhost Server.
func (c *Config) Local() *cluster.Server {
	return cluster.NewServer(cluster.ServerInfo{
		Fingerprint: c.Fingerprint,
		Host:        c.Host,
		Port:        c.Port,
		Networks:    c.Networks,
		Gateways:    c.Gateways,
	}, true)
}

// PeerServers builds the configured peers.
func (c *Config) PeerServers() []*cluster.Server {
	out := make([]*cluster.Server, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, cluster.NewServer(p, false))
	}
	return out
}

// CacheConfig converts a collection entry for the cache library.
func (col Collection) CacheConfig() cache.CollectionConfig {
	return cache.CollectionConfig{
		Name:       col.Name,
		CacheSize:  col.CacheSize,
		MaxScore:   col.MaxScore,
		Redundancy: col.Redundancy,
		KeepTTL:    col.KeepTTL,
	}
}

// Dump writes c as TOML.
func (c *Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
