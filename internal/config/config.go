package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node in logs and events.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// P2PConfig controls the peer link listener and the initial peer list.
type P2PConfig struct {
	ListenAddr  string        `yaml:"listen_addr"`
	Peers       []string      `yaml:"peers"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SendBuffer  int           `yaml:"send_buffer"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Stdout     bool   `yaml:"stdout"`
	Debug      bool   `yaml:"debug"`
}

// Config is the top-level structure of the node YAML file.
type Config struct {
	Node NodeConfig `yaml:"node"`
	P2P  P2PConfig  `yaml:"p2p"`
	HTTP HTTPConfig `yaml:"http"`
	Log  LogConfig  `yaml:"log"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{ID: "node1"},
		P2P: P2PConfig{
			ListenAddr:  "127.0.0.1:6001",
			DialTimeout: 5 * time.Second,
			SendBuffer:  64,
		},
		HTTP: HTTPConfig{ListenAddr: "127.0.0.1:3001"},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			Stdout:     true,
		},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "open config %s", path)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides listen ports and the peer list from P2P_PORT,
// HTTP_PORT and PEERS (comma separated host:port list).
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("P2P_PORT")); v != "" {
		addr, err := withPort(c.P2P.ListenAddr, v)
		if err != nil {
			return errors.Wrap(err, "P2P_PORT")
		}
		c.P2P.ListenAddr = addr
	}
	if v := strings.TrimSpace(getenv("HTTP_PORT")); v != "" {
		addr, err := withPort(c.HTTP.ListenAddr, v)
		if err != nil {
			return errors.Wrap(err, "HTTP_PORT")
		}
		c.HTTP.ListenAddr = addr
	}
	if v := getenv("PEERS"); strings.TrimSpace(v) != "" {
		c.P2P.Peers = ParseCSV(v)
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return errors.New("node.id is required")
	}
	if _, _, err := net.SplitHostPort(c.P2P.ListenAddr); err != nil {
		return errors.Wrapf(err, "p2p.listen_addr %q", c.P2P.ListenAddr)
	}
	if c.HTTP.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.ListenAddr); err != nil {
			return errors.Wrapf(err, "http.listen_addr %q", c.HTTP.ListenAddr)
		}
	}
	for _, p := range c.P2P.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return errors.Wrapf(err, "p2p.peers entry %q", p)
		}
	}
	if c.P2P.DialTimeout <= 0 {
		return errors.New("p2p.dial_timeout must be positive")
	}
	if c.P2P.SendBuffer <= 0 {
		return errors.New("p2p.send_buffer must be positive")
	}
	return nil
}

// ParseCSV splits a comma-separated list, dropping blanks.
func ParseCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func withPort(addr, port string) (string, error) {
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", errors.Errorf("invalid port %q", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port), nil
}
