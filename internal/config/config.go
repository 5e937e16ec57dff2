// Package config loads node and client settings from ACCT_* environment
// variables. Command-line flags applied afterwards take precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ConorIT/jdiameter/internal/peer"
)

const (
	StoreMemory  = "memory"
	StoreJournal = "journal"
	StoreSQLite  = "sqlite"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

type Node struct {
	OriginHost      string        `env:"ACCT_ORIGIN_HOST" envDefault:"acct-node"`
	OriginRealm     string        `env:"ACCT_ORIGIN_REALM" envDefault:"example.net"`
	ListenAddr      string        `env:"ACCT_LISTEN_ADDR" envDefault:"127.0.0.1:3868"`
	Store           string        `env:"ACCT_STORE" envDefault:"memory"`
	StorePath       string        `env:"ACCT_STORE_PATH"`
	StoreTimeout    time.Duration `env:"ACCT_STORE_TIMEOUT" envDefault:"2s"`
	ClosedGrace     time.Duration `env:"ACCT_CLOSED_GRACE" envDefault:"30s"`
	RegistryCap     int           `env:"ACCT_REGISTRY_CAP" envDefault:"65536"`
	ReapInterval    time.Duration `env:"ACCT_REAP_INTERVAL" envDefault:"5s"`
	Peers           string        `env:"ACCT_PEERS"`
	PeersPath       string        `env:"ACCT_PEERS_PATH"`
	MetricsPath     string        `env:"ACCT_METRICS_PATH"`
	MetricsInterval time.Duration `env:"ACCT_METRICS_INTERVAL" envDefault:"10s"`
	MaxConnsPerIP   int           `env:"ACCT_MAX_CONNS_PER_IP" envDefault:"64"`
	MaxStreamsPerIP int           `env:"ACCT_MAX_STREAMS_PER_IP" envDefault:"256"`
	Debug           bool          `env:"ACCT_DEBUG"`
	OTelEndpoint    string        `env:"ACCT_OTEL_ENDPOINT"`
}

type Client struct {
	OriginHost     string        `env:"ACCT_ORIGIN_HOST" envDefault:"acct-client"`
	OriginRealm    string        `env:"ACCT_ORIGIN_REALM" envDefault:"example.net"`
	Peers          string        `env:"ACCT_PEERS" envDefault:"127.0.0.1:3868"`
	RequestTimeout time.Duration `env:"ACCT_REQUEST_TIMEOUT" envDefault:"5s"`
	MaxTries       int           `env:"ACCT_MAX_TRIES" envDefault:"3"`
	CAPath         string        `env:"ACCT_CA_PATH"`
	Debug          bool          `env:"ACCT_DEBUG"`
}

func LoadNode() (Node, error) {
	var cfg Node
	if err := ParseEnv(&cfg); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (c Node) Validate() error {
	if strings.TrimSpace(c.OriginHost) == "" {
		return fmt.Errorf("origin host is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Store {
	case StoreMemory:
	case StoreJournal, StoreSQLite:
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("store %s needs ACCT_STORE_PATH", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if c.ClosedGrace <= 0 {
		return fmt.Errorf("closed grace must be positive")
	}
	if _, err := peer.ParseList(c.Peers); err != nil {
		return err
	}
	return nil
}

func (c Node) PeerList() []peer.Peer {
	peers, _ := peer.ParseList(c.Peers)
	return peers
}

func (c Client) Validate() error {
	if strings.TrimSpace(c.OriginHost) == "" {
		return fmt.Errorf("origin host is required")
	}
	peers, err := peer.ParseList(c.Peers)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.MaxTries <= 0 {
		return fmt.Errorf("max tries must be positive")
	}
	return nil
}

func (c Client) PeerList() []peer.Peer {
	peers, _ := peer.ParseList(c.Peers)
	return peers
}
