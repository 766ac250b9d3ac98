// Package config loads the streamcast TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config describes the TOML configuration.
type Config struct {
	Relay    RelayConf
	Peer     PeerConf
	Exchange ExchangeConf
	ICE      ICEConf
}

// RelayConf describes the relay hub block, for both the server and clients
// dialing it.
type RelayConf struct {
	Listen string
	URL    string
}

// PeerConf describes the per-peer identity and housekeeping block.
type PeerConf struct {
	DisplayName      string   `toml:"display-name"`
	LedgerPath       string   `toml:"ledger-path"`
	PresenceInterval duration `toml:"presence-interval"`
}

// ExchangeConf tunes the file distribution loops.
type ExchangeConf struct {
	BroadcastInterval duration `toml:"broadcast-interval"`
	RequestInterval   duration `toml:"request-interval"`
	BatchSize         int      `toml:"batch-size"`
	AnnounceEvery     int      `toml:"announce-every"`
}

// ICEConf lists the STUN servers offered to the WebRTC engine.
type ICEConf struct {
	STUNServers []string `toml:"stun-servers"`
}

// duration lets TOML values like "500ms" or "2s" decode into time.Duration.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Relay: RelayConf{
			Listen: ":8787",
			URL:    "ws://127.0.0.1:8787/ws",
		},
		Peer: PeerConf{
			LedgerPath: "streamcast.sqlite3",
		},
	}
}

// Load reads path and overlays it onto the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
