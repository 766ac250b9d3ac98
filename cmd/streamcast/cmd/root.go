package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/streamcast-p2p/streamcast/internal/config"
	"github.com/streamcast-p2p/streamcast/internal/exchange"
	"github.com/streamcast-p2p/streamcast/internal/logger"
	"github.com/streamcast-p2p/streamcast/internal/session"
	"github.com/streamcast-p2p/streamcast/internal/signaling"
)

var (
	configPath  string
	relayURL    string
	displayName string
)

var rootCmd = &cobra.Command{
	Use:  `streamcast`,
	Long: `streamcast shares a media file with a room of peers over a relay hub`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay hub websocket URL")
	rootCmd.PersistentFlags().StringVar(&displayName, "name", "", "display name announced to peers")

	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(relayCmd)
}

// loadConfig merges the optional config file with the command-line flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, err
		}
	}
	if relayURL != "" {
		cfg.Relay.URL = relayURL
	}
	if displayName != "" {
		cfg.Peer.DisplayName = displayName
	}
	return cfg, nil
}

// sessionConfig maps the file-level tunables onto the session knobs. Unset
// values keep the session defaults.
func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		PresenceInterval:  cfg.Peer.PresenceInterval.Duration(),
		BroadcastInterval: cfg.Exchange.BroadcastInterval.Duration(),
		Signaling:         signaling.DefaultConfig(),
		Viewer: exchange.ViewerConfig{
			BatchSize:       cfg.Exchange.BatchSize,
			RequestInterval: cfg.Exchange.RequestInterval.Duration(),
			AnnounceEvery:   cfg.Exchange.AnnounceEvery,
		},
	}
}

var log = logger.NewLogger()
