package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamcast-p2p/streamcast/internal/relay"
)

var relayListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "run a relay hub",
	Long:  `relay runs the rendezvous hub that forwards room traffic between peers`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			log.Fatal(err)
		}
		addr := cfg.Relay.Listen
		if relayListen != "" {
			addr = relayListen
		}

		srv := relay.NewServer(addr, log)

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warnf("shutdown: %v", err)
			}
		}()

		if err := srv.Start(); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "address to listen on")
}
