package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/streamcast-p2p/streamcast/internal/exchange"
	"github.com/streamcast-p2p/streamcast/internal/protocol"
	"github.com/streamcast-p2p/streamcast/internal/session"
	"github.com/streamcast-p2p/streamcast/internal/signaling"
	"github.com/streamcast-p2p/streamcast/internal/store"
	"github.com/streamcast-p2p/streamcast/internal/transport"
)

var watchOutDir string

var watchCmd = &cobra.Command{
	Use:   "watch ticket",
	Short: "join a room and receive the broadcast",
	Long:  `watch joins the room named by a ticket, downloads the shared file and writes it next to the current directory`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			log.Fatal(err)
		}

		ticket, err := transport.DecodeTicket(args[0])
		if err != nil {
			log.Fatal(err)
		}

		ctx := context.Background()
		bc, err := transport.DialRelay(ctx, cfg.Relay.URL, ticket, log)
		if err != nil {
			log.Fatal(err)
		}
		bc.SetDisplayName(cfg.Peer.DisplayName)

		engine := signaling.NewWebRTCEngine(
			signaling.STUNConfig(cfg.ICE.STUNServers),
			nil,
			nil,
			log,
		)

		s := session.New(ctx, bc, engine, sessionConfig(cfg), log)
		defer func() {
			if err := s.Close(); err != nil {
				log.Warnf("session close: %v", err)
			}
		}()

		var ledger *store.Ledger
		if cfg.Peer.LedgerPath != "" {
			ledger, err = store.NewLedger(cfg.Peer.LedgerPath)
			if err != nil {
				log.Fatal(err)
			}
			defer func() { _ = ledger.Close() }()
		}

		var bar *progressbar.ProgressBar
		viewer := s.EnableViewing(ledgerOrNil(ledger), func(data []byte, meta protocol.Metadata, complete bool) {
			if !complete {
				log.Infof("playable prefix available for %s", meta.FileName)
				return
			}
			out := filepath.Join(watchOutDir, meta.FileName)
			if err := os.WriteFile(out, data, 0o644); err != nil {
				log.Errorf("write %s: %v", out, err)
				return
			}
			if hash, err := exchange.HashFile(out); err != nil || hash != meta.FileHash {
				log.Errorf("saved file failed hash verification: %v", err)
				return
			}
			fmt.Printf("\nsaved %s\n", out)
		})

		s.Start()

		// Ask the broadcaster for a connection; non-fatal if nobody answers,
		// the chunk exchange works over the relay regardless.
		go s.RequestOffers(ctx)

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				fmt.Println("exiting...")
				return
			case <-viewer.Done():
				if bar != nil {
					_ = bar.Finish()
				}
				return
			case <-ticker.C:
				progress := viewer.Progress()
				if progress.Total > 0 && bar == nil {
					bar = progressbar.Default(int64(progress.Total), "downloading")
				}
				if bar != nil {
					_ = bar.Set(progress.Received)
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchOutDir, "out", ".", "directory to save the finished file in")
}

// ledgerOrNil avoids handing the viewer a typed nil behind the interface.
func ledgerOrNil(l *store.Ledger) exchange.Ledger {
	if l == nil {
		return nil
	}
	return l
}
