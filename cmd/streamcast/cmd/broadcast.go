package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/streamcast-p2p/streamcast/internal/session"
	"github.com/streamcast-p2p/streamcast/internal/signaling"
	"github.com/streamcast-p2p/streamcast/internal/transport"
)

var broadcastTopic string

var broadcastCmd = &cobra.Command{
	Use:   "broadcast file-path",
	Short: "share a file with a room",
	Long:  `broadcast serves a media file to every peer in the room and prints the ticket others need to join`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			log.Fatal(err)
		}

		ticket := transport.NewTicket()
		if broadcastTopic != "" {
			ticket.Topic = broadcastTopic
		}

		ctx := context.Background()
		bc, err := transport.DialRelay(ctx, cfg.Relay.URL, ticket, log)
		if err != nil {
			log.Fatal(err)
		}
		bc.SetDisplayName(cfg.Peer.DisplayName)

		engine := signaling.NewWebRTCEngine(
			signaling.STUNConfig(cfg.ICE.STUNServers),
			signaling.NewStaticSource(true),
			nil,
			log,
		)

		s := session.New(ctx, bc, engine, sessionConfig(cfg), log)
		defer func() {
			if err := s.Close(); err != nil {
				log.Warnf("session close: %v", err)
			}
		}()

		meta, err := s.EnableBroadcast(args[0])
		if err != nil {
			log.Fatal(err)
		}

		encoded, err := s.Ticket(transport.TicketOptions{IncludeMyself: true})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("sharing %s (%d chunks)\nticket: %s\n", meta.FileName, meta.TotalChunks, encoded)

		s.Start()
		if err := s.StartBroadcast(); err != nil {
			log.Fatal(err)
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		<-done
		fmt.Println("exiting...")
	},
}

func init() {
	broadcastCmd.Flags().StringVar(&broadcastTopic, "topic", "", "reuse an existing room topic instead of a fresh one")
}

