package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamcast-p2p/streamcast/internal/logger"
	"github.com/streamcast-p2p/streamcast/internal/relay"
)

func main() {
	listen := flag.String("listen", ":8787", "address to listen on")
	flag.Parse()

	log := logger.NewLogger()
	srv := relay.NewServer(*listen, log)

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
}
