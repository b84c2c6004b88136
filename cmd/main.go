package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/benitogf/relay"
)

func main() {
	address := flag.String("address", "0.0.0.0:8800", "listen address")
	id := flag.String("id", "", "server id, random when empty")
	peers := flag.String("peers", "", "comma separated peer base URLs")
	origins := flag.String("origins", "*", "comma separated allowed CORS origins")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	config := relay.Config{
		ID:             *id,
		AllowedOrigins: strings.Split(*origins, ","),
		Storage:        relay.NewMemoryStorage(),
		Accelerator:    relay.NewLRUAccelerator(1024, logger),
		Metrics:        relay.NewMetrics(),
		Logger:         logger,
	}
	if *peers != "" {
		config.Peers = strings.Split(*peers, ",")
	}

	server := relay.NewServer(config)
	if err := server.Start(*address); err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	if len(config.Peers) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := server.CatchUp(ctx); err != nil {
				logger.Warn("mesh catch-up failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Close(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
