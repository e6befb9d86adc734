package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/grid"
	"github.com/wrangler-bot/wrangler/server"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configFile   = flag.String("config", "", "Path to YAML configuration file")
		printVersion = flag.Bool("version", false, "Print the version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}
	if *configFile == "" {
		log.Fatal("--config is required")
	}

	cfgStore, err := config.NewStore(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	defer cfgStore.Close()
	if err := cfgStore.Watch(); err != nil {
		log.Printf("Configuration watch unavailable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The world client integration is deployment-specific; the in-memory
	// client keeps every other subsystem fully operational.
	srv, err := server.New(ctx, cfgStore, grid.NewFake(), version)
	if err != nil {
		log.Fatalf("Failed to assemble server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}

	log.Println("Instance stopped")
}
