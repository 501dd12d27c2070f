package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"socialmesh/internal/pds"
	"socialmesh/pkg/banner"
	"socialmesh/pkg/config"
	"socialmesh/pkg/logger"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := cfgVal
	if !setFlags["config"] {
		if v := os.Getenv("SOCIALMESH_CONFIG"); v != "" {
			cfgPath = v
		}
		if _, err := os.Stat(cfgPath); err != nil {
			cfgPath = ""
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if setFlags["addr"] {
		cfg.ApplyAddrFlag(addrVal)
	}
	if setFlags["db"] || cfg.Server.DBPath == "" {
		cfg.Server.DBPath = dbVal
	}

	logger.Init(cfg.Logging.Level)

	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if cfgPath != "" {
		srcs = append(srcs, "config")
	}
	verStr := version
	if commit != "none" {
		verStr += " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr += " @ " + buildDate
	}
	banner.Print("pds", cfg.Addr(), cfg.Server.DBPath, strings.Join(srcs, ", "), verStr)

	app, err := pds.New(cfg)
	if err != nil {
		log.Fatalf("failed to start pds: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx); err != nil {
		logger.Error("pds_exit", "error", err)
		os.Exit(1)
	}
}
