package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mikeyg42/streamplayer/internal/config"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/player"
	"github.com/mikeyg42/streamplayer/internal/secret"
)

// Set with -ldflags "-X main.version=... -X main.branch=...".
var (
	version = "dev"
	branch  = "main"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("STREAMPLAYER_CONFIG"), "path to the YAML config file")
		envFiles    = flag.String("env", "", "comma separated .env files to load (default ./.env if present)")
		streamKey   = flag.String("stream", "", "stream key to subscribe to, overrides the config")
		logLevel    = flag.String("log-level", "", "log level override: debug, info, warn, error")
		noWatch     = flag.Bool("no-watch", false, "do not reload the config file when it changes")
		showVersion = flag.Bool("version", false, "print the version and exit")
		genKey      = flag.Bool("gen-key", false, "print a new master key for sealed credentials and exit")
		seal        = flag.String("seal", "", "seal a credential with $"+config.MasterKeyEnv+" and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamplayer %s (%s)\n", version, branch)
		return
	}
	if *genKey {
		key, err := secret.GenerateKey()
		if err != nil {
			log.Fatalf("Failed to generate key: %v", err)
		}
		fmt.Println(key)
		return
	}
	if *seal != "" {
		sealed, err := secret.Seal(*seal, os.Getenv(config.MasterKeyEnv))
		if err != nil {
			log.Fatalf("Failed to seal value: %v", err)
		}
		fmt.Println(sealed)
		return
	}

	var files []string
	if *envFiles != "" {
		files = strings.Split(*envFiles, ",")
	}
	cfg, err := config.Load(*configPath, files...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *streamKey != "" {
		cfg.Stream.StreamKey = *streamKey
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := logging.NewZap(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.ReplaceGlobal(logger)
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := player.Options{
		EnvFiles: files,
		Version:  version,
		Branch:   branch,
	}
	if !*noWatch {
		opts.ConfigPath = *configPath
	}

	p, err := player.New(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("failed to create player", logging.Error(err))
		logging.Sync(logger)
		os.Exit(1)
	}
	logger.Info("streamplayer starting",
		logging.String("version", version),
		logging.String("player", p.ID()),
		logging.String("streamKey", cfg.Stream.StreamKey),
		logging.String("api", cfg.API.ListenAddr))

	if err := p.Run(ctx); err != nil {
		logger.Error("player stopped with error", logging.Error(err))
		logging.Sync(logger)
		os.Exit(1)
	}
	logger.Info("streamplayer stopped")
}
