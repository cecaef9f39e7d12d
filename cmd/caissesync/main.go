// Package main implements the caissesync agent: the sync daemon running on
// one point-of-sale terminal, draining the local outbox to the central
// server and pulling remote changes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/client"
	"github.com/caisselink/caissesync/internal/config"
	"github.com/caisselink/caissesync/internal/conflict"
	"github.com/caisselink/caissesync/internal/log"
	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/outbox"
	"github.com/caisselink/caissesync/internal/platform"
	"github.com/caisselink/caissesync/internal/pull"
	"github.com/caisselink/caissesync/internal/store"
	"github.com/caisselink/caissesync/internal/syncer"
)

// Config holds the application configuration
type Config struct {
	ServerURL        string `short:"s" env:"CAISSESYNC_SERVER_URL" long:"server-url" description:"Base URL of the central sync server"`
	DataDir          string `short:"d" env:"CAISSESYNC_DATA_DIR" long:"data-dir" description:"Directory for the local sync database" default:"./data"`
	LogLevel         string `short:"l" env:"CAISSESYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	PollInterval     string `env:"CAISSESYNC_POLL_INTERVAL" long:"poll-interval" description:"Interval between sync cycles" default:"30s"`
	BatchSize        int    `env:"CAISSESYNC_BATCH_SIZE" long:"batch-size" description:"Maximum operations pushed per drain batch" default:"50"`
	MaxRetries       int    `env:"CAISSESYNC_MAX_RETRIES" long:"max-retries" description:"Push attempts before an operation fails terminally" default:"3"`
	RetryDelay       string `env:"CAISSESYNC_RETRY_DELAY" long:"retry-delay" description:"Fixed delay between push retries" default:"5s"`
	ConflictStrategy string `env:"CAISSESYNC_CONFLICT_STRATEGY" long:"conflict-strategy" description:"Conflict strategy: client-wins|server-wins|manual" default:"server-wins"`
	Version          bool   `short:"v" long:"version" description:"Show version information"`
	Help             bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("caissesync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	cli, err := ParseCLI(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := log.Setup(cli.LogLevel, false); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("caissesync agent starting")

	if cli.ServerURL == "" {
		logrus.Fatal("Server URL is required (--server-url or CAISSESYNC_SERVER_URL)")
	}

	pollInterval, err := time.ParseDuration(cli.PollInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid poll interval format")
	}
	retryDelay, err := time.ParseDuration(cli.RetryDelay)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid retry delay format")
	}
	strategy := model.Strategy(cli.ConflictStrategy)
	if !strategy.Valid() {
		logrus.Fatalf("Invalid conflict strategy %q", cli.ConflictStrategy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	st, err := store.Open(cli.DataDir)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open local store")
	}
	defer st.Close()

	observer := platform.NewProbeObserver(cli.ServerURL+"/health", pollInterval)
	observer.Start(ctx)
	defer observer.Stop()

	cfg, err := config.NewManager(ctx, st, observer, cli.ServerURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize node configuration")
	}
	if _, err := cfg.Update(ctx, config.Patch{
		PollInterval:     &pollInterval,
		BatchSize:        &cli.BatchSize,
		MaxRetries:       &cli.MaxRetries,
		RetryDelay:       &retryDelay,
		ConflictStrategy: &strategy,
	}); err != nil {
		logrus.WithError(err).Fatal("Failed to apply configuration")
	}

	snap := cfg.Get()
	syncClient := client.New(snap.ServerURL, snap.NodeID, client.DefaultTimeout)

	registry := store.NewRegistry(st)
	resolver := conflict.NewResolver(st, registry, func() model.Strategy {
		return cfg.Get().ConflictStrategy
	})
	queue := outbox.NewQueue(st, registry, cfg, syncClient, resolver)
	resolver.SetEnqueuer(queue)
	feed := pull.NewFeed(st, registry, cfg, syncClient)

	orchestrator := syncer.New(cfg, st, queue, feed, resolver, observer)
	orchestrator.OnConflict(func(c model.ConflictRecord) {
		logrus.WithFields(logrus.Fields{
			"conflict_id": c.ID,
			"table":       c.Table,
			"record_id":   c.RecordID,
		}).Warn("Conflict needs manual attention")
	})

	if err := orchestrator.Initialize(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start sync orchestrator")
	}

	<-ctx.Done()
	orchestrator.Shutdown()
	logrus.Info("Graceful shutdown completed")
}
