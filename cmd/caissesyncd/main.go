// Package main implements caissesyncd, the central sync server that
// caisse terminals push their local changes to and pull remote changes from.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/log"
	"github.com/caisselink/caissesync/internal/server"
)

// Config holds the application configuration
type Config struct {
	PostgresURL string `short:"p" env:"CAISSESYNCD_POSTGRES_URL" long:"postgres-url" description:"PostgreSQL connection string" default:"postgres://localhost:5432/caissesync"`
	Listen      string `env:"CAISSESYNCD_LISTEN" long:"listen" description:"HTTP listen address" default:":8080"`
	LogLevel    string `short:"l" env:"CAISSESYNCD_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON     bool   `env:"CAISSESYNCD_LOG_JSON" long:"log-json" description:"Emit logs as JSON"`
	Version     bool   `short:"v" long:"version" description:"Show version information"`
	Help        bool
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
	fmt.Printf("caissesyncd version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS and cancels the root context.
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

	// .env is optional, env vars and flags win over it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	cli, err := ParseCLI(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := log.Setup(cli.LogLevel, cli.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("caissesyncd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	pool, err := server.NewPoolWithRetry(ctx, cli.PostgresURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to acquire connection for migrations")
	}
	if err := server.ApplyMigrations(ctx, conn.Conn()); err != nil {
		conn.Release()
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}
	conn.Release()

	handler := server.NewHandler(server.NewStorage(pool))
	srv := &http.Server{
		Addr:         cli.Listen,
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cli.Listen).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("HTTP server shutdown failed")
	}
	logrus.Info("Graceful shutdown completed")
}
