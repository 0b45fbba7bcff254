// logship accepts request records over HTTP or from a tailed log file and
// ships them to Elasticsearch or a GELF HTTP input without ever blocking the
// producer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kon-rad/logship/internal/app"
	"github.com/kon-rad/logship/internal/config"
	"github.com/kon-rad/logship/internal/logging"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var defaultsFile string
	var showVersion bool

	flagSet := pflag.NewFlagSet("logship", pflag.ContinueOnError)
	flagSet.StringVar(&defaultsFile, "config", "", "YAML defaults file, overrides LOGSHIP_DEFAULTS_FILE")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			config.WriteHelp(os.Stdout, version)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		config.WriteHelp(os.Stdout, version)
		return nil
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if defaultsFile != "" {
		cfg.DefaultsFile = defaultsFile
	}

	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("logship starting", "version", version, "sink", cfg.Sink)

	return app.New(cfg, logger, version).Run(ctx)
}
