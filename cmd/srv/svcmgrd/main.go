package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/svcmgr"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the manager configuration file" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the manager (debug feature)"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
	LogLevel    string `long:"log-level" description:"override the configured log level"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := svcmgr.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		return
	}

	config, err := svcmgr.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.LogLevel != "" {
		config.Manager.LogLevel = opts.LogLevel
		config.Logging.Level = opts.LogLevel
	}

	backend, err := logging.NewZapBackend(config.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()

	logger := backend.Logger("module: svcmgrd , ")
	logger.Infof("opts: %+v", opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %d seconds", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	if err := svcmgr.RunWithConfig(ctx, config, logger); err != nil {
		logger.Errorf("Manager failed: %v", err)
		backend.Sync()
		os.Exit(1)
	}
}
