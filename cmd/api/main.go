package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dragonhuntr/lokal/internal/appconf"
)

func main() {
	var (
		configPath string
		env        string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&env, "env", "", "Environment (development|test|production), overrides the config file")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(configPath, env, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	coreApp, err := BuildApplication(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	srv := CreateServer(coreApp)
	if err := Run(ctx, srv, coreApp); err != nil {
		coreApp.Logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers the command line over the file and environment
// configuration.
func loadConfig(path, env string, verbose bool) (appconf.Config, error) {
	cfg, err := appconf.Load(path)
	if err != nil {
		return appconf.Config{}, err
	}
	if env != "" {
		e, err := appconf.EnvFlagToEnvironment(env)
		if err != nil {
			return appconf.Config{}, err
		}
		cfg.Env = e
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}
