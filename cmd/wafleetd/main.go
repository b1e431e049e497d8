package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/wafleet/internal/config"
	"github.com/matheus3301/wafleet/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", config.DefaultPath, "path to the config file")
	instanceFlag := flag.String("instance", "", "instance id (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *instanceFlag != "" {
		cfg.InstanceID = *instanceFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	// Run exits with the code requested through fx.Shutdowner, so a detected
	// reconnect loop ends the process with a non-zero status.
	app.Run()
}
