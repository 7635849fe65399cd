package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/crowdcam/crowdcam/server"
	"github.com/crowdcam/crowdcam/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("crowdcam", "Crowd risk analysis server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (JSON). Omit to run with built-in defaults", Default: ""})
	dataRoot := parser.String("", "data", &argparse.Options{Help: "Override data root directory", Default: ""})
	port := parser.String("p", "port", &argparse.Options{Help: "Override HTTP listen address, eg :8080", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if *dataRoot != "" {
		cfg.DataRoot = *dataRoot
	}
	if *port != "" {
		cfg.HTTP.Port = *port
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	if err := srv.ListenHTTP(); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		os.Exit(1)
	}
}
