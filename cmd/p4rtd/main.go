// p4rtd is the programmable virtual switch daemon.
//
// It hosts P4rt switches whose forwarding behavior is a loaded uBPF program,
// and serves the P4Runtime gRPC API and an HTTP management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/p4rt/pkg/config"
	"github.com/psaab/p4rt/pkg/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "show-config" {
		path := config.DefaultPath
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		if err := showConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "p4rtd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address, \"off\" to disable")
	grpcAddr := flag.String("grpc-addr", "", "P4Runtime gRPC listen address, \"off\" to disable")
	logLevel := flag.String("log-level", "", "log level, e.g. info or debug,dpif=warn")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug && *logLevel == "" {
		*logLevel = "debug"
	}

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
		LogLevel:   *logLevel,
		LogOutput:  os.Stderr,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "p4rtd: %v\n", err)
		os.Exit(1)
	}
}

// showConfig prints the effective configuration, defaults filled in.
func showConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
