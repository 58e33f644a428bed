// p4rtctl is the command-line client for p4rtd.
//
// It talks to the p4rtd HTTP API. Without -c it starts an interactive shell.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/psaab/p4rt/pkg/cli"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "p4rtd API base URL")
	token := flag.String("token", os.Getenv("P4RT_TOKEN"), "API bearer token")
	command := flag.String("c", "", "run one command and exit")
	flag.Parse()

	c := cli.New(cli.NewClient(*addr, *token), os.Stdout)
	if *command != "" {
		if err := c.Execute(*command); err != nil {
			fmt.Fprintf(os.Stderr, "p4rtctl: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "p4rtctl: %v\n", err)
		os.Exit(1)
	}
}
