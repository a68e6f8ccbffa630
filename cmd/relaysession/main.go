package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const appName = "relaysession"

var version = "0.0.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    appName,
		Usage:   "Nostr relay session layer: relay server and reconnecting client",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			clientCmd(),
		},
	}
}
