package main

import (
	"os"

	"github.com/devdost/wsync/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
