package main

import (
	"os"

	"github.com/guestforge/browservm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
