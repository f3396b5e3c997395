package main

import (
	"os"

	"github.com/bridgekit/walletbridge/cmd/bridgectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
