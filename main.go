package main

import (
	"os"

	"github.com/moltgraph/crawler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
