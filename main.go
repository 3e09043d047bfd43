package main

import (
	"os"

	"github.com/fabfab/lexray/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
