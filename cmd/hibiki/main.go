// Package main is the entry point for the hibiki application.
package main

import (
	"os"

	"github.com/hibikitv/hibiki/cmd/hibiki/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
