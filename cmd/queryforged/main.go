// Package main is the entry point for the queryforged daemon.
package main

import (
	"os"

	"github.com/queryforge/queryforge/cmd/queryforged/app"
	"github.com/queryforge/queryforge/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
