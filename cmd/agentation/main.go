// Package main provides the entry point for the agentation broker.
package main

import (
	"fmt"
	"os"

	"github.com/agentation/broker/cmd/agentation/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
