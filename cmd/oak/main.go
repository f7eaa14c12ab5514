package main

import (
	"os"

	"github.com/oakci/oak/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
