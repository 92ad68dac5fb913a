package main

import (
	"os"

	"github.com/aljazceru/whitenoise-cli/cmd/whitenoise/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
