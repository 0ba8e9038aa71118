package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const version = "0.1.0"

func main() {
	root := newRootCommand()
	cmd, err := root.ExecuteC()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if cmd == nil {
				cmd = root
			}
			logging.WithError(err).Errorf("Command '%s' failed", cmd.Name())
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		logging.Close()
		os.Exit(1)
	}
	logging.Close()
}
