package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// exitInterrupted is the conventional status after Ctrl-C.
const exitInterrupted = 130

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupted)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
