package main

import (
	"errors"
	"fmt"
	"os"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errInvalidSerial) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
