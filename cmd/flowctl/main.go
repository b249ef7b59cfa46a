package main

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
