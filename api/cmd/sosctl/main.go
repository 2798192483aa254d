package main

import (
	"fmt"
	"os"

	"sos-mesh-relay/shared/config"
)

func main() {
	// Problems are ignored here: each command checks the keys it needs.
	cfg, _ := config.Load("sosctl", 0)
	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sosctl:", err)
		os.Exit(1)
	}
}
