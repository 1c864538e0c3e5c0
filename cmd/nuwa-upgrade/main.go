package main

import (
	"fmt"
	"os"

	"github.com/nuwax-ai/nuwa-upgrade/cmd/nuwa-upgrade/cmd"
)

// Version information, set by build (-ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd.SetVersion(Version, BuildTime, GitCommit)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
