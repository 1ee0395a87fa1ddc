package main

import (
	"github.com/sunupay/sunupay/cmd"
)

var (
	// version of the binary, overridden at build time
	version = "dev"
	// commit the binary was built from
	commit = "unknown"
	// buildTime of the binary
	buildTime = "unknown"
)

func main() {
	cmd.Execute(version, commit, buildTime)
}
