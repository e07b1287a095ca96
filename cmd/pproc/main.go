package main

import (
	"os"

	"github.com/bengfort/pproc/pkg/cli"
)

// version is overridden at build time via -ldflags
var version = "1.0.0"

func main() {
	os.Exit(cli.Execute(version))
}
