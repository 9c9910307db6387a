package main

import (
	"os"

	"github.com/danieljhkim/cairn/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	os.Exit(cli.Main())
}
