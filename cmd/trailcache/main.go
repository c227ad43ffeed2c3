package main

import (
	"os"

	"github.com/trailcache/trailcache/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
