package main

import (
	"os"

	"newsdesk/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
