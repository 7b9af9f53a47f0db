package main

import (
	"fmt"
	"os"

	"github.com/myeline/careauth/internal/tools/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "careauth:", err)
		os.Exit(1)
	}
}
