package main

import (
	"fmt"
	"os"

	"github.com/marmos91/blockcache/cmd/blockcache-manager/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
