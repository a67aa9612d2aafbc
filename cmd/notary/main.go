package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "notary",
		Short:   "AI-notary — cached, retrying client for AI teaching providers",
		Version: version,
	}

	root.AddCommand(
		newAskCmd(),
		newCacheCmd(),
		newInfoCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
