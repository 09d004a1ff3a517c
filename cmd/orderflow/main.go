package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/orderflow/internal/cli"
)

// version is set via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		apiURL   string
		jsonMode bool
	)

	root := &cobra.Command{
		Use:           "orderflow",
		Short:         "Command line client for the orderflow API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "base URL of the orderflow API")
	root.PersistentFlags().BoolVar(&jsonMode, "json", false, "emit JSON instead of tables")

	clientFn := func() *cli.Client {
		return cli.NewClient(apiURL)
	}
	outputFn := func() *cli.Output {
		return cli.NewOutput(os.Stdout, jsonMode)
	}

	root.AddCommand(cli.NewOrderCmd(clientFn, outputFn))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
