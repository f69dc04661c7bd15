package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/sentinel/pkg/client"
)

var apiBase string

func newClient() *client.Client {
	cfg := client.DefaultConfig()
	if apiBase != "" {
		cfg.BaseURL = apiBase
	}
	return client.New(cfg)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func main() {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "sentinel supervises, schedules, and restarts command-line workloads",
	}
	root.PersistentFlags().StringVar(&apiBase, "api", "", "daemon API base URL (default http://localhost:8420/api)")

	root.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newUpdateCmd(),
		newDeleteCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newListCmd(),
		newDescribeCmd(),
		newLogsCmd(),
		newMetricsCmd(),
		newPolicyCmd(),
		newScheduleCmd(),
		newHealthCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
