package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/erpchat/internal/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			m := resp.AsMap()
			uptime, _ := m["uptime_ms"].(float64)
			fmt.Printf("Profile:  %s\n", field(m, "profile"))
			fmt.Printf("Status:   %s\n", field(m, "status"))
			fmt.Printf("Stream:   %s\n", field(m, "stream"))
			fmt.Printf("Uptime:   %s\n", (time.Duration(uptime) * time.Millisecond).Round(time.Second))
			if counts, ok := m["messages"].(map[string]any); ok {
				fmt.Printf("Messages: %s pending, %s failed, %s synced\n",
					field(counts, "pending"), field(counts, "failed"), field(counts, "synced"))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
