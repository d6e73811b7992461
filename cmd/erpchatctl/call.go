package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus3301/erpchat/internal/api"
)

var callVideo bool

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start, end or inspect the call session",
}

func printCall(resp map[string]any) {
	c, ok := resp["call"].(map[string]any)
	if !ok {
		fmt.Println("No call.")
		return
	}
	state := "active"
	if active, _ := resp["active"].(bool); !active {
		state = "last"
	}
	fmt.Printf("%s call %s on channel %s: %s %s", state, field(c, "session_id"), field(c, "channel_id"), field(c, "type"), field(c, "status"))
	if reason := field(c, "reason"); reason != "" {
		fmt.Printf(" (%s)", reason)
	}
	fmt.Println()
}

var callStartCmd = &cobra.Command{
	Use:   "start <channel-id>",
	Short: "Call a channel; any active call is ended first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := parseID(args[0])
		if err != nil {
			return err
		}
		callType := "audio"
		if callVideo {
			callType = "video"
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Call(ctx, "StartCall", map[string]any{"channel_id": channelID, "call_type": callType})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Calling, session %s\n", field(resp.AsMap(), "session_id"))
			return nil
		})
	},
}

func callAction(use, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Call(ctx, method, nil)
				if err != nil {
					return err
				}
				if jsonOutput {
					outputJSON(resp)
					return nil
				}
				printCall(resp.AsMap())
				return nil
			})
		},
	}
}

func init() {
	callStartCmd.Flags().BoolVar(&callVideo, "video", false, "start a video call")
	callCmd.AddCommand(
		callStartCmd,
		callAction("end", "EndCall", "Hang up the active call"),
		callAction("show", "GetCall", "Show the active or last call"),
	)
	rootCmd.AddCommand(callCmd)
}
