package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/erpchat/internal/api"
)

var (
	messagesLimit   int
	messagesRefresh bool
	retryChannel    int64
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List or refresh the channel roster",
}

func runChannels(refresh bool) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		resp, err := c.Chat(ctx, "ListChannels", map[string]any{"refresh": refresh})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		chans := items(resp.AsMap(), "channels")
		if len(chans) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, ch := range chans {
			fmt.Printf("%-8s %-7s %-4s %s\n", field(ch, "id"), field(ch, "type"), field(ch, "member_count"), field(ch, "name"))
		}
		return nil
	})
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChannels(false)
	},
}

var channelsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read the roster from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChannels(true)
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <channel-id>",
	Short: "Show the latest messages of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Chat(ctx, "ListMessages", map[string]any{
				"channel_id": channelID,
				"limit":      messagesLimit,
				"refresh":    messagesRefresh,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			for _, m := range items(resp.AsMap(), "messages") {
				ts, _ := m["timestamp"].(float64)
				when := time.UnixMilli(int64(ts)).Format("2006-01-02 15:04")
				mark := ""
				if s := field(m, "sync_status"); s != "synced" {
					mark = " [" + s + "]"
				}
				author := field(m, "author_name")
				if author == "" {
					author = "me"
				}
				fmt.Printf("%s %s%s: %s\n", when, author, mark, field(m, "body"))
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <text...>",
	Short: "Send a message; it is stored locally first and delivered when online",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Chat(ctx, "SendMessage", map[string]any{
				"channel_id": channelID,
				"body":       strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			m, _ := resp.AsMap()["message"].(map[string]any)
			fmt.Printf("Queued %s (%s)\n", field(m, "id"), field(m, "sync_status"))
			return nil
		})
	},
}

func printDrain(resp map[string]any) {
	if skipped, _ := resp["skipped"].(bool); skipped {
		fmt.Println("Offline: messages stay pending until the connection returns.")
		return
	}
	fmt.Printf("Attempted %s, synced %s, failed %s\n", field(resp, "attempted"), field(resp, "synced"), field(resp, "failed"))
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Retry delivery of one failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Chat(ctx, "Retry", map[string]any{"id": args[0]})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			printDrain(resp.AsMap())
			return nil
		})
	},
}

var retryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry delivery of every failed message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Chat(ctx, "RetryAll", map[string]any{"channel_id": retryChannel})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			printDrain(resp.AsMap())
			return nil
		})
	},
}

func subscriptionCmd(use, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <channel-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Chat(ctx, method, map[string]any{"channel_id": channelID})
				if err != nil {
					return err
				}
				if jsonOutput {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Subscribed: %v\n", resp.AsMap()["subscriptions"])
				return nil
			})
		},
	}
}

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "number of messages")
	messagesCmd.Flags().BoolVar(&messagesRefresh, "refresh", false, "fetch the latest page from the backend first")
	retryAllCmd.Flags().Int64Var(&retryChannel, "channel", 0, "only retry messages of this channel")

	channelsCmd.AddCommand(channelsListCmd, channelsRefreshCmd)
	rootCmd.AddCommand(
		channelsCmd,
		messagesCmd,
		sendCmd,
		retryCmd,
		retryAllCmd,
		subscriptionCmd("subscribe", "Subscribe", "Receive live messages for a channel"),
		subscriptionCmd("unsubscribe", "Unsubscribe", "Stop live messages for a channel"),
	)
}
