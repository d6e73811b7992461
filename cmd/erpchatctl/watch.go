package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/erpchat/internal/api"
	"github.com/matheus3301/erpchat/internal/profile"
)

var watchNamespace string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := profileName()
		if err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err = c.WatchEvents(ctx, watchNamespace, func(evt *structpb.Struct) error {
			m := evt.AsMap()
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(m)
			}
			at, _ := m["occurred_at_ms"].(float64)
			payload, _ := json.Marshal(m["payload"])
			fmt.Printf("%s %-34s %s\n", time.UnixMilli(int64(at)).Format("15:04:05.000"), field(m, "kind"), payload)
			return nil
		})
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || grpcstatus.Code(err) == codes.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchNamespace, "namespace", "", "only events whose kind starts with this prefix (chat., stream., sync., session., call.)")
	rootCmd.AddCommand(watchCmd)
}
