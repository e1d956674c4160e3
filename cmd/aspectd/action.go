package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/groblegark/aspectd/internal/client"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/spf13/cobra"
)

var actionCmd = &cobra.Command{
	Use:     "action",
	Short:   "Schedule and manage deferred actions",
	GroupID: "actions",
}

var actionScheduleCmd = &cobra.Command{
	Use:   "schedule <entity-id> <action>",
	Short: "Schedule a deferred action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.ScheduleActionRequest{
			EntityID: args[0],
			Action:   args[1],
		}
		if s, _ := cmd.Flags().GetString("kind"); s != "" {
			req.Kind = model.Kind(s)
		}
		if s, _ := cmd.Flags().GetString("payload"); s != "" {
			if !json.Valid([]byte(s)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			req.Payload = json.RawMessage(s)
		}
		if s, _ := cmd.Flags().GetString("at"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return fmt.Errorf("invalid --at time %q (want RFC3339)", s)
			}
			req.NotBefore = &t
		}
		if s, _ := cmd.Flags().GetString("delay"); s != "" {
			req.Delay = s
		}
		if s, _ := cmd.Flags().GetString("every"); s != "" {
			req.RepeatEvery = s
		}
		req.IdempotencyKey, _ = cmd.Flags().GetString("idempotency-key")

		a, err := aspectClient.ScheduleAction(context.Background(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
		} else {
			printAction(a)
		}
		return nil
	},
}

var actionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a scheduled action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := aspectClient.GetAction(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
		} else {
			printAction(a)
		}
		return nil
	},
}

var actionCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := aspectClient.CancelAction(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("action %s canceled\n", args[0])
		return nil
	},
}

func init() {
	actionScheduleCmd.Flags().String("kind", "", "aspect kind the action targets")
	actionScheduleCmd.Flags().String("payload", "", "JSON payload for the handler")
	actionScheduleCmd.Flags().String("at", "", "fire time (RFC3339)")
	actionScheduleCmd.Flags().String("delay", "", "fire after this duration (e.g. 5m)")
	actionScheduleCmd.Flags().String("every", "", "repeat interval (e.g. 1h)")
	actionScheduleCmd.Flags().String("idempotency-key", "", "effect deduplication key")

	actionCmd.AddCommand(actionScheduleCmd)
	actionCmd.AddCommand(actionShowCmd)
	actionCmd.AddCommand(actionCancelCmd)
}
