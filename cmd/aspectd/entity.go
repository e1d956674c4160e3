package main

import (
	"context"
	"fmt"

	"github.com/groblegark/aspectd/internal/client"
	"github.com/spf13/cobra"
)

var entityCmd = &cobra.Command{
	Use:     "entity",
	Short:   "Create and manage entities",
	GroupID: "entities",
}

var entityCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location, _ := cmd.Flags().GetString("location")

		ent, err := aspectClient.CreateEntity(context.Background(), &client.CreateEntityRequest{
			Name:     args[0],
			Location: location,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(ent)
		} else {
			printEntity(ent)
		}
		return nil
	},
}

var entityShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ent, err := aspectClient.GetEntity(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(ent)
			return nil
		}
		printEntity(ent)

		records, err := aspectClient.ListRecords(context.Background(), args[0])
		if err == nil && len(records) > 0 {
			fmt.Println("\nRecords:")
			printRecordTable(records)
		}
		return nil
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all entities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := aspectClient.ListEntities(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
		} else {
			printEntityTable(resp.Entities, resp.Total)
		}
		return nil
	},
}

var entityRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ent, err := aspectClient.RenameEntity(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(ent)
		} else {
			printEntity(ent)
		}
		return nil
	},
}

var entityMoveCmd = &cobra.Command{
	Use:   "move <id> <location-id>",
	Short: "Move an entity into another entity (empty location removes it)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		location := ""
		if len(args) == 2 {
			location = args[1]
		}
		ent, err := aspectClient.MoveEntity(context.Background(), args[0], location)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(ent)
		} else {
			printEntity(ent)
		}
		return nil
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entity and all its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := aspectClient.DeleteEntity(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("entity %s deleted\n", args[0])
		return nil
	},
}

var entityContentsCmd = &cobra.Command{
	Use:   "contents <id>",
	Short: "List entities located inside an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := aspectClient.Contents(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
		} else {
			printEntityTable(resp.Entities, resp.Total)
		}
		return nil
	},
}

var entityEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show recent events for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := aspectClient.GetEvents(context.Background(), args[0], limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(events)
		} else {
			printEvents(events)
		}
		return nil
	},
}

func init() {
	entityCreateCmd.Flags().String("location", "", "containing entity ID")
	entityEventsCmd.Flags().Int("limit", 50, "maximum events to return")

	entityCmd.AddCommand(entityCreateCmd)
	entityCmd.AddCommand(entityShowCmd)
	entityCmd.AddCommand(entityListCmd)
	entityCmd.AddCommand(entityRenameCmd)
	entityCmd.AddCommand(entityMoveCmd)
	entityCmd.AddCommand(entityDeleteCmd)
	entityCmd.AddCommand(entityContentsCmd)
	entityCmd.AddCommand(entityEventsCmd)
}
