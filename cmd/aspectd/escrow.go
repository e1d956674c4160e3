package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/spf13/cobra"
)

var escrowCmd = &cobra.Command{
	Use:     "escrow",
	Short:   "Transfer resources through escrow",
	GroupID: "escrow",
}

var escrowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a new escrow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ttl time.Duration
		if s, _ := cmd.Flags().GetString("ttl"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid ttl %q", s)
			}
			ttl = d
		}

		es, err := aspectClient.CreateEscrow(context.Background(), ttl)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(es)
		} else {
			printEscrow(es, nil)
		}
		return nil
	},
}

var escrowShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an escrow and its units",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := aspectClient.GetEscrow(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
		} else {
			printEscrow(resp.Escrow, resp.Units)
		}
		return nil
	},
}

var escrowDepositItemCmd = &cobra.Command{
	Use:   "deposit-item <escrow-id> <source-id> <item-id>",
	Short: "Deposit an item entity into escrow",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		unit, err := aspectClient.Deposit(context.Background(), args[0], args[1], model.UnitDescriptor{
			Kind:   model.UnitItem,
			ItemID: args[2],
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(unit)
		} else {
			fmt.Printf("deposited item %s as unit %d\n", args[2], unit.ID)
		}
		return nil
	},
}

var escrowDepositCmd = &cobra.Command{
	Use:   "deposit <escrow-id> <source-id> <kind> <field> <amount>",
	Short: "Deposit a quantity from a record field into escrow",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseFloat(args[4], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[4])
		}
		unit, err := aspectClient.Deposit(context.Background(), args[0], args[1], model.UnitDescriptor{
			Kind:       model.UnitQuantity,
			AspectKind: model.Kind(args[2]),
			Field:      args[3],
			Amount:     amount,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(unit)
		} else {
			fmt.Printf("deposited %g %s.%s as unit %d\n", amount, args[2], args[3], unit.ID)
		}
		return nil
	},
}

var escrowReleaseCmd = &cobra.Command{
	Use:   "release <escrow-id> <destination-id> [unit-id...]",
	Short: "Release held units to a destination (all units when none given)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var unitIDs []int64
		for _, s := range args[2:] {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid unit id %q", s)
			}
			unitIDs = append(unitIDs, id)
		}

		n, err := aspectClient.Release(context.Background(), args[0], args[1], unitIDs)
		if err != nil {
			return err
		}
		fmt.Printf("released %d units to %s\n", n, args[1])
		return nil
	},
}

var escrowReturnCmd = &cobra.Command{
	Use:   "return <escrow-id>",
	Short: "Return all held units to their depositors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := aspectClient.Return(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("returned %d units\n", n)
		return nil
	},
}

func init() {
	escrowCreateCmd.Flags().String("ttl", "", "escrow lifetime before automatic return (e.g. 30m)")

	escrowCmd.AddCommand(escrowCreateCmd)
	escrowCmd.AddCommand(escrowShowCmd)
	escrowCmd.AddCommand(escrowDepositCmd)
	escrowCmd.AddCommand(escrowDepositItemCmd)
	escrowCmd.AddCommand(escrowReleaseCmd)
	escrowCmd.AddCommand(escrowReturnCmd)
}
