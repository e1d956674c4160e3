package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/groblegark/aspectd/internal/client"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Short:   "Read and write aspect records",
	GroupID: "records",
}

// readPayloadArg interprets a payload argument: "-" reads stdin, "@file"
// reads a file, anything else is inline JSON.
func readPayloadArg(arg string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

var recordGetCmd = &cobra.Command{
	Use:   "get <entity-id> <kind>",
	Short: "Read an aspect record with its version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := aspectClient.GetRecord(context.Background(), args[0], model.Kind(args[1]))
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(rec)
		} else {
			printRecord(rec)
		}
		return nil
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list <entity-id>",
	Short: "List all aspect records of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := aspectClient.ListRecords(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(records)
		} else {
			printRecordTable(records)
		}
		return nil
	},
}

var recordCreateCmd = &cobra.Command{
	Use:   "create <entity-id> <kind> <payload>",
	Short: "Create an aspect record (payload: JSON, @file, or - for stdin)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayloadArg(args[2])
		if err != nil {
			return err
		}
		rec, err := aspectClient.CreateRecord(context.Background(), args[0], model.Kind(args[1]), payload)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(rec)
		} else {
			printRecord(rec)
		}
		return nil
	},
}

var recordPutCmd = &cobra.Command{
	Use:   "put <entity-id> <kind> <payload>",
	Short: "Replace a record's payload with a compare-and-swap on --version",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		expected, _ := cmd.Flags().GetInt64("version")
		if expected <= 0 {
			return fmt.Errorf("--version is required: read the record first and pass its version")
		}
		payload, err := readPayloadArg(args[2])
		if err != nil {
			return err
		}
		version, err := aspectClient.PutRecord(context.Background(), args[0], model.Kind(args[1]), payload, expected)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]int64{"version": version})
		} else {
			fmt.Printf("record updated to version %d\n", version)
		}
		return nil
	},
}

var recordDeltaCmd = &cobra.Command{
	Use:   "delta <entity-id> <kind> <field> <delta>",
	Short: "Atomically add a delta to a numeric field",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var delta float64
		if _, err := fmt.Sscanf(args[3], "%g", &delta); err != nil {
			return fmt.Errorf("invalid delta %q", args[3])
		}

		req := &client.DeltaRequest{Field: args[2], Delta: delta}
		if cmd.Flags().Changed("floor") {
			v, _ := cmd.Flags().GetFloat64("floor")
			req.Floor = &v
		}
		if cmd.Flags().Changed("ceiling") {
			v, _ := cmd.Flags().GetFloat64("ceiling")
			req.Ceiling = &v
		}

		resp, err := aspectClient.DeltaRecord(context.Background(), args[0], model.Kind(args[1]), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
		} else {
			clamped := ""
			if resp.Clamped {
				clamped = " (clamped)"
			}
			fmt.Printf("%s = %g%s (version %d)\n", args[2], resp.Value, clamped, resp.Version)
		}
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:     "commit <writes>",
	Short:   "Atomically commit multiple record writes (JSON array, @file, or -)",
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readPayloadArg(args[0])
		if err != nil {
			return err
		}
		var writes []client.TransactionWrite
		if err := json.Unmarshal(data, &writes); err != nil {
			return fmt.Errorf("parsing writes: %w", err)
		}
		n, err := aspectClient.Commit(context.Background(), writes)
		if err != nil {
			return err
		}
		fmt.Printf("committed %d writes\n", n)
		return nil
	},
}

func init() {
	recordPutCmd.Flags().Int64("version", 0, "expected record version")
	recordDeltaCmd.Flags().Float64("floor", 0, "lowest allowed value")
	recordDeltaCmd.Flags().Float64("ceiling", 0, "highest allowed value")

	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordCreateCmd)
	recordCmd.AddCommand(recordPutCmd)
	recordCmd.AddCommand(recordDeltaCmd)
}
