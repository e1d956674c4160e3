package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/ui"
)

const timeFormat = "2006-01-02 15:04:05"

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printEntity(e *model.Entity) {
	fmt.Printf("ID:        %s\n", ui.RenderAccent(e.ID))
	fmt.Printf("Name:      %s\n", e.Name)
	if e.Location != "" {
		fmt.Printf("Location:  %s\n", e.Location)
	}
	if !e.CreatedAt.IsZero() {
		fmt.Printf("Created:   %s\n", ui.RenderMuted(e.CreatedAt.Format(timeFormat)))
	}
	if !e.UpdatedAt.IsZero() {
		fmt.Printf("Updated:   %s\n", ui.RenderMuted(e.UpdatedAt.Format(timeFormat)))
	}
}

func printEntityTable(entities []*model.Entity, total int) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLOCATION\tUPDATED")
	for _, e := range entities {
		updated := ""
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.Format(timeFormat)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Location, updated)
	}
	w.Flush()
	fmt.Printf("\n%d entities (%d total)\n", len(entities), total)
}

func printRecord(r *model.Record) {
	fmt.Printf("Entity:    %s\n", ui.RenderAccent(r.EntityID))
	fmt.Printf("Kind:      %s\n", r.Kind)
	fmt.Printf("Version:   %d\n", r.Version)
	if !r.UpdatedAt.IsZero() {
		fmt.Printf("Updated:   %s\n", ui.RenderMuted(r.UpdatedAt.Format(timeFormat)))
	}
	var pretty map[string]any
	if err := json.Unmarshal(r.Payload, &pretty); err == nil {
		data, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("Payload:\n%s\n", data)
	} else {
		fmt.Printf("Payload:   %s\n", r.Payload)
	}
}

func printRecordTable(records []*model.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tVERSION\tUPDATED\tPAYLOAD")
	for _, r := range records {
		payload := string(r.Payload)
		if len(payload) > 60 {
			payload = payload[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Kind, r.Version, r.UpdatedAt.Format(timeFormat), payload)
	}
	w.Flush()
}

func printEscrow(es *model.Escrow, units []*model.EscrowUnit) {
	fmt.Printf("ID:        %s\n", ui.RenderAccent(es.ID))
	fmt.Printf("State:     %s\n", ui.RenderState(string(es.State)))
	fmt.Printf("Expires:   %s\n", es.ExpiresAt.Format(timeFormat))
	if len(units) > 0 {
		fmt.Println("\nUnits:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSOURCE\tSTATE\tRELEASED TO\tDESCRIPTOR")
		for _, u := range units {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n",
				u.ID, u.SourceID, ui.RenderState(string(u.State)), u.ReleasedTo, u.Descriptor)
		}
		w.Flush()
	}
}

func printAction(a *model.ScheduledAction) {
	fmt.Printf("ID:         %s\n", ui.RenderAccent(a.ID))
	fmt.Printf("Entity:     %s\n", a.EntityID)
	if a.Kind != "" {
		fmt.Printf("Kind:       %s\n", a.Kind)
	}
	fmt.Printf("Action:     %s\n", a.Action)
	fmt.Printf("State:      %s\n", ui.RenderState(string(a.State)))
	fmt.Printf("Not before: %s\n", a.NotBefore.Format(timeFormat))
	if a.RepeatEvery > 0 {
		fmt.Printf("Repeats:    every %s (fired %d times)\n", a.RepeatEvery, a.FireCount)
	}
	if a.FiredAt != nil {
		fmt.Printf("Fired at:   %s\n", a.FiredAt.Format(timeFormat))
	}
}

func printEvents(events []*model.Event) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tKIND\tVERSION\tCREATED")
	for _, ev := range events {
		version := ""
		if ev.NewVersion > 0 {
			version = fmt.Sprintf("%d -> %d", ev.OldVersion, ev.NewVersion)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.Topic, ev.Kind, version, ev.CreatedAt.Format(timeFormat))
	}
	w.Flush()
}
