package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/groblegark/aspectd/internal/dispatch"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch [topic-pattern]",
	Short:   "Stream events as they are delivered (default pattern: >)",
	GroupID: "system",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ">"
		if len(args) == 1 {
			pattern = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		// Prefer the event bus when a NATS URL is known; fall back to the
		// server's SSE stream otherwise.
		natsURL := os.Getenv("ASPECTD_NATS_URL")
		if natsURL == "" {
			natsURL = activeRemoteNATSURL()
		}
		if natsURL != "" {
			return watchNATS(ctx, natsURL, pattern)
		}
		return watchSSE(ctx, pattern)
	},
}

func watchNATS(ctx context.Context, natsURL, pattern string) error {
	sub, err := dispatch.NewNATSSubscriber(natsURL)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(pattern)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			printWatchedEvent(data)
		}
	}
}

func watchSSE(ctx context.Context, pattern string) error {
	url := strings.TrimRight(httpURL, "/") + "/v1/events/stream?topics=" + pattern
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			printWatchedEvent([]byte(data))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func printWatchedEvent(data []byte) {
	if jsonOutput {
		fmt.Println(string(data))
		return
	}
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Println(string(data))
		return
	}
	line := fmt.Sprintf("%s  %s", ev.CreatedAt.Format("15:04:05"), ev.Topic)
	if ev.EntityID != "" {
		line += "  " + ev.EntityID
	}
	if ev.NewVersion > 0 {
		line += fmt.Sprintf("  v%d", ev.NewVersion)
	}
	if len(ev.Changed) > 0 {
		line += "  [" + strings.Join(ev.Changed, ",") + "]"
	}
	fmt.Println(line)
}
