package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/convgraph/internal/client"
	"github.com/alfredjeanlab/convgraph/internal/events"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

var watchCmd = &cobra.Command{
	Use:     "watch <graph-id>",
	Short:   "Stream the events of a graph",
	GroupID: "views",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		graphID := args[0]
		after, _ := cmd.Flags().GetInt64("after")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		natsURL, _ := cmd.Flags().GetString("nats")
		if natsURL == "" {
			natsURL = os.Getenv("CONVGRAPH_NATS_URL")
		}
		if natsURL == "" {
			natsURL = activeRemote().NATSURL
		}
		if natsURL != "" {
			return watchNATS(ctx, natsURL, graphID)
		}
		return watchStream(ctx, graphID, after)
	},
}

func printEvent(e *model.Event) error {
	if jsonOutput {
		printJSON(e)
		return nil
	}
	fmt.Println(formatEvent(e))
	return nil
}

// watchStream follows the server's event stream, resuming after the last
// delivered event whenever the server drops a lagging watcher.
func watchStream(ctx context.Context, graphID string, after int64) error {
	last := after
	track := func(e *model.Event) error {
		if e.ID > last {
			last = e.ID
		}
		return printEvent(e)
	}
	for {
		err := cg.Watch(ctx, graphID, last, track)
		var lagged *client.LaggedError
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.As(err, &lagged):
			if lagged.LastEventID > last {
				last = lagged.LastEventID
			}
			fmt.Fprintf(os.Stderr, "watch fell behind, resuming after event %d\n", last)
		case err != nil:
			return err
		default:
			// Server closed the stream cleanly; reconnect after a pause.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// watchNATS reads the graph's events straight off the message bus.
func watchNATS(ctx context.Context, natsURL, graphID string) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(events.GraphSubject(graphID))
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
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
			e, err := events.Decode(data)
			if err != nil {
				log.Printf("skipping malformed event: %v", err)
				continue
			}
			if err := printEvent(e); err != nil {
				return err
			}
		}
	}
}

func init() {
	watchCmd.Flags().Int64("after", 0, "replay events after this id (0 = live only)")
	watchCmd.Flags().String("nats", "", "read events from this NATS server instead of the API")
}
