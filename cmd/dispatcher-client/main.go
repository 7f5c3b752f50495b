// Command dispatcher-client submits one batch of payloads to a running
// dispatcher-worker over a broker transport and prints the results.
//
// # Usage
//
//	dispatcher-client --redis redis://localhost:6379/0 --payloads '[1,2,3]'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/dynabatch/pkg/streamer"
	"github.com/pilot-net/dynabatch/pkg/transport"
	"github.com/pilot-net/dynabatch/pkg/types"
)

func main() {
	var (
		redisURL = flag.String("redis", "redis://localhost:6379/0", "broker redis URL")
		payloads = flag.String("payloads", "[1,2,3]", "JSON array of individual payloads")
		timeout  = flag.Duration("timeout", 20*time.Second, "max time to wait for a response")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	var rawItems []json.RawMessage
	if err := json.Unmarshal([]byte(*payloads), &rawItems); err != nil {
		logger.Error("invalid --payloads, expected a JSON array", "error", err)
		os.Exit(1)
	}
	batch := make([]types.Payload, len(rawItems))
	for i, item := range rawItems {
		batch[i] = types.Payload(item)
	}

	clientID := types.ClientID(uuid.NewString())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := transport.NewBrokerClient(ctx, *redisURL, clientID, logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	s := streamer.New(client, streamer.Config{}, logger)
	defer s.Close()

	predictCtx, predictCancel := context.WithTimeout(context.Background(), *timeout)
	defer predictCancel()

	results, err := s.Predict(predictCtx, batch)
	if err != nil {
		logger.Error("predict failed", "error", err)
		os.Exit(1)
	}

	for i, r := range results {
		fmt.Printf("%d: %s\n", i, string(r))
	}
}
