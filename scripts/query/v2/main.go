package main

import (
	"PcapReduce/internal/query"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// query v2 prints stored results through the ns-api gRPC service.
func main() {
	serverAddr := flag.String("addr", "localhost:50051", "The gRPC server address")
	mode := flag.String("mode", "hosts", "Query mode: 'health', 'runs', 'hosts', 'slowest' or 'conversation'")
	runID := flag.String("run", "", "Run ID to query (latest run when empty)")
	key := flag.String("key", "", "Conversation key for conversation mode (e.g. \"10.0.0.1:1234-10.0.0.2:80\")")
	limit := flag.Int("limit", query.DefaultLimit, "Maximum number of rows")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	client := query.NewQueryServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	var out any
	switch *mode {
	case "health":
		out, err = client.HealthCheck(ctx, &query.HealthCheckRequest{})
	case "runs":
		out, err = client.Runs(ctx, &query.RunsRequest{Limit: *limit})
	case "hosts":
		out, err = client.TopHosts(ctx, &query.TopHostsRequest{RunID: *runID, Limit: *limit})
	case "slowest":
		out, err = client.SlowestHandshakes(ctx, &query.SlowestHandshakesRequest{RunID: *runID, Limit: *limit})
	case "conversation":
		if *key == "" {
			log.Fatal("Error: -key flag is required for conversation mode")
		}
		out, err = client.Conversation(ctx, &query.ConversationRequest{RunID: *runID, Key: *key})
	default:
		log.Fatalf("Unknown mode: %s. Use 'health', 'runs', 'hosts', 'slowest' or 'conversation'", *mode)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("Error formatting result: %v", err)
	}
	fmt.Println(string(pretty))
}
