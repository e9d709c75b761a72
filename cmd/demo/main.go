package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/bulk-analysis/internal/aggregate"
	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/server"
	"github.com/ChuLiYu/bulk-analysis/internal/worker"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

const recordCount = 23

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <sync|cancel|async|timeout>")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	units := demoUnits(recordCount)
	analyzer := worker.Simulated[json.RawMessage]{MaxLatency: 150 * time.Millisecond, FailureRate: 10}

	var (
		result types.JobResult
		err    error
	)
	switch os.Args[1] {
	case "sync":
		coord := newCoordinator(controller.Config{PacingDelay: 200 * time.Millisecond}, analyzer, nil)
		result, err = coord.Run(ctx, units, types.ModeSync)

	case "cancel":
		coord := newCoordinator(controller.Config{PacingDelay: 500 * time.Millisecond}, analyzer, nil)
		if _, err := coord.Start(ctx, units, types.ModeSync); err != nil {
			log.Fatalf("Failed to start job: %v", err)
		}
		time.AfterFunc(time.Second, func() {
			fmt.Println("\n⚡ Cancelling after 1s (units in flight still finish)")
			coord.Cancel()
		})
		result, err = coord.Wait(ctx)

	case "async":
		srv := newSessionServer(analyzer)
		defer srv.Stop()
		coord := newCoordinator(controller.Config{PollInterval: 300 * time.Millisecond}, nil, srv)
		result, err = coord.Run(ctx, units, types.ModeAsyncSession)

	case "timeout":
		slow := worker.Simulated[json.RawMessage]{MaxLatency: 2 * time.Second}
		srv := newSessionServer(slow)
		defer srv.Stop()
		coord := newCoordinator(controller.Config{
			PollInterval:          250 * time.Millisecond,
			SessionTimeout:        1500 * time.Millisecond,
			CancelRemoteOnTimeout: true,
		}, nil, srv)
		result, err = coord.Run(ctx, units, types.ModeAsyncSession)

	default:
		log.Fatalf("Unknown scenario %q", os.Args[1])
	}

	fmt.Printf("\n📊 Job %s\n", result.JobID)
	fmt.Printf("  Mode:      %s\n", result.Mode)
	fmt.Printf("  Status:    %s\n", result.Status)
	fmt.Printf("  Succeeded: %d\n", result.Succeeded)
	fmt.Printf("  Failed:    %d\n", result.Failed)
	fmt.Printf("  Outcomes:  %d of %d units\n", len(result.Outcomes), result.Total)
	fmt.Printf("  Duration:  %s\n", result.Duration().Round(time.Millisecond))
	if err != nil {
		fmt.Printf("  Error:     %v\n", err)
	}
}

func demoUnits(n int) []types.WorkUnit[json.RawMessage] {
	units := make([]types.WorkUnit[json.RawMessage], n)
	for i := range units {
		units[i] = types.WorkUnit[json.RawMessage]{
			ID:      fmt.Sprintf("employee-%03d", i+1),
			Payload: json.RawMessage(fmt.Sprintf(`{"employee":%d}`, i+1)),
		}
	}
	return units
}

func newCoordinator(config controller.Config, a worker.Analyzer[json.RawMessage], srv *server.Server) *controller.Coordinator[json.RawMessage] {
	config.ViewIDs = []string{"skills_overview"}
	deps := controller.Deps[json.RawMessage]{
		Analyzer: a,
		Invalidator: aggregate.InvalidatorFunc(func(_ context.Context, views []string) error {
			fmt.Printf("🔄 Invalidated views %v\n", views)
			return nil
		}),
		Observer: controller.ObserverFuncs{
			Progress: func(s types.ProgressSnapshot) {
				fmt.Printf("  progress %2d/%d (%d ok)\n", s.Processed, s.Total, s.Completed)
			},
		},
	}
	if srv != nil {
		deps.Session = srv
	}

	coord, err := controller.NewCoordinator(config, deps)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	return coord
}

// newSessionServer hosts sessions in-process instead of over gRPC.
func newSessionServer(a worker.Analyzer[json.RawMessage]) *server.Server {
	srv, err := server.NewServer(server.Config{
		Coordinator: controller.Config{BatchSize: 4, PacingDelay: 100 * time.Millisecond},
	}, server.Deps{Analyzer: a})
	if err != nil {
		log.Fatalf("Failed to create session server: %v", err)
	}
	srv.Start()
	return srv
}
