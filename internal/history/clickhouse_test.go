package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/loykin/sentinel/internal/workload"
)

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24-alpine",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	sink, err := NewClickHouse(fmt.Sprintf("%s:%s", host, port.Port()), "default", "default", "", "test_events")
	if err != nil {
		t.Fatalf("Failed to create ClickHouse sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := workload.Event{
		Type:       workload.EventPhaseChanged,
		WorkloadID: "w1",
		Time:       time.Now().UTC(),
		From:       workload.PhaseIdle,
		To:         workload.PhaseStarting,
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send event: %v", err)
	}
}
