package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client for a test Redis and a cleanup function that
// flushes it. Like PGTest it uses REDIS_URL, a container when
// DEVICETRUST_TESTCONTAINERS=1, or skips.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url, stop := redisURL(ctx, t)
	opts, err := redis.ParseURL(url)
	if err != nil {
		stop()
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		stop()
		t.Fatalf("redistest: ping: %v", err)
	}

	cleanup := func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
		stop()
	}
	return client, cleanup
}

func redisURL(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	if u := os.Getenv("REDIS_URL"); u != "" {
		return u, func() {}
	}
	if os.Getenv("DEVICETRUST_TESTCONTAINERS") != "1" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("redistest: start redis container: %v", err)
	}
	stop := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("redistest: terminate container: %v", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		stop()
		t.Fatalf("redistest: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		stop()
		t.Fatalf("redistest: container port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port()), stop
}
