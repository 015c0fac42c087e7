// Package testinfra starts throwaway Postgres, Redis and MongoDB containers for
// integration tests. Tests using it are skipped under -short.
package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresUser     = "etl"
	PostgresPassword = "etl"
	PostgresDB       = "etl"
)

// Service is a started container and the address it is reachable on
type Service struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

// Addr is host:port
func (s *Service) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SkipShort skips integration tests under -short
func SkipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
}

func start(t *testing.T, req testcontainers.ContainerRequest, port string) *Service {
	t.Helper()
	SkipShort(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate %s: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get %s host: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to get %s port: %v", req.Image, err)
	}
	return &Service{Container: container, Host: host, Port: mapped.Int()}
}

// Postgres starts postgres:15-alpine
func Postgres(t *testing.T) *Service {
	return start(t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")
}

// Redis starts redis:7-alpine
func Redis(t *testing.T) *Service {
	return start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379")
}

// Mongo starts mongo:7
func Mongo(t *testing.T) *Service {
	return start(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	}, "27017")
}

// MongoURI is the connection string of a Mongo service
func (s *Service) MongoURI() string {
	return fmt.Sprintf("mongodb://%s", s.Addr())
}
