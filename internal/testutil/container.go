package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/conclav/conclav-notify/internal/pkg/postgres"
	"github.com/conclav/conclav-notify/migrations"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage  = "postgres:16-alpine"
	mailpitImage   = "ghcr.io/axllent/mailpit:latest"
	startupTimeout = 60 * time.Second

	mailpitSMTPPort nat.Port = "1025/tcp"
	mailpitAPIPort  nat.Port = "8025/tcp"
)

// PostgresContainer is a throwaway database with every migration applied.
type PostgresContainer struct {
	*tcpostgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL and migrates it to the latest
// schema. The caller terminates it.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	c, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("conclav"),
		tcpostgres.WithUsername("conclav"),
		tcpostgres.WithPassword("conclav"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		err = postgres.Migrate(migrations.FS, dsn, postgres.MigrateUp, 0)
	}
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("prepare postgres container: %w", err)
	}

	return &PostgresContainer{PostgresContainer: c, ConnectionString: dsn}, nil
}

// MailpitContainer is an SMTP sink whose inbox is readable over REST.
// It accepts plain SMTP without authentication.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// NewMailpitContainer starts Mailpit and resolves its mapped ports.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mailpitImage,
			ExposedPorts: []string{string(mailpitSMTPPort), string(mailpitAPIPort)},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(mailpitSMTPPort),
				wait.ForHTTP("/api/v1/info").WithPort(mailpitAPIPort),
			).WithDeadline(startupTimeout),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	mc := &MailpitContainer{Container: c}
	if mc.SMTPHost, mc.SMTPPort, err = endpoint(ctx, c, mailpitSMTPPort); err == nil {
		mc.APIHost, mc.APIPort, err = endpoint(ctx, c, mailpitAPIPort)
	}
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return mc, nil
}

func endpoint(ctx context.Context, c testcontainers.Container, port nat.Port) (string, int, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("resolve container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", 0, fmt.Errorf("resolve mapped port %s: %w", port, err)
	}
	return host, mapped.Int(), nil
}
