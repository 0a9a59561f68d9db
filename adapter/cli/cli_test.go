package cli

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/lingomarket/adapter/api"
	"github.com/felixgeelhaar/lingomarket/pkg/observability"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var output strings.Builder
	cmd.SetContext(context.Background())
	cmd.SetOut(&output)
	if cmd.RunE == nil {
		cmd.Run(cmd, args)
		return output.String(), nil
	}
	err := cmd.RunE(cmd, args)
	return output.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, versionCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "lingomarket dev")
	assert.Contains(t, out, "commit: none")
}

func TestHealthCmd(t *testing.T) {
	registry := observability.NewHealthRegistry()
	registry.Register("database", func(context.Context) observability.HealthCheckResult {
		return observability.HealthCheckResult{Status: observability.HealthStatusHealthy}
	})
	SetApp(&App{Health: registry})
	defer SetApp(nil)

	out, err := run(t, healthCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "database")
	assert.Contains(t, out, "overall    healthy")

	registry.Register("redis", observability.PingChecker("redis", observability.HealthStatusUnhealthy, func(context.Context) error {
		return errors.New("connection refused")
	}))
	out, err = run(t, healthCmd)
	require.Error(t, err)
	assert.Contains(t, out, "redis unreachable: connection refused")
}

func TestMigrateCmd_SQLite(t *testing.T) {
	SetApp(&App{DatabaseDriver: "sqlite"})
	defer SetApp(nil)

	for _, cmd := range []*cobra.Command{migrateUpCmd, migrateDownCmd, migrateStatusCmd} {
		out, err := run(t, cmd)
		require.NoError(t, err)
		assert.Contains(t, out, "migrated automatically")
	}
}

func TestMigrateCmd_RequiresURL(t *testing.T) {
	SetApp(&App{DatabaseDriver: "postgres"})
	defer SetApp(nil)

	_, err := run(t, migrateUpCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrateCmd_Postgres(t *testing.T) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	SetApp(&App{DatabaseDriver: "postgres", DatabaseURL: dbURL})
	defer SetApp(nil)

	_, err := run(t, migrateUpCmd)
	require.NoError(t, err)

	out, err := run(t, migrateStatusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema version:")
	assert.NotContains(t, out, "dirty")
}

func TestRunServer_StopsOnCancel(t *testing.T) {
	cfg := api.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := api.NewServer(cfg, api.Handlers{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, runServer(ctx, srv, time.Second))
}

func TestRunServer_ListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := api.DefaultServerConfig()
	cfg.Addr = busy.Addr().String()
	srv := api.NewServer(cfg, api.Handlers{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = runServer(ctx, srv, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http server")
}
