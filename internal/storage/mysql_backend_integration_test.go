package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMySQLBackend_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("mysql integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_DATABASE":      "itdb",
				"MYSQL_USER":          "ituser",
				"MYSQL_PASSWORD":      "itpass",
				"MYSQL_ROOT_PASSWORD": "itroot",
			},
			WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mysql container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	cfg := MySQLConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "ituser",
		Password: "itpass",
		Database: "itdb",
	}

	var backend *MySQLBackend
	// The listening port comes up before MySQL accepts auth; retry briefly.
	require.Eventually(t, func() bool {
		backend, err = NewMySQLBackend(ctx, cfg)
		return err == nil
	}, 90*time.Second, 3*time.Second, "mysql did not become ready")
	t.Cleanup(func() { _ = backend.Close() })

	require.NoError(t, backend.Health(ctx))

	cred := &Credential{
		ID:         "it-cred",
		Provider:   "kiro",
		Name:       "integration",
		AuthMethod: "social",
		Active:     true,
		ExpiresAt:  time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, backend.InsertCredential(ctx, cred))

	got, err := backend.GetCredential(ctx, "kiro", "it-cred")
	require.NoError(t, err)
	require.Equal(t, "integration", got.Name)
	require.True(t, got.Active)

	require.NoError(t, backend.IncrementCredentialField(ctx, "kiro", "it-cred", "use_count", 2))
	got, err = backend.GetCredential(ctx, "kiro", "it-cred")
	require.NoError(t, err)
	require.EqualValues(t, 2, got.UseCount)

	// Quarantine twice; the second upsert must bump the counter in place.
	ec := &ErrorCredential{ID: "it-err", OriginalID: "it-cred", Provider: "kiro", Name: "integration", ErrorMessage: "boom"}
	require.NoError(t, backend.UpsertErrorCredential(ctx, ec))
	ec2 := &ErrorCredential{ID: "it-err-dup", OriginalID: "it-cred", Provider: "kiro", Name: "integration", ErrorMessage: "boom again"}
	require.NoError(t, backend.UpsertErrorCredential(ctx, ec2))

	rows, err := backend.ListErrorCredentials(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].ErrorCount)

	require.NoError(t, backend.UpsertHealth(ctx, &HealthRow{Provider: "kiro", CredentialID: "it-cred", Score: 70}))
	require.NoError(t, backend.UpsertHealth(ctx, &HealthRow{Provider: "kiro", CredentialID: "it-cred", Score: 50}))
	h, err := backend.GetHealth(ctx, "kiro", "it-cred")
	require.NoError(t, err)
	require.Equal(t, float64(50), h.Score)

	require.NoError(t, backend.SetSetting(ctx, "selection_strategy", []byte(`"sticky"`)))
	v, err := backend.GetSetting(ctx, "selection_strategy")
	require.NoError(t, err)
	require.JSONEq(t, `"sticky"`, string(v))

	stats, err := backend.GetStorageStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Credentials)
	require.EqualValues(t, 1, stats.ErrorCredentials)
}
