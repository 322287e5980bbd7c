package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/chatclient/internal/auth"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
)

// setupTestEnv points the env file at an empty directory so a stray .env
// cannot leak into the test.
func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvFileVar, filepath.Join(dir, ".env"))
	return dir
}

func TestLoadClient_defaults(t *testing.T) {
	setupTestEnv(t)

	cfg, err := LoadClient(nil)
	require.NoError(t, err)
	require.Equal(t, transport.DefaultEndpoint, cfg.Endpoint)
	require.Equal(t, auth.DefaultBaseURL, cfg.APIURL)
	require.Equal(t, 10*time.Second, cfg.Timeout)
	require.Equal(t, 200, cfg.HistorySize)
	require.False(t, cfg.Debug)
	require.Empty(t, cfg.Token)
}

func TestLoadClient_environmentAndFlags(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("CHAT_ENDPOINT", "ws://chat.example.com/socket")
	t.Setenv("CHAT_TOKEN", "from-env")
	t.Setenv("CHAT_TIMEOUT", "3s")
	t.Setenv("CHAT_DEBUG", "true")

	cfg, err := LoadClient([]string{"--token", "from-flag", "--history-size=50", "-u", "alice@example.com"})
	require.NoError(t, err)
	require.Equal(t, "ws://chat.example.com/socket", cfg.Endpoint)
	require.Equal(t, "from-flag", cfg.Token)
	require.Equal(t, 3*time.Second, cfg.Timeout)
	require.Equal(t, 50, cfg.HistorySize)
	require.Equal(t, "alice@example.com", cfg.Email)
	require.True(t, cfg.Debug)
}

func TestLoadClient_invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "bad timeout", env: map[string]string{"CHAT_TIMEOUT": "soon"}},
		{name: "bad history size", env: map[string]string{"CHAT_HISTORY_SIZE": "many"}},
		{name: "bad debug", env: map[string]string{"CHAT_DEBUG": "maybe"}},
		{name: "zero timeout", args: []string{"--timeout", "0s"}},
		{name: "negative history", args: []string{"--history-size", "-1"}},
		{name: "unknown flag", args: []string{"--colour"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadClient(tt.args)
			require.Error(t, err)
		})
	}
}

func TestLoadClient_envFile(t *testing.T) {
	dir := setupTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHAT_TRANSCRIPT=/tmp/chat.log\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHAT_TRANSCRIPT") })

	cfg, err := LoadClient(nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/chat.log", cfg.Transcript)
}

func TestLoadServer(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("DEVSERVER_USERS", "alice@example.com:pw1:Alice, bob@example.com:pw2")
	t.Setenv("JWT_TTL", "1h")

	cfg, err := LoadServer([]string{"--addr", ":9000"})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, "data/chat.db", cfg.DBPath)
	require.Equal(t, time.Hour, cfg.TokenTTL)
	require.Equal(t, []SeedUser{
		{Email: "alice@example.com", Password: "pw1", Name: "Alice"},
		{Email: "bob@example.com", Password: "pw2"},
	}, cfg.Users)

	_, err = LoadServer([]string{"--jwt-secret", ""})
	require.Error(t, err)
}

func TestParseSeedUsers(t *testing.T) {
	users, err := ParseSeedUsers("")
	require.NoError(t, err)
	require.Empty(t, users)

	users, err = ParseSeedUsers("a@x:secret:Name With:Colon")
	require.NoError(t, err)
	require.Equal(t, "Name With:Colon", users[0].Name)

	for _, bad := range []string{"a@x", ":pw", "a@x:"} {
		_, err := ParseSeedUsers(bad)
		require.Error(t, err, bad)
	}
}
