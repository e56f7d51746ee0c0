package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		args     []string
		wantHost string
		wantPort uint16
		wantRead string
		wantErr  bool
	}{
		{
			name:     "initiator positional",
			role:     Initiator,
			args:     []string{"0.0.0.0", "8022"},
			wantHost: "0.0.0.0",
			wantPort: 8022,
			wantRead: "a",
		},
		{
			name:     "responder positional",
			role:     Responder,
			args:     []string{"10.0.0.5", "22"},
			wantHost: "10.0.0.5",
			wantPort: 22,
			wantRead: "b",
		},
		{
			name:     "flags before positional",
			role:     Responder,
			args:     []string{"-read-dir", "/mnt/in", "-write-dir", "/mnt/out", "example.org", "443"},
			wantHost: "example.org",
			wantPort: 443,
			wantRead: "/mnt/in",
		},
		{name: "missing port", role: Responder, args: []string{"example.org"}, wantErr: true},
		{name: "port overflow", role: Initiator, args: []string{"127.0.0.1", "70000"}, wantErr: true},
		{name: "no target", role: Responder, args: nil, wantErr: true},
		{name: "same dirs", role: Initiator, args: []string{"-read-dir", "x", "-write-dir", "x/", "127.0.0.1", "1"}, wantErr: true},
		{name: "responder only flag on initiator", role: Initiator, args: []string{"-redis", "r:6379", "127.0.0.1", "1"}, wantErr: true},
		{name: "bad interval", role: Responder, args: []string{"-segment-poll", "0s", "h", "1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(tt.role, tt.args, "test", io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, c.Host)
			assert.Equal(t, tt.wantPort, c.Port)
			assert.Equal(t, tt.wantRead, c.ReadDir)
			assert.Equal(t, tt.role, c.Role)
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fstunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: upstream.internal
port: 5432
read_dir: /sync/in
write_dir: /sync/out
liveness_timeout: 30s
delete_interval: 1s
redis:
  addr: redis:6379
  ttl: 2m
`), 0o644))

	c, err := Parse(Responder, []string{"-config", path, "-liveness-timeout", "45s"}, "test", io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "upstream.internal", c.Host)
	assert.Equal(t, uint16(5432), c.Port)
	assert.Equal(t, "/sync/in", c.ReadDir)
	assert.Equal(t, 45*time.Second, c.Liveness, "flag overrides file")
	assert.Equal(t, time.Second, c.DeleteInterval)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
	assert.Equal(t, 2*time.Minute, c.Redis.TTL)
	assert.Equal(t, 50*time.Millisecond, c.ScanInterval, "defaults survive the file")

	rc := c.Relay()
	assert.Equal(t, "/sync/in", rc.ReadDir)
	assert.Equal(t, 45*time.Second, rc.Liveness)
	assert.Equal(t, "redis:6379", c.Admission().RedisAddr)
	assert.Equal(t, "upstream.internal:5432", c.Addr())
}

func TestParseMissingConfigFile(t *testing.T) {
	_, err := Parse(Initiator, []string{"-config", filepath.Join(t.TempDir(), "nope.yaml"), "127.0.0.1", "1"}, "test", io.Discard)
	assert.Error(t, err)
}

func TestDefaultsMirrorDirectories(t *testing.T) {
	i, r := Defaults(Initiator), Defaults(Responder)
	assert.Equal(t, i.ReadDir, r.WriteDir)
	assert.Equal(t, i.WriteDir, r.ReadDir)
}
