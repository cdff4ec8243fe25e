package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketsSettingString(t *testing.T) {
	tests := []struct {
		name string
		bs   BucketsSetting
		want string
	}{
		{"auto mode", BucketsSetting{Mode: BucketsAuto}, "auto"},
		{"fixed mode 16", BucketsSetting{Mode: BucketsFixed, Value: 16}, "16"},
		{"fixed mode 0", BucketsSetting{Mode: BucketsFixed, Value: 0}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bs.String())
		})
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BucketsAuto, cfg.Tasks.Buckets.Mode)
	assert.Equal(t, 90*time.Second, cfg.Fetch.Lifetime)
	assert.Equal(t, 2*time.Second, cfg.Fetch.BaseRetryInterval)
	assert.Equal(t, 30*time.Second, cfg.Fetch.MaxRetryInterval)
	assert.Equal(t, 10, cfg.Fetch.MaxRestarts)
	assert.Equal(t, 2048, cfg.Fetch.EDNSUDPPayloadSize)
	assert.Equal(t, ForwardPolicyNone, cfg.Forward.Policy)
	assert.Empty(t, cfg.Forward.Servers)
	assert.Equal(t, 600*time.Second, cfg.ADB.LamenessTTL)
}

func TestLoadFromFile(t *testing.T) {
	content := `
tasks:
  buckets: "4"

fetch:
  lifetime: "60s"
  base_retry_interval: "1s"
  max_retry_interval: "20s"
  max_restarts: 5
  edns_udp_payload_size: 1232

forward:
  servers:
    - "1.1.1.1"
    - "9.9.9.9"
  policy: "first"

logging:
  level: "DEBUG"
  format: "text"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BucketsFixed, cfg.Tasks.Buckets.Mode)
	assert.Equal(t, 4, cfg.Tasks.Buckets.Value)
	assert.Equal(t, 60*time.Second, cfg.Fetch.Lifetime)
	assert.Equal(t, 5, cfg.Fetch.MaxRestarts)
	assert.Equal(t, 1232, cfg.Fetch.EDNSUDPPayloadSize)
	assert.Equal(t, ForwardPolicyFirst, cfg.Forward.Policy)
	assert.Len(t, cfg.Forward.Servers, 2)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch:\n  max_restarts: [invalid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidMaxRestarts(t *testing.T) {
	content := "fetch:\n  max_restarts: 0\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidRetryOrdering(t *testing.T) {
	content := "fetch:\n  base_retry_interval: \"10s\"\n  max_retry_interval: \"5s\"\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidBuckets(t *testing.T) {
	content := "tasks:\n  buckets: \"not-a-number\"\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	// invalid buckets value gracefully defaults to "auto"
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BucketsAuto, cfg.Tasks.Buckets.Mode)
}

func TestNormalizeForwardPolicyRequiresServers(t *testing.T) {
	content := "forward:\n  policy: \"only\"\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidEDNSPayloadSize(t *testing.T) {
	content := "fetch:\n  edns_udp_payload_size: 10\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FETCHCORE_TASKS_BUCKETS", "8")
	t.Setenv("FETCHCORE_FETCH_LIFETIME", "45s")
	t.Setenv("FETCHCORE_FORWARD_SERVERS", "1.1.1.1, 8.8.8.8")
	t.Setenv("FETCHCORE_FORWARD_POLICY", "only")
	t.Setenv("FETCHCORE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BucketsFixed, cfg.Tasks.Buckets.Mode)
	assert.Equal(t, 8, cfg.Tasks.Buckets.Value)
	assert.Equal(t, 45*time.Second, cfg.Fetch.Lifetime)
	assert.Len(t, cfg.Forward.Servers, 2)
	assert.Equal(t, ForwardPolicyOnly, cfg.Forward.Policy)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}
