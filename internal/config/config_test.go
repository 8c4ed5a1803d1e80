package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var managedKeys = []string{
	"CONFIG_ENV_PATH", "STORE_DRIVER", "MYSQL_DSN", "JWT_SECRET", "KIE_API_KEY", "KIE_BASE_URL",
	"S3_REGION", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_PUBLIC_BASE_URL",
	"GENERATION_COST", "JOB_MAX_ATTEMPTS", "CREDIT_PACKS", "MYSQL_MAX_OPEN_CONNS",
	"JOB_RETRY_BACKOFF", "WORKER_ENABLED", "TRIAL_DAYS",
}

// clearEnv unsets every key the tests touch and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("CONFIG_ENV_PATH", filepath.Join(t.TempDir(), "absent.env"))
}

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"MYSQL_DSN":          "user:pass@tcp(localhost:3306)/restyle",
		"JWT_SECRET":         "secret",
		"KIE_API_KEY":        "kie",
		"S3_REGION":          "ru-1",
		"S3_ACCESS_KEY":      "ak",
		"S3_SECRET_KEY":      "sk",
		"S3_BUCKET":          "photos",
		"S3_PUBLIC_BASE_URL": "https://cdn.example.com",
	} {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.StoreDriver)
	assert.Equal(t, 200, cfg.GenerationCost)
	assert.Equal(t, 1000, cfg.TrialCredits)
	assert.Equal(t, 3, cfg.TrialDays)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.JobStaleAfter)
	assert.Equal(t, "https://api.kie.ai", cfg.KIEBaseURL)
	assert.Equal(t, map[string]int{"credits_1000": 1000, "credits_5000": 5000}, cfg.CreditPacks)
	assert.True(t, cfg.WorkerEnabled)
}

func TestLoadReportsMissing(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	for _, k := range []string{"MYSQL_DSN", "JWT_SECRET", "KIE_API_KEY", "S3_BUCKET"} {
		assert.Contains(t, err.Error(), k)
	}
}

func TestLoadMemoryDriverNeedsNoDSN(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	os.Unsetenv("MYSQL_DSN")
	t.Setenv("STORE_DRIVER", "Memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":       {"STORE_DRIVER": "postgres"},
		"cost":         {"GENERATION_COST": "0"},
		"attempts":     {"JOB_MAX_ATTEMPTS": "-1"},
		"pack format":  {"CREDIT_PACKS": "credits_1000"},
		"pack credits": {"CREDIT_PACKS": "credits_1000:zero"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			setRequired(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("CREDIT_PACKS", " small:100 , big:900 ")
	t.Setenv("MYSQL_MAX_OPEN_CONNS", "1")
	t.Setenv("JOB_RETRY_BACKOFF", "250ms")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("KIE_BASE_URL", "kie.ai")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"small": 100, "big": 900}, cfg.CreditPacks)
	assert.Equal(t, 2, cfg.MySQLMaxOpenConns)
	assert.Equal(t, 250*time.Millisecond, cfg.JobRetryBackoff)
	assert.False(t, cfg.WorkerEnabled)
	assert.Equal(t, "https://api.kie.ai", cfg.KIEBaseURL)
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"MYSQL_DSN=dsn\nJWT_SECRET=s\nKIE_API_KEY=k\nS3_REGION=r\nS3_ACCESS_KEY=a\n"+
			"S3_SECRET_KEY=b\nS3_BUCKET=photos\nS3_PUBLIC_BASE_URL=https://cdn\nTRIAL_DAYS=7\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "photos", cfg.S3Bucket)
	assert.Equal(t, 7, cfg.TrialDays)
}
