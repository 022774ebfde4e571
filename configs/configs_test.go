package configs

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("BLAZE_DATABASE_DSN", "test.db")
	t.Setenv("BLAZE_WORKER_COUNT", "3")
	t.Setenv("BLAZE_UPLOAD_WORKER_COUNT", "1")
	t.Setenv("BLAZE_JOB_RETRY_MIN", "10ms")
	t.Setenv("BLAZE_LOCAL_NAME", "alice")
	t.Setenv("BLAZE_LOCAL_DEVICE_ID", "2")

	cfg, err := Parse()

	if err != nil {
		t.Fatal(err)
	}

	if cfg.DatabaseDSN != "test.db" {
		t.Errorf(`expected "DatabaseDSN" to equal "test.db", got "%s"`, cfg.DatabaseDSN)
	}

	if cfg.WorkerCount != 3 {
		t.Errorf(`expected "WorkerCount" to equal 3, got %d`, cfg.WorkerCount)
	}

	if cfg.JobRetryMin != 10*time.Millisecond {
		t.Errorf(`expected "JobRetryMin" to equal 10ms, got %s`, cfg.JobRetryMin)
	}

	if cfg.LocalName != "alice" || cfg.LocalDeviceID != 2 {
		t.Errorf(`expected local address "alice:2", got "%s:%d"`, cfg.LocalName, cfg.LocalDeviceID)
	}

	if cfg.BlazeStoreType != "gorm" {
		t.Errorf(`expected default "BlazeStoreType" to equal "gorm", got "%s"`, cfg.BlazeStoreType)
	}
}

func TestParseConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "zero workers",
			env:  map[string]string{"BLAZE_WORKER_COUNT": "0"},
		},
		{
			name: "redis without url",
			env:  map[string]string{"BLAZE_BLAZE_STORE_TYPE": "redis"},
		},
		{
			name: "unknown store",
			env:  map[string]string{"BLAZE_BLAZE_STORE_TYPE": "etcd"},
		},
		{
			name: "unknown idempotency store",
			env:  map[string]string{"BLAZE_IDEMPOTENCY_MIDDLEWARE_DATABASE_TYPE": "memcached"},
		},
		{
			name: "idempotency redis without url",
			env:  map[string]string{"BLAZE_IDEMPOTENCY_MIDDLEWARE_DATABASE_TYPE": "redis"},
		},
		{
			name: "inverted retry bounds",
			env:  map[string]string{"BLAZE_JOB_RETRY_MIN": "2m", "BLAZE_JOB_RETRY_MAX": "1m"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			if _, err := Parse(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	ConfigureLogger("debug")
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("expected debug level, got %s", log.GetLevel())
	}

	ConfigureLogger("nonsense")
	if log.GetLevel() != log.InfoLevel {
		t.Errorf("expected fallback to info level, got %s", log.GetLevel())
	}
}
