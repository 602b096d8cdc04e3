package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("VAULTSYNC_TEST_INT", "42")
	got := intEnv("VAULTSYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("VAULTSYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("VAULTSYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("VAULTSYNC_TEST_DURATION", "150ms")
	got := durationEnv("VAULTSYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("VAULTSYNC_TEST_DURATION_BAD", "soon")
	got := durationEnv("VAULTSYNC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("VAULTSYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("VAULTSYNC_TEST_DURATION_UNSET")

	if got := intEnv("VAULTSYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("VAULTSYNC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestStorageProfileDefaultsMemory(t *testing.T) {
	t.Setenv("VAULTSYNC_BACKEND_PROFILE", "memory")
	stateDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stateDSN != "memory://" || queueDSN != "memory://" {
		t.Fatalf("expected memory DSNs, got state=%q queue=%q", stateDSN, queueDSN)
	}
}

func TestStorageProfileDefaultsDurableLocal(t *testing.T) {
	t.Setenv("VAULTSYNC_BACKEND_PROFILE", "durable-local")
	t.Setenv("VAULTSYNC_DATA_DIR", filepath.Join("var", "data"))
	stateDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(stateDSN, "sqlite://") || !strings.HasSuffix(stateDSN, "state.db") {
		t.Fatalf("unexpected state DSN %q", stateDSN)
	}
	if !strings.HasPrefix(queueDSN, "file://") || !strings.HasSuffix(queueDSN, "sync-queue.json") {
		t.Fatalf("unexpected queue DSN %q", queueDSN)
	}
}

func TestStorageProfileProductionRequiresDSN(t *testing.T) {
	t.Setenv("VAULTSYNC_BACKEND_PROFILE", "production")
	t.Setenv("VAULTSYNC_PRODUCTION_DSN", "")
	t.Setenv("VAULTSYNC_POSTGRES_DSN", "")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected error when production profile has no DSN")
	}

	t.Setenv("VAULTSYNC_POSTGRES_DSN", "postgres://localhost/vaultsync")
	stateDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stateDSN != "postgres://localhost/vaultsync" || queueDSN != stateDSN {
		t.Fatalf("expected postgres DSNs, got state=%q queue=%q", stateDSN, queueDSN)
	}
}

func TestStorageProfileRejectsUnknownValue(t *testing.T) {
	t.Setenv("VAULTSYNC_BACKEND_PROFILE", "floppy")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected error for unsupported profile")
	}
}

func TestBuildCipherFromEnvHexKey(t *testing.T) {
	t.Setenv("VAULTSYNC_SYNC_KEY_HEX", strings.Repeat("ab", 32))
	t.Setenv("VAULTSYNC_SYNC_KEY_PASSWORD", "")
	cipher, err := buildCipherFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cipher == nil {
		t.Fatalf("expected cipher from hex key")
	}
}

func TestBuildCipherFromEnvRejectsBadHex(t *testing.T) {
	t.Setenv("VAULTSYNC_SYNC_KEY_HEX", "zz")
	if _, err := buildCipherFromEnv(); err == nil {
		t.Fatalf("expected error for invalid hex key")
	}
}

func TestDeploymentModeFromEnvDefaultsLocalOnly(t *testing.T) {
	t.Setenv("VAULTSYNC_MODE", "")
	mode, err := deploymentModeFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(mode) != "LOCAL_ONLY" {
		t.Fatalf("expected LOCAL_ONLY default, got %s", mode)
	}
}
