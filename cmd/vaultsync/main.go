package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/praxisworks/vaultsync/internal/httpapi"
	"github.com/praxisworks/vaultsync/internal/vaultsync"
)

func main() {
	addr := os.Getenv("VAULTSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	rules, err := vaultsync.LoadRuleSet(os.Getenv("VAULTSYNC_RULES_FILE"))
	if err != nil {
		log.Fatalf("failed to load classification rules: %v", err)
	}
	cipher, err := buildCipherFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize payload cipher: %v", err)
	}
	stateBackend, syncQueue, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}
	mode, err := deploymentModeFromEnv()
	if err != nil {
		log.Fatalf("invalid deployment mode: %v", err)
	}
	cloudStore, err := buildCloudStoreFromEnv(mode)
	if err != nil {
		log.Fatalf("failed to initialize cloud store: %v", err)
	}

	manager, err := vaultsync.NewManagerWithOptions(vaultsync.ManagerOptions{
		Rules:        &rules,
		Cipher:       cipher,
		Queue:        syncQueue,
		QueueSize:    intEnv("VAULTSYNC_QUEUE_SIZE", 0),
		SyncWorkers:  intEnv("VAULTSYNC_SYNC_WORKERS", 0),
		StateBackend: stateBackend,
		StateFile:    os.Getenv("VAULTSYNC_STATE_FILE"),
		SyncTimeout:  durationEnv("VAULTSYNC_SYNC_TIMEOUT", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync manager: %v", err)
	}
	controller, err := vaultsync.NewController(vaultsync.ControllerOptions{
		Mode:           mode,
		Manager:        manager,
		CloudStore:     cloudStore,
		HealthInterval: durationEnv("VAULTSYNC_HEALTH_INTERVAL", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize controller: %v", err)
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := controller.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatalf("controller initialization failed: %v", err)
	}
	cancelInit()

	server := httpapi.NewServerWithConfig(manager, controller, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("VAULTSYNC_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("VAULTSYNC_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("VAULTSYNC_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("VAULTSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("VAULTSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("VAULTSYNC_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("vaultsync listening on %s mode=%s state=%s", addr, controller.Mode(), controller.State())
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Fatalf("server failed: %v", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("VAULTSYNC_SHUTDOWN_TIMEOUT", 30*time.Second))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Printf("controller shutdown: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func deploymentModeFromEnv() (vaultsync.DeploymentMode, error) {
	raw := strings.TrimSpace(os.Getenv("VAULTSYNC_MODE"))
	if raw == "" {
		return vaultsync.ModeLocalOnly, nil
	}
	return vaultsync.ParseDeploymentMode(raw)
}

// buildCipherFromEnv prefers a raw hex key. A passphrase is accepted for
// development setups and stretched with PBKDF2.
func buildCipherFromEnv() (*vaultsync.PayloadCipher, error) {
	if rawKey := strings.TrimSpace(os.Getenv("VAULTSYNC_SYNC_KEY_HEX")); rawKey != "" {
		key, err := hex.DecodeString(rawKey)
		if err != nil {
			return nil, fmt.Errorf("VAULTSYNC_SYNC_KEY_HEX is not valid hex: %w", err)
		}
		return vaultsync.NewPayloadCipher(key)
	}
	if password := os.Getenv("VAULTSYNC_SYNC_KEY_PASSWORD"); password != "" {
		return vaultsync.NewPayloadCipherFromPassword(password)
	}
	return nil, nil
}

func buildStorageBackendsFromEnv() (vaultsync.StateBackend, vaultsync.SyncQueue, error) {
	if _, _, err := storageProfileDefaultsFromEnv(); err != nil {
		return nil, nil, err
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		return nil, nil, err
	}
	syncQueue, err := buildSyncQueueFromEnv()
	if err != nil {
		return nil, nil, err
	}
	return stateBackend, syncQueue, nil
}

func buildStateBackendFromEnv() (vaultsync.StateBackend, error) {
	profileStateDSN, _, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("VAULTSYNC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("VAULTSYNC_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return vaultsync.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return vaultsync.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		return vaultsync.BuildStateBackendFromDSN(profileStateDSN)
	default:
		return nil, nil
	}
}

func buildSyncQueueFromEnv() (vaultsync.SyncQueue, error) {
	_, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	queueDSN := strings.TrimSpace(os.Getenv("VAULTSYNC_QUEUE_DSN"))
	queueFile := strings.TrimSpace(os.Getenv("VAULTSYNC_QUEUE_FILE"))
	capacity := intEnv("VAULTSYNC_QUEUE_SIZE", 0)
	switch {
	case queueDSN != "":
		return vaultsync.BuildSyncQueueFromDSN(queueDSN, capacity)
	case queueFile != "":
		return vaultsync.BuildSyncQueueFromDSN(queueFile, capacity)
	case profileQueueDSN != "":
		return vaultsync.BuildSyncQueueFromDSN(profileQueueDSN, capacity)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (stateBackendDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("VAULTSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("VAULTSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".vaultsync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("VAULTSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("VAULTSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("VAULTSYNC_PRODUCTION_DSN or VAULTSYNC_POSTGRES_DSN is required when VAULTSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "state.db"),
			"file://" + filepath.Join(dataDir, "sync-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported VAULTSYNC_BACKEND_PROFILE: %s", profile)
	}
}

// buildCloudStoreFromEnv picks the replica transport. S3 wins when a
// bucket is set, then the HTTP replica endpoint; LOCAL_ONLY mode and
// bare dev setups run without one.
func buildCloudStoreFromEnv(mode vaultsync.DeploymentMode) (vaultsync.CloudStore, error) {
	if mode == vaultsync.ModeLocalOnly {
		return nil, nil
	}
	if bucket := strings.TrimSpace(os.Getenv("VAULTSYNC_S3_BUCKET")); bucket != "" {
		return vaultsync.NewS3CloudStore(vaultsync.S3CloudStoreConfig{
			Bucket:          bucket,
			Region:          strings.TrimSpace(os.Getenv("VAULTSYNC_S3_REGION")),
			Endpoint:        strings.TrimSpace(os.Getenv("VAULTSYNC_S3_ENDPOINT")),
			AccessKeyID:     strings.TrimSpace(os.Getenv("VAULTSYNC_S3_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(os.Getenv("VAULTSYNC_S3_SECRET_ACCESS_KEY")),
			Prefix:          strings.TrimSpace(os.Getenv("VAULTSYNC_S3_PREFIX")),
			UsePathStyle:    boolEnv("VAULTSYNC_S3_PATH_STYLE", false),
			MaxRetries:      intEnv("VAULTSYNC_S3_MAX_RETRIES", 0),
		})
	}
	if endpoint := strings.TrimSpace(os.Getenv("VAULTSYNC_CLOUD_ENDPOINT")); endpoint != "" {
		token := strings.TrimSpace(os.Getenv("VAULTSYNC_CLOUD_TOKEN"))
		var tokenProvider vaultsync.CloudAccessTokenProvider
		if token != "" {
			tokenProvider = func(context.Context) (string, error) { return token, nil }
		}
		return vaultsync.NewHTTPCloudStore(vaultsync.CloudHTTPClientOptions{
			BaseURL:       endpoint,
			TokenProvider: tokenProvider,
			UserAgent:     "vaultsync-daemon",
			MaxRetries:    intEnv("VAULTSYNC_CLOUD_MAX_RETRIES", 0),
		}), nil
	}
	log.Printf("no cloud store configured, using in-memory replica (development only)")
	return vaultsync.NewMemoryCloudStore(), nil
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
