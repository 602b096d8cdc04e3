package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/praxisworks/vaultsync/internal/ingestwatch"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("VAULTSYNC_BASE_URL", "http://127.0.0.1:8080"), "vaultsync daemon base URL")
	hmacSecret := flag.String("hmac-secret", strings.TrimSpace(os.Getenv("VAULTSYNC_INTERNAL_HMAC_SECRET")), "shared internal HMAC secret")
	watchRoot := flag.String("root", strings.TrimSpace(os.Getenv("VAULTSYNC_WATCH_ROOT")), "document directory to watch")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("VAULTSYNC_WATCH_STATE_FILE")), "state file path")
	clientID := flag.String("client-id", strings.TrimSpace(os.Getenv("VAULTSYNC_CLIENT_ID")), "client ID stamped onto ingested documents")
	jurisdiction := flag.String("jurisdiction", strings.TrimSpace(os.Getenv("VAULTSYNC_JURISDICTION")), "jurisdiction stamped onto ingested documents")
	autoSync := flag.Bool("auto-sync", boolEnv("VAULTSYNC_WATCH_AUTO_SYNC", true), "ask the daemon to sync after each ingest")
	debounce := flag.Duration("debounce", durationEnv("VAULTSYNC_WATCH_DEBOUNCE", 500*time.Millisecond), "quiet period before a changed file is ingested")
	timeout := flag.Duration("timeout", durationEnv("VAULTSYNC_WATCH_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one full scan and exit")
	flag.Parse()

	if strings.TrimSpace(*hmacSecret) == "" {
		log.Fatalf("hmac secret is required (--hmac-secret or VAULTSYNC_INTERNAL_HMAC_SECRET)")
	}
	if strings.TrimSpace(*watchRoot) == "" {
		log.Fatalf("root is required (--root or VAULTSYNC_WATCH_ROOT)")
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	client := ingestwatch.NewHTTPClient(*baseURL, *hmacSecret, &http.Client{Timeout: *timeout})
	watcher, err := ingestwatch.NewWatcher(ingestwatch.WatcherOptions{
		Root:         *watchRoot,
		Client:       client,
		StateFile:    *stateFile,
		ClientID:     *clientID,
		Jurisdiction: *jurisdiction,
		AutoSync:     *autoSync,
		Debounce:     *debounce,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize watcher: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		ingested, err := watcher.ScanOnce(rootCtx)
		if err != nil {
			log.Fatalf("scan failed: %v", err)
		}
		log.Printf("scan completed, %d documents ingested", ingested)
		return
	}

	log.Printf("watching %s", *watchRoot)
	if err := watcher.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		log.Fatalf("watch failed: %v", err)
	}
	log.Printf("watch stopping: %v", rootCtx.Err())
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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
