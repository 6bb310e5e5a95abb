package main

import (
	"context"
	"errors"
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

	"github.com/joho/godotenv"

	"github.com/fieldops/transferbox/internal/httpapi"
	"github.com/fieldops/transferbox/internal/outbox"
	"github.com/fieldops/transferbox/internal/remoteapi"
)

func main() {
	_ = godotenv.Load()

	addr := envOrDefault("TRANSFERBOX_ADDR", ":8484")
	remoteURL := envOrDefault("TRANSFERBOX_REMOTE_URL", "http://127.0.0.1:8069")
	remoteToken := strings.TrimSpace(os.Getenv("TRANSFERBOX_REMOTE_TOKEN"))
	if remoteToken == "" {
		log.Fatalf("TRANSFERBOX_REMOTE_TOKEN is required")
	}

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := outbox.NewStoreWithOptions(outbox.StoreOptions{
		Backend: backend,
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to open pending store: %v", err)
	}
	defer store.Close()

	remote := remoteapi.NewClient(remoteapi.ClientOptions{
		BaseURL: remoteURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return remoteToken, nil
		},
		HTTPClient: &http.Client{Timeout: durationEnv("TRANSFERBOX_REMOTE_TIMEOUT", 30*time.Second)},
		UserAgent:  "transferboxd",
	})
	gate := outbox.NewGate(outbox.GateOptions{
		ProbeURL: remote.ProbeURL(),
		Timeout:  durationEnv("TRANSFERBOX_PROBE_TIMEOUT", 5*time.Second),
		Logger:   log.Default(),
	})
	drainer, err := outbox.NewDrainer(store, remote, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize drainer: %v", err)
	}
	monitor, err := outbox.NewMonitor(gate, drainer, outbox.MonitorOptions{
		Interval: durationEnv("TRANSFERBOX_CHECK_INTERVAL", 10*time.Second),
		Jitter:   floatEnv("TRANSFERBOX_CHECK_JITTER", 0.2),
		OnChange: func(online bool) {
			if online {
				log.Printf("connectivity restored")
			} else {
				log.Printf("connectivity lost")
			}
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize monitor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go monitor.Run(ctx)

	server := httpapi.NewServer(store, monitor, httpapi.ServerConfig{
		AuthToken: strings.TrimSpace(os.Getenv("TRANSFERBOX_API_TOKEN")),
		Logger:    log.Default(),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("transferboxd listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (outbox.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(os.Getenv("TRANSFERBOX_STATE_DSN"))
	if dsn == "" {
		dsn = profileDSN
	}
	if dsn == "" {
		dsn = "file://" + filepath.Join(dataDirFromEnv(), "pending.json")
	}
	return outbox.BuildStateBackendFromDSN(dsn)
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TRANSFERBOX_BACKEND_PROFILE")))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDirFromEnv(), "pending.json"), nil
	case "badger-local":
		return "badger://" + filepath.Join(dataDirFromEnv(), "badger"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("TRANSFERBOX_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("TRANSFERBOX_POSTGRES_DSN is required when TRANSFERBOX_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported TRANSFERBOX_BACKEND_PROFILE: %s", profile)
	}
}

func dataDirFromEnv() string {
	dataDir := strings.TrimSpace(os.Getenv("TRANSFERBOX_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".transferbox"
	}
	return dataDir
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
