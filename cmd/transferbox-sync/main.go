// transferbox-sync runs one connectivity check and one drain pass, then
// exits. Intended for scripts and debugging; the daemon handles the periodic
// indicator.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fieldops/transferbox/internal/outbox"
	"github.com/fieldops/transferbox/internal/remoteapi"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("TRANSFERBOX_REMOTE_URL", "http://127.0.0.1:8069"), "remote backend base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("TRANSFERBOX_REMOTE_TOKEN")), "remote session token")
	stateDSN := flag.String("state", envOrDefault("TRANSFERBOX_STATE_DSN", ".transferbox/pending.json"), "pending store DSN or path")
	kindFlag := flag.String("kind", "", "drain a single action kind (default: all)")
	timeout := flag.Duration("timeout", 60*time.Second, "overall drain timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or TRANSFERBOX_REMOTE_TOKEN)")
	}

	backend, err := outbox.BuildStateBackendFromDSN(*stateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := outbox.NewStoreWithOptions(outbox.StoreOptions{Backend: backend, Logger: log.Default()})
	if err != nil {
		log.Fatalf("failed to open pending store: %v", err)
	}
	defer store.Close()

	remote := remoteapi.NewClient(remoteapi.ClientOptions{
		BaseURL: *baseURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return *token, nil
		},
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserAgent:  "transferbox-sync",
	})
	gate := outbox.NewGate(outbox.GateOptions{ProbeURL: remote.ProbeURL(), Logger: log.Default()})
	drainer, err := outbox.NewDrainer(store, remote, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize drainer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(rootCtx, *timeout)
	defer cancel()

	if !gate.Reachable(ctx) {
		log.Fatalf("remote system is unreachable; pending records left queued")
	}

	var results []outbox.Result
	if strings.TrimSpace(*kindFlag) != "" {
		kind, parseErr := outbox.ParseKind(*kindFlag)
		if parseErr != nil {
			log.Fatalf("unknown action kind %q", *kindFlag)
		}
		result, drainErr := drainer.Drain(ctx, kind)
		if drainErr != nil {
			log.Fatalf("drain failed: %v", drainErr)
		}
		results = append(results, result)
	} else {
		var drainErr error
		results, drainErr = drainer.DrainAll(ctx)
		if drainErr != nil && !errors.Is(drainErr, outbox.ErrDrainInFlight) {
			log.Fatalf("drain failed: %v", drainErr)
		}
	}

	failed := 0
	for _, result := range results {
		log.Printf("%s: attempted=%d applied=%d failed=%d", result.Kind, result.Attempted, result.Applied, result.Failed)
		for key, reason := range result.Errors {
			log.Printf("%s: %s left queued: %s", result.Kind, key, reason)
		}
		failed += result.Failed
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
