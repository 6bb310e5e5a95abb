package outbox

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func upInterfaces() []net.Interface {
	return []net.Interface{{Index: 2, Name: "wlan0", Flags: net.FlagUp}}
}

func oneAddr(net.Interface) ([]net.Addr, error) {
	_, ipnet, _ := net.ParseCIDR("192.168.1.20/24")
	return []net.Addr{ipnet}, nil
}

func TestReachableWhenProbeAnswers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate := NewGate(GateOptions{
		ProbeURL:       server.URL + "/v1/ping",
		ListInterfaces: func() ([]net.Interface, error) { return upInterfaces(), nil },
		InterfaceAddrs: oneAddr,
	})
	if !gate.Reachable(context.Background()) {
		t.Fatalf("expected reachable when probe answers 200")
	}
}

func TestUnreachableOnNon2xxProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	gate := NewGate(GateOptions{
		ProbeURL:       server.URL + "/v1/ping",
		ListInterfaces: func() ([]net.Interface, error) { return upInterfaces(), nil },
		InterfaceAddrs: oneAddr,
	})
	if gate.Reachable(context.Background()) {
		t.Fatalf("a 502 probe answer must report unreachable")
	}
}

func TestNoActiveInterfaceSkipsProbe(t *testing.T) {
	var probes int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&probes, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Loopback only: up, but never counts as an active interface.
	gate := NewGate(GateOptions{
		ProbeURL: server.URL + "/v1/ping",
		ListInterfaces: func() ([]net.Interface, error) {
			return []net.Interface{{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}, nil
		},
		InterfaceAddrs: oneAddr,
	})
	if gate.Reachable(context.Background()) {
		t.Fatalf("loopback-only host must report unreachable")
	}
	if got := atomic.LoadInt32(&probes); got != 0 {
		t.Fatalf("probe must be skipped without an active interface, got %d requests", got)
	}
}

func TestActiveInterfaceStillRequiresProbe(t *testing.T) {
	// Interface is up but the probe target refuses connections (captive
	// portal shape). The positive interface check must not short-circuit.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	probeURL := server.URL + "/v1/ping"
	server.Close()

	gate := NewGate(GateOptions{
		ProbeURL:       probeURL,
		ListInterfaces: func() ([]net.Interface, error) { return upInterfaces(), nil },
		InterfaceAddrs: oneAddr,
	})
	if gate.Reachable(context.Background()) {
		t.Fatalf("refused probe must report unreachable even with an up interface")
	}
}

func TestProbeTimeoutReportsUnreachable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	gate := NewGate(GateOptions{
		ProbeURL:       server.URL + "/v1/ping",
		Timeout:        50 * time.Millisecond,
		ListInterfaces: func() ([]net.Interface, error) { return upInterfaces(), nil },
		InterfaceAddrs: oneAddr,
	})
	start := time.Now()
	if gate.Reachable(context.Background()) {
		t.Fatalf("timed-out probe must report unreachable")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe did not honor the timeout, took %s", elapsed)
	}
}

func TestEmptyProbeURLIsUnreachable(t *testing.T) {
	gate := NewGate(GateOptions{
		ListInterfaces: func() ([]net.Interface, error) { return upInterfaces(), nil },
		InterfaceAddrs: oneAddr,
	})
	if gate.Reachable(context.Background()) {
		t.Fatalf("gate without a probe URL must report unreachable")
	}
}
