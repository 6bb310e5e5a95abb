package outbox

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// Gate answers "can I reach the remote system right now?". It never returns
// an error; unreachable, timed out, and indeterminate all report false.
//
// An up interface is a necessary but not sufficient signal (captive portals,
// VPN misconfiguration), so a positive interface check never short-circuits
// the probe; only the negative case skips the network round trip.
type Gate struct {
	probeURL       string
	httpClient     *http.Client
	listInterfaces func() ([]net.Interface, error)
	interfaceAddrs func(iface net.Interface) ([]net.Addr, error)
	logger         Logger
}

type GateOptions struct {
	// ProbeURL is a known-cheap endpoint on the Remote Apply base URL,
	// expected to answer a GET with a 2xx quickly.
	ProbeURL   string
	Timeout    time.Duration
	HTTPClient *http.Client

	// ListInterfaces and InterfaceAddrs override the local network stack
	// queries; tests inject these.
	ListInterfaces func() ([]net.Interface, error)
	InterfaceAddrs func(iface net.Interface) ([]net.Addr, error)
	Logger         Logger
}

func NewGate(opts GateOptions) *Gate {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	listInterfaces := opts.ListInterfaces
	if listInterfaces == nil {
		listInterfaces = net.Interfaces
	}
	interfaceAddrs := opts.InterfaceAddrs
	if interfaceAddrs == nil {
		interfaceAddrs = func(iface net.Interface) ([]net.Addr, error) {
			return iface.Addrs()
		}
	}
	return &Gate{
		probeURL:       strings.TrimSpace(opts.ProbeURL),
		httpClient:     httpClient,
		listInterfaces: listInterfaces,
		interfaceAddrs: interfaceAddrs,
		logger:         opts.Logger,
	}
}

// Reachable reports whether the remote system answered the probe. Network
// failures are data here, not errors.
func (g *Gate) Reachable(ctx context.Context) bool {
	if g == nil || g.probeURL == "" {
		return false
	}
	if !g.hasActiveInterface() {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logf("connectivity probe failed: %v", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (g *Gate) hasActiveInterface() bool {
	interfaces, err := g.listInterfaces()
	if err != nil {
		g.logf("interface enumeration failed: %v", err)
		return false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := g.interfaceAddrs(iface)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}

func (g *Gate) logf(format string, args ...any) {
	if g == nil || g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
