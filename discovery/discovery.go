// Package discovery advertises collabtext processes over mDNS and finds
// the relay server on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type shared by the relay and agents.
const Service = "_collabtext._tcp"

const domain = "local."

// Roles carried in the "role" TXT record.
const (
	RoleRelay = "relay"
	RoleAgent = "agent"
)

// ErrNotFound means browsing ended without a matching service.
var ErrNotFound = errors.New("discovery: no relay found")

// Advertise registers this process until ctx ends.
func Advertise(ctx context.Context, role string, port int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	instance := fmt.Sprintf("CollabText-%s-%s", role, host)
	server, err := zeroconf.Register(instance, Service, domain, port, []string{"txtv=1", "role=" + role}, nil)
	if err != nil {
		return fmt.Errorf("discovery: registering %s: %w", Service, err)
	}
	defer server.Shutdown()
	logger.Info("mdns service registered", "service", Service, "role", role, "port", port)
	<-ctx.Done()
	return nil
}

// FindRelay browses until a relay answers or ctx ends and returns its
// websocket base URL.
func FindRelay(ctx context.Context, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("discovery: resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			logger.Debug("mdns entry", "instance", entry.Instance, "port", entry.Port, "text", entry.Text)
			if u, ok := RelayURL(entry); ok {
				select {
				case found <- u:
				default:
				}
				cancel()
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browsing %s: %w", Service, err)
	}
	<-ctx.Done()
	select {
	case u := <-found:
		logger.Info("relay discovered", "url", u)
		return u, nil
	default:
		return "", ErrNotFound
	}
}

// RelayURL turns a relay's service entry into a websocket base URL.
func RelayURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || txt(entry.Text, "role") != RoleRelay || entry.Port <= 0 {
		return "", false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}

// Port extracts the numeric port from a listen address like ":8081".
func Port(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("discovery: address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("discovery: address %q: %w", addr, err)
	}
	return port, nil
}

func txt(records []string, key string) string {
	for _, r := range records {
		if k, v, ok := strings.Cut(r, "="); ok && k == key {
			return v
		}
	}
	return ""
}
