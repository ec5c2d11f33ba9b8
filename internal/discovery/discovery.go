// Package discovery advertises sync servers on the local network over mDNS
// and browses for other instances.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service of a sync server.
	ServiceType = "_collabtext._tcp"
	domain      = "local."
)

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers this host's server on port. instance tags the TXT
// record so peers can tell instances apart.
func Advertise(instance string, port int, version string) (*Advertiser, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		InstanceName(host),
		ServiceType,
		domain,
		port,
		TXT(instance, version),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	slog.Info("mDNS service registered", "service", ServiceType, "port", port)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// InstanceName is the advertised instance name for host.
func InstanceName(host string) string {
	if host == "" {
		host = "unknown"
	}
	return "CollabText-" + host
}

// TXT builds the TXT records of a registration.
func TXT(instance, version string) []string {
	return []string{"txtv=1", "instance=" + instance, "version=" + version}
}

// Peer is a discovered server.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// Browse collects servers answering until ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Peer, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var peers []Peer
		for entry := range results {
			addrs := append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...)
			peers = append(peers, Peer{
				Instance: entry.Instance,
				Host:     entry.HostName,
				Port:     entry.Port,
				Addrs:    addrs,
				Text:     entry.Text,
			})
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
		done <- peers
	}(entries)

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("browsing for mDNS services: %w", err)
	}
	<-ctx.Done()
	return <-done, nil
}

// PortFromAddr extracts the port of a listen address such as ":8081".
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return port, nil
}
