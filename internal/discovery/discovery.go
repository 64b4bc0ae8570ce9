// Package discovery wraps zeroconf mDNS service registration and browsing
// into FamilyCom's PeerFound/PeerLost events, maintaining the
// label-to-identity table the spec requires because the underlying
// provider reports removals by opaque service label only. It is grounded
// on the teacher's internal/p2p/node.go mdnsNotifee bridging shape and on
// original_source's discovery.rs for the semantics spec.md only describes
// at the principle level (TXT attributes, explicit unregister-and-wait).
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"

	"github.com/familycom/familycom/internal/types"
)

const (
	serviceType = "_familycom._tcp"
	domain      = "local."
)

// Event is either a PeerFound or a PeerLost, never both.
type Event struct {
	Found *types.PeerRecord
	Lost  *types.PeerIdentity
}

// Adapter registers this instance on the LAN and browses for peers.
type Adapter struct {
	selfID types.PeerIdentity

	server *zeroconf.Server

	mu     sync.Mutex
	labels map[string]types.PeerIdentity // service label -> last-resolved identity

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Start registers a service instance for selfID/displayName on tcpPort and
// begins browsing for peers. If iface is non-empty, discovery is
// restricted to that network interface: only that interface is passed to
// registration and to the resolver, and the resolver is limited to IPv4
// traffic.
func Start(selfID types.PeerIdentity, displayName string, tcpPort int, iface string) (*Adapter, error) {
	txt := []string{
		"peer_id=" + string(selfID),
		"display_name=" + displayName,
	}

	var ifaces []net.Interface
	ipTraffic := zeroconf.IPv4AndIPv6
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("discovery: interface %q: %w", iface, err)
		}
		ifaces = []net.Interface{*ifi}
		ipTraffic = zeroconf.IPv4
	}

	server, err := zeroconf.Register(displayName, serviceType, domain, tcpPort, txt, ifaces)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolverOpts := []zeroconf.ClientOption{zeroconf.SelectIPTraffic(ipTraffic)}
	if len(ifaces) > 0 {
		resolverOpts = append(resolverOpts, zeroconf.SelectIfaces(ifaces))
	}
	resolver, err := zeroconf.NewResolver(resolverOpts...)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		server.Shutdown()
		cancel()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	a := &Adapter{
		selfID: selfID,
		server: server,
		labels: make(map[string]types.PeerIdentity),
		events: make(chan Event, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.consume(entries)
	return a, nil
}

// Events returns the channel of PeerFound/PeerLost events.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

func (a *Adapter) consume(entries <-chan *zeroconf.ServiceEntry) {
	defer close(a.done)
	for entry := range entries {
		label := entry.Instance + "." + entry.Service + entry.Domain

		if entry.TTL == 0 {
			// A goodbye/expiry notification: only emit PeerLost if we had
			// previously resolved an identity for this label.
			a.mu.Lock()
			id, known := a.labels[label]
			delete(a.labels, label)
			a.mu.Unlock()
			if known {
				lost := id
				a.events <- Event{Lost: &lost}
			}
			continue
		}

		peerID, displayName, ok := txtIdentity(entry.Text)
		if !ok {
			log.Printf("discovery: service %s has no peer_id TXT record, ignoring", label)
			continue
		}
		if types.PeerIdentity(peerID) == a.selfID {
			continue
		}

		addrs := filteredAddresses(entry)
		if len(addrs) == 0 {
			log.Printf("discovery: peer %s resolved with no usable addresses, dropping", peerID)
			continue
		}

		a.mu.Lock()
		a.labels[label] = types.PeerIdentity(peerID)
		a.mu.Unlock()

		rec := types.PeerRecord{
			Identity:    types.PeerIdentity(peerID),
			DisplayName: displayName,
			Addresses:   addrs,
			LastSeenAt:  types.Now(),
			Online:      true,
		}
		a.events <- Event{Found: &rec}
	}
}

// Shutdown unregisters the service and waits for the browse loop to drain,
// so peers observe an immediate "lost" instead of waiting out mDNS's TTL.
func (a *Adapter) Shutdown() {
	a.server.Shutdown()
	a.cancel()
	<-a.done
}

func txtIdentity(text []string) (peerID, displayName string, ok bool) {
	for _, kv := range text {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch k {
		case "peer_id":
			peerID = v
		case "display_name":
			displayName = v
		}
	}
	return peerID, displayName, peerID != ""
}

// filteredAddresses builds "host:port" endpoints from a resolved entry,
// dropping IPv6 link-local addresses (fe80::/10) because they carry zone
// identifiers the TCP layer here cannot represent and the inbound server
// binds IPv4 only.
func filteredAddresses(entry *zeroconf.ServiceEntry) []string {
	var out []string
	for _, ip := range entry.AddrIPv4 {
		out = append(out, fmt.Sprintf("%s:%d", ip.String(), entry.Port))
	}
	for _, ip := range entry.AddrIPv6 {
		if ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, fmt.Sprintf("[%s]:%d", ip.String(), entry.Port))
	}
	return out
}
