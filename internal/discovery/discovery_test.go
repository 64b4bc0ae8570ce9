package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/familycom/familycom/internal/types"
)

func TestTxtIdentity(t *testing.T) {
	id, name, ok := txtIdentity([]string{"peer_id=abc-123", "display_name=Alice"})
	if !ok || id != "abc-123" || name != "Alice" {
		t.Fatalf("got id=%q name=%q ok=%v", id, name, ok)
	}
	_, _, ok = txtIdentity([]string{"display_name=Alice"})
	if ok {
		t.Fatal("expected ok=false without a peer_id record")
	}
}

func TestFilteredAddressesDropsLinkLocalIPv6(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.5")},
		AddrIPv6: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("2001:db8::1")},
	}
	entry.Port = 9000
	addrs := filteredAddresses(entry)
	want := map[string]bool{"192.168.1.5:9000": true, "[2001:db8::1]:9000": true}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses (link-local dropped), got %v", addrs)
	}
	for _, a := range addrs {
		if !want[a] {
			t.Fatalf("unexpected address %q", a)
		}
	}
}

func TestFilteredAddressesEmptyWhenOnlyLinkLocal(t *testing.T) {
	entry := &zeroconf.ServiceEntry{AddrIPv6: []net.IP{net.ParseIP("fe80::1")}}
	if addrs := filteredAddresses(entry); len(addrs) != 0 {
		t.Fatalf("expected no addresses, got %v", addrs)
	}
}

func newTestAdapter(selfID types.PeerIdentity) *Adapter {
	return &Adapter{
		selfID: selfID,
		labels: make(map[string]types.PeerIdentity),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

func TestConsumeEmitsPeerFound(t *testing.T) {
	a := newTestAdapter("self-id")
	entries := make(chan *zeroconf.ServiceEntry, 4)
	go a.consume(entries)

	entries <- &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Bob", Service: serviceType, Domain: domain},
		Text:          []string{"peer_id=peer-bob", "display_name=Bob"},
		Port:          9001,
		TTL:           120,
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.2")},
	}
	close(entries)

	select {
	case ev := <-a.events:
		if ev.Found == nil || ev.Found.Identity != "peer-bob" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PeerFound")
	}
	<-a.done
}

func TestConsumeSuppressesSelfDiscovery(t *testing.T) {
	a := newTestAdapter("self-id")
	entries := make(chan *zeroconf.ServiceEntry, 4)
	go a.consume(entries)

	entries <- &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Me", Service: serviceType, Domain: domain},
		Text:          []string{"peer_id=self-id", "display_name=Me"},
		Port:          9001,
		TTL:           120,
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.2")},
	}
	close(entries)

	select {
	case ev := <-a.events:
		t.Fatalf("self-discovery must be suppressed, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	<-a.done
}

func TestConsumeReconcilesLostByLabel(t *testing.T) {
	a := newTestAdapter("self-id")
	entries := make(chan *zeroconf.ServiceEntry, 4)
	go a.consume(entries)

	rec := zeroconf.ServiceRecord{Instance: "Bob", Service: serviceType, Domain: domain}
	entries <- &zeroconf.ServiceEntry{
		ServiceRecord: rec,
		Text:          []string{"peer_id=peer-bob", "display_name=Bob"},
		Port:          9001,
		TTL:           120,
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.2")},
	}
	select {
	case ev := <-a.events:
		if ev.Found == nil {
			t.Fatalf("expected PeerFound first, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PeerFound")
	}

	// A TTL=0 entry for the same label is the removal notification.
	entries <- &zeroconf.ServiceEntry{ServiceRecord: rec, TTL: 0}
	close(entries)

	select {
	case ev := <-a.events:
		if ev.Lost == nil || *ev.Lost != types.PeerIdentity("peer-bob") {
			t.Fatalf("expected PeerLost(peer-bob), got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PeerLost")
	}
	<-a.done
}

func TestConsumeIgnoresLostForUnknownLabel(t *testing.T) {
	a := newTestAdapter("self-id")
	entries := make(chan *zeroconf.ServiceEntry, 4)
	go a.consume(entries)

	entries <- &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Ghost", Service: serviceType, Domain: domain},
		TTL:           0,
	}
	close(entries)

	select {
	case ev := <-a.events:
		t.Fatalf("expected no event for an unknown label's removal, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	<-a.done
}
