// Package discovery browses for AirTunes receivers over mDNS/DNS-SD
// (the "_raop._tcp.local." service type), the out-of-core collaborator
// spec §1 names as "service-discovery wiring".
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
	"github.com/rs/zerolog"
)

// ServiceType is the DNS-SD service type AirTunes v2 receivers announce.
const ServiceType = "_raop._tcp.local."

// Receiver is one discovered AirTunes endpoint.
type Receiver struct {
	ServiceName string
	Hostname    string
	IPv4        string
	Port        int
}

// Browser watches the local network for AirTunes receivers appearing
// and disappearing.
type Browser struct {
	log zerolog.Logger

	OnAdded   func(Receiver)
	OnRemoved func(Receiver)

	cancel context.CancelFunc
}

// NewBrowser builds a browser; call Start to begin watching.
func NewBrowser(log zerolog.Logger) *Browser {
	return &Browser{log: log.With().Str("category", "Discovery").Logger()}
}

// Start begins the mDNS browse loop in the background. Call Stop (or
// cancel ctx) to end it.
func (b *Browser) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	added := func(e dnssd.BrowseEntry) {
		if b.OnAdded != nil {
			b.OnAdded(toReceiver(e))
		}
	}
	removed := func(e dnssd.BrowseEntry) {
		if b.OnRemoved != nil {
			b.OnRemoved(toReceiver(e))
		}
	}

	go func() {
		if err := dnssd.LookupType(ctx, ServiceType, added, removed); err != nil && ctx.Err() == nil {
			b.log.Error().Err(err).Msg("dnssd browse stopped")
		}
	}()
	return nil
}

// Stop ends the browse loop.
func (b *Browser) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func toReceiver(e dnssd.BrowseEntry) Receiver {
	r := Receiver{
		ServiceName: e.Name,
		Hostname:    e.Host,
		Port:        e.Port,
	}
	for _, ip := range e.IPs {
		if v4 := ip.To4(); v4 != nil {
			r.IPv4 = v4.String()
			break
		}
	}
	return r
}

// ErrNotFound reports that a requested receiver was not found. No
// function in this package returns it; Browser only reports add/remove
// events.
var ErrNotFound = fmt.Errorf("discovery: receiver not found")
