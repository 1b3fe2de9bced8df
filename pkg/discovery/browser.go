package discovery

import (
	"context"
	"log/slog"
	"time"
)

// Browser finds brokers.
type Browser interface {
	// Browse streams brokers as they are discovered. The channel is closed
	// when ctx ends.
	Browse(ctx context.Context) (<-chan *Broker, error)

	// Find returns the broker with the given instance name, or the first
	// broker found if instance is empty.
	Find(ctx context.Context, instance string) (*Broker, error)

	// Stop ends all active browse operations.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// ServiceType to browse. Default: ServiceTypeSecureMQTT.
	ServiceType string

	// BrowseTimeout bounds Find when ctx has no deadline.
	// Default: 10 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	Logger *slog.Logger
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		ServiceType:   ServiceTypeSecureMQTT,
		BrowseTimeout: BrowseTimeout,
	}
}

// ServiceEntry is a resolved DNS-SD service, independent of the mDNS
// library.
type ServiceEntry struct {
	Instance string
	Service  string
	Domain   string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToBroker converts a ServiceEntry to a Broker.
func (e *ServiceEntry) ToBroker() (*Broker, error) {
	b := &Broker{
		Instance:  e.Instance,
		Service:   e.Service,
		Host:      e.Host,
		Port:      e.Port,
		Addresses: append([]string(nil), e.Addrs...),
	}
	if b.Port == 0 {
		if b.Secure() {
			b.Port = DefaultSecurePort
		} else {
			b.Port = DefaultPort
		}
	}
	if err := applyBrokerTXT(b, StringsToTXTRecords(e.Text)); err != nil {
		return nil, err
	}
	return b, nil
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses drops the given addresses from the list.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}

// aggregator tracks brokers by instance name.
type aggregator struct {
	brokers map[string]*Broker
}

func newAggregator() *aggregator {
	return &aggregator{brokers: make(map[string]*Broker)}
}

// add records b and reports whether it is new. Addresses of a known
// instance are merged.
func (a *aggregator) add(b *Broker) bool {
	if existing, ok := a.brokers[b.Instance]; ok {
		existing.Addresses = mergeAddresses(existing.Addresses, b.Addresses)
		return false
	}
	a.brokers[b.Instance] = b
	return true
}

// remove drops addresses of e; the instance is forgotten once none remain.
func (a *aggregator) remove(e *ServiceEntry) {
	existing, ok := a.brokers[e.Instance]
	if !ok {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, e.Addrs)
	if len(existing.Addresses) == 0 {
		delete(a.brokers, e.Instance)
	}
}
