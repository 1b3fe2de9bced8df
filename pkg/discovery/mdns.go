package discovery

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.ServiceType == "" {
		config.ServiceType = ServiceTypeSecureMQTT
	}
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &MDNSBrowser{
		config:  config,
		logger:  config.Logger,
		cancels: make(map[int]context.CancelFunc),
	}
}

// Browse streams brokers as they appear. A broker is emitted once per
// instance; later sightings on other interfaces only add addresses.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *Broker, error) {
	ctx, release := b.track(ctx)

	out := make(chan *Broker)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)
		defer release()

		seen := newAggregator()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				broker, err := fromZeroconf(entry, b.config.ServiceType).ToBroker()
				if err != nil {
					b.logger.Debug("discovery: ignoring broker", "instance", entry.Instance, "error", err)
					continue
				}
				if !seen.add(broker) {
					continue
				}
				select {
				case out <- broker:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				seen.remove(fromZeroconf(entry, b.config.ServiceType))

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, b.config.ServiceType, Domain, entries, removed, b.browserOptions()...); err != nil {
			b.logger.Warn("discovery: browse failed", "service", b.config.ServiceType, "error", err)
		}
	}()

	return out, nil
}

// Find returns the broker named instance, or the first one found if
// instance is empty.
func (b *MDNSBrowser) Find(ctx context.Context, instance string) (*Broker, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	return firstMatch(ctx, results, instance)
}

func firstMatch(ctx context.Context, results <-chan *Broker, instance string) (*Broker, error) {
	for {
		select {
		case broker, ok := <-results:
			if !ok {
				return nil, ErrNotFound
			}
			if instance == "" || broker.Instance == instance {
				return broker, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// Stop ends all active browse operations.
func (b *MDNSBrowser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
}

func (b *MDNSBrowser) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.cancels[id] = cancel
	b.mu.Unlock()
	return ctx, func() {
		cancel()
		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
	}
}

// browserOptions returns zeroconf client options based on config.
func (b *MDNSBrowser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			b.logger.Warn("discovery: unknown interface, browsing on all", "interface", b.config.Interface)
		}
	}
	return opts
}

// fromZeroconf converts a zeroconf entry found browsing service to a
// ServiceEntry.
func fromZeroconf(entry *zeroconf.ServiceEntry, service string) *ServiceEntry {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &ServiceEntry{
		Instance: entry.Instance,
		Service:  service,
		Domain:   Domain,
		Host:     entry.HostName,
		Port:     uint16(entry.Port),
		Text:     entry.Text,
		Addrs:    addrs,
	}
}

var _ Browser = (*MDNSBrowser)(nil)
