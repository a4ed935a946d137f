package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrNoBroker is returned by Build when the configuration names no broker.
var ErrNoBroker = errors.New("transport: no broker configured")

// Registry maps broker names to their builders and capabilities. Names are
// case-insensitive and surrounding spaces are ignored, so values read from
// the environment match.
type Registry struct {
	mu      sync.RWMutex
	brokers map[string]broker
}

type broker struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry is the registry the broker sub-packages register with.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{brokers: make(map[string]broker)}
}

func brokerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a builder whose capabilities are unknown. Event handlers then
// assume at-most-once delivery.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{})
}

// RegisterWithCapabilities adds a builder together with its capabilities,
// replacing any broker of the same name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := brokerKey(name)
	if caps.Name == "" {
		caps.Name = key
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[key] = broker{build: builder, caps: caps}
}

func (r *Registry) lookup(name string) (broker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[brokerKey(name)]
	return b, ok
}

// GetCapabilities returns a zero Capabilities carrying only the name for
// unknown brokers.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if b, ok := r.lookup(name); ok {
		return b.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport named by cfg.GetBroker. A builder returning only
// one half of the pair is an error; the half it did return is closed.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := brokerKey(cfg.GetBroker())
	if name == "" {
		return Transport{}, ErrNoBroker
	}
	b, ok := r.lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("unknown broker: %q (registered: %v)", name, r.Names())
	}
	if err := ctx.Err(); err != nil {
		return Transport{}, err
	}

	tr, err := b.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s broker: %w", name, err)
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		_ = tr.Close()
		return Transport{}, fmt.Errorf("build %s broker: publisher and subscriber are both required", name)
	}
	return tr, nil
}

// Names returns the registered broker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.brokers))
	for name := range r.brokers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
