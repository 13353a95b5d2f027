package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
)

const (
	DefaultProbeTimeout      = 2 * time.Second
	DefaultDiscoveryInterval = 30 * time.Second
	defaultProbeConcurrency  = 8
)

type RegistryOptions struct {
	Addresses    []string
	ProbeTimeout time.Duration
	Interval     time.Duration
	Concurrency  int
}

// registrySnapshot is immutable once published.
type registrySnapshot struct {
	byAddr      map[string]domain.AgentDescriptor
	ordered     []domain.AgentDescriptor
	completedAt time.Time
}

// Registry tracks reachable agents. Readers load the current snapshot
// without locking; discovery passes build a new snapshot and swap it in.
type Registry struct {
	client       ports.AgentClient
	addresses    []string
	probeTimeout time.Duration
	interval     time.Duration
	concurrency  int
	events       *EventLog

	mu     sync.Mutex // serializes writers
	seq    uint64
	snap   atomic.Pointer[registrySnapshot]
	passes atomic.Int64

	now func() time.Time
	log *slog.Logger
}

func NewRegistry(client ports.AgentClient, events *EventLog, opts RegistryOptions) *Registry {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultDiscoveryInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultProbeConcurrency
	}
	r := &Registry{
		client:       client,
		addresses:    opts.Addresses,
		probeTimeout: opts.ProbeTimeout,
		interval:     opts.Interval,
		concurrency:  opts.Concurrency,
		events:       events,
		now:          time.Now,
		log:          logger.With("component", "discovery"),
	}
	r.snap.Store(&registrySnapshot{byAddr: map[string]domain.AgentDescriptor{}})
	return r
}

// normalizeAddress accepts host:port or a full base URL.
func normalizeAddress(addr string) (address, baseURL string) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		host := addr[strings.Index(addr, "://")+3:]
		return host, addr
	}
	return addr, "http://" + addr
}

// Run performs a discovery pass immediately and then on every interval.
func (r *Registry) Run(ctx context.Context) {
	r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh probes the configured addresses plus every currently known agent.
func (r *Registry) Refresh(ctx context.Context) map[string]domain.AgentDescriptor {
	seen := make(map[string]bool)
	var addrs []string
	for _, a := range r.addresses {
		addr, _ := normalizeAddress(a)
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, a)
		}
	}
	for _, d := range r.snap.Load().ordered {
		if !seen[d.Address] {
			seen[d.Address] = true
			addrs = append(addrs, d.BaseURL)
		}
	}
	return r.Discover(ctx, addrs)
}

type probeResult struct {
	address    string
	descriptor *domain.AgentDescriptor
	err        error
}

// Discover probes addrs and returns the reachable ones keyed by address.
// Unreachable addresses are pruned from the registry.
func (r *Registry) Discover(ctx context.Context, addrs []string) map[string]domain.AgentDescriptor {
	results := make([]probeResult, len(addrs))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, a := range addrs {
		g.Go(func() error {
			address, baseURL := normalizeAddress(a)
			d, err := r.probe(ctx, address, baseURL)
			results[i] = probeResult{address: address, descriptor: d, err: err}
			return nil
		})
	}
	_ = g.Wait()

	found := r.apply(results)
	r.passes.Add(1)
	r.log.Debug("Discovery pass finished", "probed", len(addrs), "reachable", len(found), "known", r.Len())
	return found
}

func (r *Registry) probe(ctx context.Context, address, baseURL string) (*domain.AgentDescriptor, error) {
	statusCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	status, err := r.client.Status(statusCtx, baseURL)
	cancel()
	if err != nil {
		return nil, err
	}
	if status.Status != "ok" {
		return nil, &domain.RemoteError{Address: address, Op: "status", Err: fmt.Errorf("status %q", status.Status)}
	}

	cardCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	card, err := r.client.AgentCard(cardCtx, baseURL)
	cancel()
	if err != nil {
		return nil, err
	}

	id := card.ID
	if id == "" {
		id = status.AgentID
	}
	return &domain.AgentDescriptor{
		ID:       id,
		Name:     card.Name,
		Type:     card.Type,
		Address:  address,
		BaseURL:  baseURL,
		Manifest: *card,
		LastSeen: r.now().UTC(),
	}, nil
}

// apply publishes a new snapshot reflecting one completed pass.
func (r *Registry) apply(results []probeResult) map[string]domain.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := make(map[string]domain.AgentDescriptor, len(old.byAddr))
	for addr, d := range old.byAddr {
		next[addr] = d
	}

	found := make(map[string]domain.AgentDescriptor)
	for _, res := range results {
		prev, known := old.byAddr[res.address]
		if res.err != nil {
			if known {
				delete(next, res.address)
				r.log.Info("Agent lost", "agent_id", prev.ID, "address", res.address, "error", res.err)
				r.events.Record(domain.EventAgentLost, prev.ID, fmt.Sprintf("Agent %s at %s is unreachable", prev.ID, res.address),
					map[string]any{"address": res.address, "error": res.err.Error()})
			}
			continue
		}

		d := *res.descriptor
		if known && prev.ID == d.ID {
			d = d.WithSeq(prev.Seq())
			d.FirstSeen = prev.FirstSeen
		} else {
			r.seq++
			d = d.WithSeq(r.seq)
			d.FirstSeen = d.LastSeen
			r.log.Info("Agent discovered", "agent_id", d.ID, "type", d.Type, "address", d.Address)
			r.events.Record(domain.EventAgentDiscovered, d.ID, fmt.Sprintf("Discovered %s (%s) at %s", d.Name, d.Type, d.Address),
				map[string]any{"address": d.Address, "type": d.Type})
		}
		next[res.address] = d
		found[res.address] = d
	}

	r.publishLocked(next)
	return found
}

func (r *Registry) publishLocked(byAddr map[string]domain.AgentDescriptor) {
	ordered := make([]domain.AgentDescriptor, 0, len(byAddr))
	for _, d := range byAddr {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq() < ordered[j].Seq() })

	r.snap.Store(&registrySnapshot{
		byAddr:      byAddr,
		ordered:     ordered,
		completedAt: r.now().UTC(),
	})
}

// Register probes a single address and adds it on success.
func (r *Registry) Register(ctx context.Context, addr string) (domain.AgentDescriptor, error) {
	address, baseURL := normalizeAddress(addr)
	d, err := r.probe(ctx, address, baseURL)
	if err != nil {
		return domain.AgentDescriptor{}, err
	}
	found := r.apply([]probeResult{{address: address, descriptor: d}})
	r.events.Record(domain.EventAgentRegistered, d.ID, fmt.Sprintf("Registered %s at %s", d.ID, address), nil)
	return found[address], nil
}

// Unregister removes an agent by id or address.
func (r *Registry) Unregister(idOrAddress string) bool {
	d, ok := r.remove(idOrAddress)
	if ok {
		r.events.Record(domain.EventAgentUnregistered, d.ID, fmt.Sprintf("Unregistered %s", d.ID), map[string]any{"address": d.Address})
	}
	return ok
}

// Prune removes an agent that failed a delegation call.
func (r *Registry) Prune(address string, cause error) {
	d, ok := r.remove(address)
	if ok {
		r.log.Warn("Pruned unreachable agent", "agent_id", d.ID, "address", d.Address, "error", cause)
		r.events.Record(domain.EventAgentLost, d.ID, fmt.Sprintf("Agent %s pruned after failed delegation", d.ID),
			map[string]any{"address": d.Address, "error": fmt.Sprint(cause)})
	}
}

func (r *Registry) remove(idOrAddress string) (domain.AgentDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	address, _ := normalizeAddress(idOrAddress)
	target, ok := old.byAddr[address]
	if !ok {
		for _, d := range old.ordered {
			if d.ID == idOrAddress {
				target, ok = d, true
				break
			}
		}
	}
	if !ok {
		return domain.AgentDescriptor{}, false
	}

	next := make(map[string]domain.AgentDescriptor, len(old.byAddr))
	for addr, d := range old.byAddr {
		if addr != target.Address {
			next[addr] = d
		}
	}
	r.publishLocked(next)
	return target, true
}

// List returns every known agent in registration order.
func (r *Registry) List() []domain.AgentDescriptor {
	ordered := r.snap.Load().ordered
	out := make([]domain.AgentDescriptor, len(ordered))
	copy(out, ordered)
	return out
}

func (r *Registry) ByType(typ string) []domain.AgentDescriptor {
	var out []domain.AgentDescriptor
	for _, d := range r.snap.Load().ordered {
		if d.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) ByCapability(capabilityID string) []domain.AgentDescriptor {
	var out []domain.AgentDescriptor
	for _, d := range r.snap.Load().ordered {
		if d.Manifest.HasCapability(capabilityID) {
			out = append(out, d)
		}
	}
	return out
}

// Get finds an agent by id.
func (r *Registry) Get(id string) (domain.AgentDescriptor, bool) {
	for _, d := range r.snap.Load().ordered {
		if d.ID == id {
			return d, true
		}
	}
	return domain.AgentDescriptor{}, false
}

func (r *Registry) Len() int {
	return len(r.snap.Load().ordered)
}

// LastPass returns when the last discovery pass completed.
func (r *Registry) LastPass() time.Time {
	return r.snap.Load().completedAt
}

func (r *Registry) Passes() int64 {
	return r.passes.Load()
}

// CapabilityListing aggregates capabilities across known agents.
type CapabilityListing struct {
	Capability domain.Capability `json:"capability"`
	Agents     []string          `json:"agents"`
}

func (r *Registry) Capabilities() []CapabilityListing {
	index := make(map[string]int)
	var out []CapabilityListing
	for _, d := range r.snap.Load().ordered {
		for _, c := range d.Manifest.Capabilities {
			i, ok := index[c.ID]
			if !ok {
				i = len(out)
				index[c.ID] = i
				out = append(out, CapabilityListing{Capability: c})
			}
			out[i].Agents = append(out[i].Agents, d.ID)
		}
	}
	return out
}
