// Package inproc implements the in-process transport: every agent runs
// as a goroutine inside the same binary as the master, signals are
// fanned out over buffered channels instead of an AMQP exchange, and RPC
// calls are direct method calls instead of round-tripping through a
// broker. Recommended pairing is internal/store.MemStore, since neither
// persists across restarts.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package inproc

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/master"
	"github.com/airbus-seclab/rebus/internal/store"
	"github.com/airbus-seclab/rebus/internal/transport"
)

const signalBuffer = 256

// Bus is the in-process transport.Bus implementation: it owns a
// master.Master and fans signals out to per-agent channels instead of a
// broker exchange.
type Bus struct {
	m *master.Master

	mu      sync.RWMutex
	signals map[string]chan transport.Signal
	nextID  int64
}

var _ transport.Bus = (*Bus)(nil)
var _ master.Signaler = (*Bus)(nil)

// New builds an in-process bus, wiring a fresh master.Master to st.
func New(st store.Storage, reg prometheus.Registerer) *Bus {
	b := &Bus{signals: make(map[string]chan transport.Signal)}
	b.m = master.New(st, b, reg)
	return b
}

func (b *Bus) Join(agentName, agentDomain string, opts transport.AgentOpts) (string, error) {
	id := atomic.AddInt64(&b.nextID, 1)
	agentID := fmt.Sprintf("%s-%d", agentName, id)

	b.mu.Lock()
	b.signals[agentID] = make(chan transport.Signal, signalBuffer)
	b.mu.Unlock()

	objPath := "/agent/" + agentName
	if err := b.m.Register(agentID, agentDomain, objPath, opts.FullConfig, opts.OutputAltering); err != nil {
		return "", err
	}
	return agentID, nil
}

func (b *Bus) Leave(agentID string) error {
	b.m.Unregister(agentID)
	b.mu.Lock()
	if ch, ok := b.signals[agentID]; ok {
		close(ch)
		delete(b.signals, agentID)
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) Lock(agentID, lockID, domain, selector string) (bool, error) {
	return b.m.Lock(agentID, lockID, domain, selector), nil
}

func (b *Bus) Unlock(agentID, lockID, domain, selector string, processingFailed bool, retries int, waitSeconds float64) error {
	return b.m.Unlock(agentID, lockID, domain, selector, processingFailed, retries, waitSeconds)
}

func (b *Bus) Push(agentID string, d *descriptor.Descriptor) (bool, error) {
	return b.m.Push(agentID, d)
}

func (b *Bus) Get(agentID, domain, selector string) (*descriptor.Descriptor, error) {
	return b.m.Get(domain, selector)
}

func (b *Bus) GetValue(agentID, domain, selector string) ([]byte, error) {
	return b.m.GetValue(domain, selector)
}

func (b *Bus) ListUUIDs(agentID, domain string) (map[string]string, error) {
	return b.m.ListUUIDs(domain)
}

func (b *Bus) Find(agentID, domain, selectorRegex string, limit, offset int) ([]string, error) {
	return b.m.Find(domain, selectorRegex, limit, offset)
}

func (b *Bus) FindBySelector(agentID, domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error) {
	return b.m.FindBySelector(domain, prefix, limit, offset)
}

func (b *Bus) FindByUUID(agentID, domain, uuid string) ([]*descriptor.Descriptor, error) {
	return b.m.FindByUUID(domain, uuid)
}

func (b *Bus) FindByValue(agentID, domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error) {
	return b.m.FindByValue(domain, prefix, valueRegex)
}

func (b *Bus) MarkProcessed(agentID, domain, selector string) error {
	return b.m.MarkProcessed(agentID, domain, selector)
}

func (b *Bus) MarkProcessable(agentID, domain, selector string) error {
	return b.m.MarkProcessable(agentID, domain, selector)
}

func (b *Bus) GetProcessable(agentID, domain, selector string) ([]transport.AgentConfig, error) {
	acs, err := b.m.GetProcessable(domain, selector)
	if err != nil {
		return nil, err
	}
	return convertAgentConfigs(acs), nil
}

func (b *Bus) ListAgents(agentID string) (map[string]int, error) {
	return b.m.ListAgents(), nil
}

func (b *Bus) ProcessedStats(agentID, domain string) ([]transport.ProcessedStats, int, error) {
	stats, total, err := b.m.ProcessedStats(domain)
	if err != nil {
		return nil, 0, err
	}
	out := make([]transport.ProcessedStats, len(stats))
	for i, s := range stats {
		out[i] = transport.ProcessedStats{Agent: s.Agent, Count: s.Count}
	}
	return out, total, nil
}

func (b *Bus) GetChildren(agentID, domain, selector string, recurse bool) ([]*descriptor.Descriptor, error) {
	return b.m.GetChildren(domain, selector, recurse)
}

func (b *Bus) StoreInternalState(agentID string, state []byte) error {
	return b.m.StoreInternalState(agentID, state)
}

func (b *Bus) LoadInternalState(agentID string) ([]byte, error) {
	return b.m.LoadInternalState(agentID)
}

func (b *Bus) RequestProcessing(agentID, domain, selector string, targets []string) error {
	return b.m.RequestProcessing(agentID, domain, selector, targets)
}

func (b *Bus) Signals(agentID string) <-chan transport.Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.signals[agentID]
}

// Shutdown asks the master to begin a graceful exit; callers should then
// wait for RemainingAgents to reach zero.
func (b *Bus) Shutdown() {
	b.m.Shutdown()
}

func (b *Bus) RemainingAgents() int {
	return b.m.RemainingAgents()
}

func (b *Bus) Close() error { return nil }

// broadcast delivers sig to every registered agent, blocking on a full
// channel rather than dropping the signal. Channels are snapshotted under
// a brief read lock and sent to afterwards, so a slow consumer never
// stalls Leave's write lock (and therefore never deadlocks against the
// agent goroutine that owns the channel it's blocked writing to); a
// channel closed by a concurrent Leave after the snapshot is taken is
// simply skipped, since that agent is no longer around to receive it.
func (b *Bus) broadcast(sig transport.Signal) {
	for _, ch := range b.snapshotSignals() {
		sendSignal(ch, sig)
	}
}

func (b *Bus) unicast(agentName string, sig transport.Signal) {
	b.mu.RLock()
	var chans []chan transport.Signal
	for id, ch := range b.signals {
		if agentNamePrefix(id) == agentName {
			chans = append(chans, ch)
		}
	}
	b.mu.RUnlock()
	for _, ch := range chans {
		sendSignal(ch, sig)
	}
}

func (b *Bus) snapshotSignals() []chan transport.Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	chans := make([]chan transport.Signal, 0, len(b.signals))
	for _, ch := range b.signals {
		chans = append(chans, ch)
	}
	return chans
}

func sendSignal(ch chan transport.Signal, sig transport.Signal) {
	defer func() { recover() }()
	ch <- sig
}

func (b *Bus) NewDescriptor(senderID, domain, uuid, selector string) {
	b.broadcast(transport.Signal{
		Name: transport.SignalNewDescriptor, SenderID: senderID,
		Domain: domain, UUID: uuid, Selector: selector,
	})
}

func (b *Bus) TargetedDescriptor(senderID, domain, uuid, selector string, targets []string, userRequest bool) {
	sig := transport.Signal{
		Name: transport.SignalTargetedDescriptor, SenderID: senderID,
		Domain: domain, UUID: uuid, Selector: selector,
		Targets: targets, UserReq: userRequest,
	}
	for _, t := range targets {
		b.unicast(t, sig)
	}
}

func (b *Bus) BusExit(awaitingState bool) {
	b.broadcast(transport.Signal{Name: transport.SignalBusExit, AwaitState: awaitingState})
}

func (b *Bus) OnIdle() {
	b.broadcast(transport.Signal{Name: transport.SignalOnIdle})
}

func agentNamePrefix(agentID string) string {
	if i := strings.LastIndexByte(agentID, '-'); i >= 0 {
		return agentID[:i]
	}
	return agentID
}

func convertAgentConfigs(acs []store.AgentConfig) []transport.AgentConfig {
	out := make([]transport.AgentConfig, len(acs))
	for i, a := range acs {
		out[i] = transport.AgentConfig{Agent: a.Agent, Config: a.Config}
	}
	return out
}
