// Package master implements the single-writer coordinator: agent
// registration and replay-on-join, per-(lockid, selector) locking,
// push/dedup, idle detection, retry scheduling and targeted
// re-injection. The broker-specific plumbing lives in the
// internal/transport package so the same coordinator logic runs
// identically over the in-process and broker transports.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package master

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/teris-io/shortid"

	"github.com/airbus-seclab/rebus/internal/cmn"
	"github.com/airbus-seclab/rebus/internal/cmn/debug"
	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/scheduler"
	"github.com/airbus-seclab/rebus/internal/store"
)

// nameConfig identifies every instance of an agent running with the same
// output-altering configuration: storage.AgentConfig under a name local
// to this package's vocabulary.
type nameConfig = store.AgentConfig

type lockKey struct {
	lockID   string
	selector string
}

type retryKey struct {
	nameConfig
	domain   string
	selector string
}

// Signaler delivers the four fire-and-forget broadcast signals to every
// connected agent. The in-process transport delivers these as direct
// channel sends; the broker transport publishes them to the
// rebus_signals fanout exchange.
type Signaler interface {
	NewDescriptor(senderID, domain, uuid, selector string)
	TargetedDescriptor(senderID, domain, uuid, selector string, targets []string, userRequest bool)
	BusExit(awaitingState bool)
	OnIdle()
}

// Master is the bus coordinator. All exported methods are safe for
// concurrent use by multiple transports' RPC dispatchers; every mutation
// of shared bookkeeping happens under mu, giving single-writer semantics
// without requiring one goroutine per connection.
type Master struct {
	store store.Storage
	sig   Signaler
	sched *scheduler.Sched

	mu sync.Mutex

	clients        map[string]string // agent_id -> display path
	agentNames     map[string]string // agent_id -> agent name
	agentOptions   map[string]string // agent_id -> output-altering config
	agentFullConfs map[string]string // agent_id -> full config
	uniqConfClients map[nameConfig][]string
	locks          map[string]map[lockKey]struct{} // domain -> locks held
	retryCounters  map[retryKey]int

	descriptorCount        int
	descriptorHandledCount map[nameConfig]int
	userRequestID          int
	exiting                bool

	metrics metricsSet
}

type metricsSet struct {
	descriptors prometheus.Counter
	agents      prometheus.Gauge
	idleEvents  prometheus.Counter
}

// New constructs a Master bound to store and sig. The registerer may be
// nil in tests; production callers pass prometheus.DefaultRegisterer.
func New(st store.Storage, sig Signaler, reg prometheus.Registerer) *Master {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Master{
		store:                  st,
		sig:                    sig,
		clients:                make(map[string]string),
		agentNames:             make(map[string]string),
		agentOptions:           make(map[string]string),
		agentFullConfs:         make(map[string]string),
		uniqConfClients:        make(map[nameConfig][]string),
		locks:                  make(map[string]map[lockKey]struct{}),
		retryCounters:          make(map[retryKey]int),
		descriptorHandledCount: make(map[nameConfig]int),
		metrics: metricsSet{
			descriptors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "rebus_descriptors_pushed_total",
				Help: "Number of distinct descriptors accepted by the bus.",
			}),
			agents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "rebus_agents_connected",
				Help: "Number of currently registered agent connections.",
			}),
			idleEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "rebus_idle_events_total",
				Help: "Number of times the bus reached the idle state.",
			}),
		},
	}
	m.sched = scheduler.New(m.schedInject)
	return m
}

// Register handles a new agent connection joining the bus, replaying any
// descriptor this (name, output-config) has not yet processed. The full
// config is kept for diagnostics only; locking, uniqueness and progress
// accounting all key on the output-altering subset.
func (m *Master) Register(agentID, agentDomain, objPath, fullConfig, outputConfig string) error {
	agentName := agentNameFromID(agentID)

	m.mu.Lock()
	m.agentNames[agentID] = agentName
	nc := nameConfig{Agent: agentName, Config: outputConfig}
	alreadyRunning := len(m.uniqConfClients[nc]) > 0
	m.uniqConfClients[nc] = append(m.uniqConfClients[nc], agentID)
	m.clients[agentID] = objPath
	m.agentOptions[agentID] = outputConfig
	m.agentFullConfs[agentID] = fullConfig
	m.metrics.agents.Set(float64(len(m.clients)))
	tag, _ := shortid.Generate()
	glog.Infof("new client %s (%s) in domain %s [tag=%s]", objPath, agentID, agentDomain, tag)

	var unprocessed []store.Unprocessed
	if !alreadyRunning {
		var err error
		unprocessed, err = m.store.ListUnprocessedByAgent(agentName, outputConfig)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.descriptorHandledCount[nc] = m.descriptorCount - len(unprocessed)
	}
	m.mu.Unlock()

	for _, u := range unprocessed {
		m.sig.TargetedDescriptor("storage", u.Domain, u.UUID, u.Selector, []string{agentName}, false)
	}
	return nil
}

// Unregister removes an agent connection and checks for a consequent
// idle transition or, when the bus is shutting down, whether every agent
// has now exited.
func (m *Master) Unregister(agentID string) (remaining int) {
	m.mu.Lock()
	agentName := m.agentNames[agentID]
	nc := nameConfig{Agent: agentName, Config: m.agentOptions[agentID]}
	m.uniqConfClients[nc] = removeString(m.uniqConfClients[nc], agentID)
	if len(m.uniqConfClients[nc]) == 0 {
		delete(m.descriptorHandledCount, nc)
	}
	delete(m.clients, agentID)
	delete(m.agentNames, agentID)
	delete(m.agentOptions, agentID)
	delete(m.agentFullConfs, agentID)
	remaining = len(m.clients)
	m.metrics.agents.Set(float64(remaining))
	m.mu.Unlock()

	m.checkIdle()
	glog.Infof("agent %s has unregistered", agentID)
	return remaining
}

// Lock attempts to claim (lockid, selector) within domain for agentID,
// returning false if it is already held. Several agents may race for the
// same key; the first to call Lock wins.
func (m *Master) Lock(agentID, lockID, domain, selector string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[domain] == nil {
		m.locks[domain] = make(map[lockKey]struct{})
	}
	key := lockKey{lockID, selector}
	if _, held := m.locks[domain][key]; held {
		return false
	}
	m.locks[domain][key] = struct{}{}
	return true
}

// Unlock releases a lock and, if processing failed and retries remain,
// schedules a delayed re-injection of the descriptor to the same agent.
func (m *Master) Unlock(agentID, lockID, domain, selector string, processingFailed bool, retries int, waitSeconds float64) error {
	m.mu.Lock()
	key := lockKey{lockID, selector}
	if _, held := m.locks[domain][key]; !held {
		m.mu.Unlock()
		return nil
	}
	delete(m.locks[domain], key)

	if !processingFailed {
		m.mu.Unlock()
		return nil
	}
	agentName := m.agentNames[agentID]
	rkey := retryKey{nameConfig{Agent: agentName, Config: m.agentOptions[agentID]}, domain, selector}
	if _, ok := m.retryCounters[rkey]; !ok {
		m.retryCounters[rkey] = retries
	}
	remaining := m.retryCounters[rkey]
	var uuid string
	var needsRetry bool
	if remaining > 0 {
		m.retryCounters[rkey]--
		needsRetry = true
	}
	m.mu.Unlock()

	if !needsRetry {
		return nil
	}
	d, err := m.store.GetDescriptor(domain, selector)
	if err != nil || d == nil {
		return err
	}
	uuid = d.UUID
	m.sched.AddAction(time.Duration(waitSeconds*float64(time.Second)), agentID, domain, uuid, selector, agentName)
	return nil
}

// Push inserts a descriptor, returning false if it is already known;
// pushing a duplicate is an idempotent no-op. store.Add and the
// descriptorCount increment share mu's critical section with Register's
// ListUnprocessedByAgent snapshot, so a concurrent Register can never
// observe the new descriptor through the store without also observing
// its contribution to descriptorCount.
func (m *Master) Push(agentID string, d *descriptor.Descriptor) (bool, error) {
	m.mu.Lock()
	added, err := m.store.Add(d)
	if err != nil || !added {
		m.mu.Unlock()
		return false, err
	}
	m.descriptorCount++
	exiting := m.exiting
	m.mu.Unlock()
	m.metrics.descriptors.Inc()

	if !exiting {
		m.sig.NewDescriptor(agentID, d.Domain, d.UUID, d.Selector)
		m.checkIdle()
	}
	return true, nil
}

func (m *Master) Get(domain, selector string) (*descriptor.Descriptor, error) {
	return m.store.GetDescriptor(domain, selector)
}

func (m *Master) GetValue(domain, selector string) ([]byte, error) {
	return m.store.GetValue(domain, selector)
}

func (m *Master) ListUUIDs(domain string) (map[string]string, error) {
	return m.store.ListUUIDs(domain)
}

func (m *Master) Find(domain, selectorRegex string, limit, offset int) ([]string, error) {
	return m.store.Find(domain, selectorRegex, limit, offset)
}

func (m *Master) FindBySelector(domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error) {
	return m.store.FindBySelector(domain, prefix, limit, offset)
}

func (m *Master) FindByUUID(domain, uuid string) ([]*descriptor.Descriptor, error) {
	return m.store.FindByUUID(domain, uuid)
}

func (m *Master) FindByValue(domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error) {
	return m.store.FindByValue(domain, prefix, valueRegex)
}

// MarkProcessed records that agentID's (name, config) has finished
// processing (domain, selector), triggering an idle check when it is the
// first time this pair has been marked in any way.
func (m *Master) MarkProcessed(agentID, domain, selector string) error {
	agentName, opts := m.agentIdentity(agentID)
	isNew, err := m.store.MarkProcessed(domain, selector, agentName, opts)
	if err != nil {
		return err
	}
	if isNew {
		m.updateCheckIdle(agentName, opts)
	}
	return nil
}

// MarkProcessable records that agentID's (name, config), running in
// interactive mode, could process (domain, selector) on request.
func (m *Master) MarkProcessable(agentID, domain, selector string) error {
	agentName, opts := m.agentIdentity(agentID)
	isNew, err := m.store.MarkProcessable(domain, selector, agentName, opts)
	if err != nil {
		return err
	}
	if isNew {
		m.updateCheckIdle(agentName, opts)
	}
	return nil
}

func (m *Master) GetProcessable(domain, selector string) ([]store.AgentConfig, error) {
	return m.store.GetProcessable(domain, selector)
}

// ListAgents returns the number of live connections per agent name.
func (m *Master) ListAgents() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, name := range m.agentNames {
		counts[name]++
	}
	return counts
}

func (m *Master) ProcessedStats(domain string) ([]store.ProcessedStats, int, error) {
	return m.store.ProcessedStats(domain)
}

func (m *Master) GetChildren(domain, selector string, recurse bool) ([]*descriptor.Descriptor, error) {
	return m.store.GetChildren(domain, selector, recurse)
}

func (m *Master) StoreInternalState(agentID string, state []byte) error {
	if !m.store.StoresIntState() {
		return nil
	}
	agentName, _ := m.agentIdentity(agentID)
	return m.store.StoreAgentState(agentName, state)
}

func (m *Master) LoadInternalState(agentID string) ([]byte, error) {
	if !m.store.StoresIntState() {
		return nil, nil
	}
	agentName, _ := m.agentIdentity(agentID)
	return m.store.LoadAgentState(agentName)
}

// RequestProcessing forces (domain, selector) to be redelivered to
// targets, e.g. for a user-triggered replay or to feed a newly resumed
// agent.
func (m *Master) RequestProcessing(agentID, domain, selector string, targets []string) error {
	d, err := m.store.GetDescriptor(domain, selector)
	if err != nil {
		return err
	}
	if d == nil {
		return cmn.ErrNotFound
	}
	m.mu.Lock()
	m.userRequestID++
	reqID := m.userRequestID
	m.mu.Unlock()
	glog.V(2).Infof("user request #%d: %s:%s -> %v", reqID, domain, selector, targets)
	m.sig.TargetedDescriptor(agentID, domain, d.UUID, selector, targets, true)
	return nil
}

// Shutdown begins a graceful exit: pushes are still stored but no longer
// announced with new_descriptor, the scheduler stops accepting new
// retries, and agents are asked to flush their internal state.
func (m *Master) Shutdown() {
	m.mu.Lock()
	m.exiting = true
	remaining := len(m.clients)
	m.mu.Unlock()
	m.sched.Shutdown()
	m.sig.BusExit(m.store.StoresIntState())
	glog.Infof("shutdown requested, waiting for %d agents to exit", remaining)
}

// RemainingAgents reports how many agent connections are still open,
// used by the transport's run loop to decide when shutdown is complete.
func (m *Master) RemainingAgents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Master) agentIdentity(agentID string) (name, config string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentNames[agentID], m.agentOptions[agentID]
}

func (m *Master) updateCheckIdle(agentName, opts string) {
	m.mu.Lock()
	m.descriptorHandledCount[nameConfig{Agent: agentName, Config: opts}]++
	m.mu.Unlock()
	m.checkIdle()
}

// checkIdle reports the bus idle once every distinct (agent, config) has
// handled exactly as many descriptors as exist: descriptorCount *
// distinctAgents == sum(handled).
func (m *Master) checkIdle() {
	m.mu.Lock()
	if m.exiting {
		m.mu.Unlock()
		return
	}
	distinctAgents := len(m.descriptorHandledCount)
	if distinctAgents == 0 {
		m.mu.Unlock()
		return
	}
	var handled int
	for _, c := range m.descriptorHandledCount {
		handled += c
	}
	debug.Assert(handled <= m.descriptorCount*distinctAgents,
		"handled descriptor count cannot exceed descriptorCount*distinctAgents")
	isIdle := m.descriptorCount*distinctAgents == handled
	m.mu.Unlock()
	if isIdle {
		glog.V(2).Infof("idle: %d agents, %d descriptors, %d handled", distinctAgents, m.descriptorCount, handled)
		m.metrics.idleEvents.Inc()
		m.sig.OnIdle()
	}
}

// schedInject is the scheduler's injector callback: it re-emits a
// targeted_descriptor signal for a single retried agent.
func (m *Master) schedInject(args ...interface{}) {
	agentID := args[0].(string)
	domain := args[1].(string)
	uuid := args[2].(string)
	selector := args[3].(string)
	agentName := args[4].(string)
	m.sig.TargetedDescriptor(agentID, domain, uuid, selector, []string{agentName}, false)
}

// agentNameFromID strips the "-<sequence>" suffix off an agent id. Agent
// names may themselves contain dashes, so only the last one separates
// name from sequence.
func agentNameFromID(agentID string) string {
	if i := strings.LastIndexByte(agentID, '-'); i >= 0 {
		return agentID[:i]
	}
	return agentID
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

