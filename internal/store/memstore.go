package store

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/airbus-seclab/rebus/internal/cmn/debug"
	"github.com/airbus-seclab/rebus/internal/descriptor"
)

// domainState holds every index for one domain.
type domainState struct {
	// ordered insertion: order, selector
	order []string
	byKey map[string]*descriptor.Descriptor

	// selectorPrefix -> version -> selector
	versions map[string]map[int]string

	// parent selector -> set of child selectors
	edges map[string]map[string]struct{}

	// selector -> set of (agent, config)
	processed   map[string]map[AgentConfig]struct{}
	processable map[string]map[AgentConfig]struct{}

	// uuid -> label, chosen per the "no precursor" heuristic
	labels map[string]string
}

func newDomainState() *domainState {
	return &domainState{
		byKey:       make(map[string]*descriptor.Descriptor),
		versions:    make(map[string]map[int]string),
		edges:       make(map[string]map[string]struct{}),
		processed:   make(map[string]map[AgentConfig]struct{}),
		processable: make(map[string]map[AgentConfig]struct{}),
		labels:      make(map[string]string),
	}
}

// MemStore is the in-memory backend: no persistence, recommended only
// with the in-process transport.
type MemStore struct {
	mu      sync.RWMutex
	domains map[string]*domainState
	state   map[string][]byte // agent name -> internal state (never persisted)
}

var _ Storage = (*MemStore)(nil)

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		domains: make(map[string]*domainState),
		state:   make(map[string][]byte),
	}
}

func (m *MemStore) domain(name string) *domainState {
	d, ok := m.domains[name]
	if !ok {
		d = newDomainState()
		m.domains[name] = d
	}
	return d
}

// selectorPrefix strips the "/%hash" suffix, giving the same prefix that
// descriptor.VersionFromSelector returns for "/prefix/~N".
func selectorPrefix(selector string) string {
	return strings.TrimSuffix(strings.SplitN(selector, "%", 2)[0], "/")
}

func (m *MemStore) Add(d *descriptor.Descriptor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dom := m.domain(d.Domain)
	if _, exists := dom.byKey[d.Selector]; exists {
		return false, nil
	}
	debug.Assert(dom.processed[d.Selector] == nil, "(domain, selector) must not have prior processed bookkeeping before first insert")
	dom.order = append(dom.order, d.Selector)
	dom.byKey[d.Selector] = d

	prefix := selectorPrefix(d.Selector)
	if dom.versions[prefix] == nil {
		dom.versions[prefix] = make(map[int]string)
	}
	dom.versions[prefix][d.Version] = d.Selector

	// Precursors holds the whole lineage, direct parent first; only the
	// direct parent gets a forward edge.
	if len(d.Precursors) > 0 {
		parent := d.Precursors[0]
		if dom.edges[parent] == nil {
			dom.edges[parent] = make(map[string]struct{})
		}
		dom.edges[parent][d.Selector] = struct{}{}
	}

	dom.processed[d.Selector] = make(map[AgentConfig]struct{})

	if _, has := dom.labels[d.UUID]; !has || len(d.Precursors) == 0 {
		dom.labels[d.UUID] = d.Label
	}
	return true, nil
}

func (m *MemStore) resolveVersion(dom *domainState, selector string) (string, bool) {
	prefix, n, ok := descriptor.VersionFromSelector(selector)
	if !ok {
		return selector, true
	}
	versions, ok := dom.versions[prefix]
	if !ok {
		return "", false
	}
	if n < 0 {
		max := -1
		for v := range versions {
			if v > max {
				max = v
			}
		}
		n = max + n + 1
	}
	sel, ok := versions[n]
	return sel, ok
}

func (m *MemStore) GetDescriptor(domain, selector string) (*descriptor.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	sel, ok := m.resolveVersion(dom, selector)
	if !ok {
		return nil, nil
	}
	return dom.byKey[sel], nil
}

func (m *MemStore) GetValue(domain, selector string) ([]byte, error) {
	d, err := m.GetDescriptor(domain, selector)
	if err != nil || d == nil {
		return nil, err
	}
	return d.Value()
}

func (m *MemStore) Find(domain, selectorRegex string, limit, offset int) ([]string, error) {
	re, err := regexp.Compile(selectorRegex)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	var res []string
	skipped := 0
	for i := len(dom.order) - 1; i >= 0; i-- {
		sel := dom.order[i]
		if !re.MatchString(sel) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		res = append(res, sel)
		if limit != 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (m *MemStore) FindBySelector(domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	var res []*descriptor.Descriptor
	skipped := 0
	for _, sel := range dom.order {
		if !strings.HasPrefix(sel, prefix) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		res = append(res, dom.byKey[sel])
		if limit != 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (m *MemStore) FindByUUID(domain, uuid string) ([]*descriptor.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	var res []*descriptor.Descriptor
	for _, sel := range dom.order {
		d := dom.byKey[sel]
		if d.UUID == uuid {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemStore) FindByValue(domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error) {
	re, err := regexp.Compile(valueRegex)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	var res []*descriptor.Descriptor
	for _, sel := range dom.order {
		if !strings.HasPrefix(sel, prefix) {
			continue
		}
		d := dom.byKey[sel]
		v, err := d.Value()
		if err != nil {
			return nil, err
		}
		if re.Match(v) {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemStore) ListUUIDs(domain string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return map[string]string{}, nil
	}
	res := make(map[string]string, len(dom.labels))
	for k, v := range dom.labels {
		res[k] = v
	}
	return res, nil
}

func (m *MemStore) GetChildren(domain, selector string, recurse bool) ([]*descriptor.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var res []*descriptor.Descriptor
	var walk func(sel string)
	walk = func(sel string) {
		for child := range dom.edges[sel] {
			if _, done := seen[child]; done {
				continue
			}
			seen[child] = struct{}{}
			res = append(res, dom.byKey[child])
			if recurse {
				walk(child)
			}
		}
	}
	walk(selector)
	return res, nil
}

func (m *MemStore) MarkProcessed(domain, selector, agent, config string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dom := m.domain(domain)
	key := AgentConfig{agent, config}
	if dom.processed[selector] == nil {
		dom.processed[selector] = make(map[AgentConfig]struct{})
	}
	_, already := dom.processed[selector][key]
	result := !already
	dom.processed[selector][key] = struct{}{}
	if dom.processable[selector] != nil {
		if _, ok := dom.processable[selector][key]; ok {
			delete(dom.processable[selector], key)
			result = false
		}
	}
	return result, nil
}

func (m *MemStore) MarkProcessable(domain, selector, agent, config string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dom := m.domain(domain)
	key := AgentConfig{agent, config}
	if dom.processable[selector] == nil {
		dom.processable[selector] = make(map[AgentConfig]struct{})
	}
	if _, ok := dom.processable[selector][key]; ok {
		return false, nil
	}
	dom.processable[selector][key] = struct{}{}
	if dom.processed[selector] != nil {
		if _, ok := dom.processed[selector][key]; ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemStore) GetProcessed(domain, selector string) ([]AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	return keys(dom.processed[selector]), nil
}

func (m *MemStore) GetProcessable(domain, selector string) ([]AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	return keys(dom.processable[selector]), nil
}

func keys(set map[AgentConfig]struct{}) []AgentConfig {
	res := make([]AgentConfig, 0, len(set))
	for k := range set {
		res = append(res, k)
	}
	return res
}

func (m *MemStore) ProcessedStats(domain string) ([]ProcessedStats, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dom, ok := m.domains[domain]
	if !ok {
		return nil, 0, nil
	}
	counts := make(map[string]int)
	for _, acs := range dom.processed {
		for ac := range acs {
			counts[ac.Agent]++
		}
	}
	res := make([]ProcessedStats, 0, len(counts))
	for agent, count := range counts {
		res = append(res, ProcessedStats{Agent: agent, Count: count})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Agent < res[j].Agent })
	return res, len(dom.processed), nil
}

func (m *MemStore) StoreAgentState(agent string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[agent] = append([]byte(nil), state...)
	return nil
}

func (m *MemStore) LoadAgentState(agent string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[agent], nil
}

func (m *MemStore) ListUnprocessedByAgent(agent, config string) ([]Unprocessed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := AgentConfig{agent, config}
	var res []Unprocessed
	for domainName, dom := range m.domains {
		for _, sel := range dom.order {
			if _, done := dom.processed[sel][key]; done {
				continue
			}
			res = append(res, Unprocessed{Domain: domainName, UUID: dom.byKey[sel].UUID, Selector: sel})
		}
	}
	return res, nil
}

func (m *MemStore) StoresIntState() bool { return false }
func (m *MemStore) Checkpoint() error    { return nil }
func (m *MemStore) Close() error         { return nil }
