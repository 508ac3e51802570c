package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	_ "modernc.org/sqlite"

	"github.com/airbus-seclab/rebus/internal/cmn"
	"github.com/airbus-seclab/rebus/internal/cmn/jsp"
	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/wire"
)

const (
	intstateDir  = "agent_intstate"
	metadataFile = "diskstorage.sqlite3"
)

// DiskStore persists descriptors as <domain>/<selector-path>/%<hash>.meta
// and .value files, with a companion sqlite relational index for the
// processed/selectors tables, using modernc.org/sqlite's pure-Go driver
// rather than a hand-rolled flat file.
type DiskStore struct {
	basePath string
	db       *sql.DB

	mu       sync.RWMutex
	versions map[string]map[string]map[int]string     // domain -> prefix -> version -> selector
	edges    map[string]map[string]map[string]struct{} // domain -> parent -> children
	labels   map[string]map[string]string              // domain -> uuid -> label

	processable map[string]map[string]map[AgentConfig]struct{} // not persisted across restarts

	stopCheckpoint chan struct{}
	wg             sync.WaitGroup
}

var _ Storage = (*DiskStore)(nil)

// NewDiskStore opens (or creates) a disk-backed store rooted at basePath.
// It rediscovers every index at startup by walking the tree and validating
// that each filename's domain/hash match its serialized metadata.
func NewDiskStore(basePath string) (*DiskStore, error) {
	basePath = strings.TrimSuffix(basePath, "/")
	info, err := os.Stat(basePath)
	if err != nil || !info.IsDir() {
		return nil, cmn.Wrap(err, fmt.Sprintf("diskstore: base dir %s does not exist", basePath))
	}
	if err := os.MkdirAll(filepath.Join(basePath, intstateDir), 0o755); err != nil {
		return nil, cmn.Wrap(err, "diskstore: mkdir agent_intstate")
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, metadataFile))
	if err != nil {
		return nil, cmn.Wrap(err, "diskstore: open sqlite index")
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, cmn.Wrap(err, "diskstore: create schema")
	}

	ds := &DiskStore{
		basePath:       basePath,
		db:             db,
		versions:       make(map[string]map[string]map[int]string),
		edges:          make(map[string]map[string]map[string]struct{}),
		labels:         make(map[string]map[string]string),
		processable:    make(map[string]map[string]map[AgentConfig]struct{}),
		stopCheckpoint: make(chan struct{}),
	}
	if err := ds.discover(); err != nil {
		db.Close()
		return nil, err
	}

	ds.wg.Add(1)
	go ds.checkpointLoop()
	return ds, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS processed(
	domain TEXT, selector TEXT, agent_name TEXT, config_txt TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS no_processed_dups ON
	processed(domain, selector, agent_name, config_txt);
CREATE TABLE IF NOT EXISTS selectors(
	domain TEXT, selector TEXT, uuid TEXT, version INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS no_selector_dups ON
	selectors(domain, selector);
`

// checkpointLoop runs Checkpoint (a sqlite wal_checkpoint) every 5
// seconds. Processed and selector rows are written to sqlite as they are
// recorded; the in-memory indices are not written out.
func (ds *DiskStore) checkpointLoop() {
	defer ds.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ds.Checkpoint(); err != nil {
				glog.Errorf("diskstore: checkpoint: %v", err)
			}
		case <-ds.stopCheckpoint:
			return
		}
	}
}

func (ds *DiskStore) Checkpoint() error {
	_, err := ds.db.Exec("PRAGMA wal_checkpoint(FULL)")
	return err
}

func (ds *DiskStore) Close() error {
	close(ds.stopCheckpoint)
	ds.wg.Wait()
	return ds.db.Close()
}

func (ds *DiskStore) StoresIntState() bool { return true }

// pathFromSelector validates domain/selector and returns the directory and
// "%hash"-suffixed base file name (without extension).
func (ds *DiskStore) pathFromSelector(domain, selector string) (dir, base string, err error) {
	if err := cmn.ValidateSelector(selector); err != nil {
		return "", "", err
	}
	if err := cmn.ValidateDomain(domain); err != nil {
		return "", "", err
	}
	full := filepath.Join(ds.basePath, domain, selector[1:])
	return filepath.Dir(full), full, nil
}

// discover walks basePath with godirwalk, which avoids an extra lstat per
// entry by reading the directory-entry type straight off readdir.
func (ds *DiskStore) discover() error {
	return godirwalk.Walk(ds.basePath, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if de.Name() == intstateDir {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".meta") {
				return nil
			}
			base := strings.TrimSuffix(path, ".meta")
			if _, err := os.Stat(base + ".value"); err != nil {
				return fmt.Errorf("diskstore: missing value file for %s", base)
			}
			raw, err := jsp.ReadAll(path)
			if err != nil {
				glog.Errorf("diskstore: discover: reading %s: %v", path, err)
				return nil
			}
			desc, err := wire.DecodeDescriptorMeta(raw)
			if err != nil {
				glog.Errorf("diskstore: discover: corrupt metadata %s, skipping: %v", path, err)
				return nil
			}
			rel, err := filepath.Rel(ds.basePath, base)
			if err != nil {
				return err
			}
			parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
			if len(parts) != 2 || parts[0] != desc.Domain {
				return fmt.Errorf("diskstore: filename domain %q does not match metadata domain %q for %s",
					parts[0], desc.Domain, rel)
			}
			if hash, ok := descriptor.HashFromSelector(desc.Selector); !ok || hash != desc.Hash {
				return fmt.Errorf("diskstore: filename hash does not match metadata hash for %s", rel)
			}
			ds.registerMeta(desc)
			return nil
		},
	})
}

// registerMeta rebuilds the in-memory version/edges/labels caches for one
// descriptor; ds.mu must be held by the caller, except during discover()
// which runs single-threaded before the store is published.
func (ds *DiskStore) registerMeta(d *descriptor.Descriptor) {
	if ds.versions[d.Domain] == nil {
		ds.versions[d.Domain] = make(map[string]map[int]string)
	}
	prefix := selectorPrefix(d.Selector)
	if ds.versions[d.Domain][prefix] == nil {
		ds.versions[d.Domain][prefix] = make(map[int]string)
	}
	ds.versions[d.Domain][prefix][d.Version] = d.Selector

	if ds.edges[d.Domain] == nil {
		ds.edges[d.Domain] = make(map[string]map[string]struct{})
	}
	// Only the direct parent (first precursor) gets a forward edge.
	if len(d.Precursors) > 0 {
		p := d.Precursors[0]
		if ds.edges[d.Domain][p] == nil {
			ds.edges[d.Domain][p] = make(map[string]struct{})
		}
		ds.edges[d.Domain][p][d.Selector] = struct{}{}
	}

	if ds.labels[d.Domain] == nil {
		ds.labels[d.Domain] = make(map[string]string)
	}
	_, already := ds.labels[d.Domain][d.UUID]
	if !already || len(d.Precursors) == 0 {
		ds.labels[d.Domain][d.UUID] = d.Label
	}
}

func (ds *DiskStore) Add(d *descriptor.Descriptor) (bool, error) {
	dir, base, err := ds.pathFromSelector(d.Domain, d.Selector)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(base + ".meta"); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, cmn.Wrap(err, "diskstore: mkdir")
	}

	metaBytes, err := wire.EncodeDescriptorMeta(d)
	if err != nil {
		return false, err
	}
	valueBytes, err := wire.EncodeDescriptorValue(d)
	if err != nil {
		return false, err
	}
	if err := jsp.WriteAtomic(base+".meta", metaBytes); err != nil {
		return false, err
	}
	if err := jsp.WriteAtomic(base+".value", valueBytes); err != nil {
		return false, err
	}

	if _, err := ds.db.Exec(
		"INSERT OR IGNORE INTO selectors(domain, selector, uuid, version) VALUES (?, ?, ?, ?)",
		d.Domain, d.Selector, d.UUID, d.Version); err != nil {
		return false, cmn.Wrap(err, "diskstore: insert selector row")
	}

	ds.mu.Lock()
	ds.registerMeta(d)
	ds.mu.Unlock()
	return true, nil
}

func (ds *DiskStore) resolveVersion(domain, selector string) (string, bool) {
	prefix, n, ok := descriptor.VersionFromSelector(selector)
	if !ok {
		return selector, true
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	versions, ok := ds.versions[domain][prefix]
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

func (ds *DiskStore) readDescriptor(domain, selector string) (*descriptor.Descriptor, error) {
	selector, ok := ds.resolveVersion(domain, selector)
	if !ok {
		return nil, nil
	}
	_, base, err := ds.pathFromSelector(domain, selector)
	if err != nil {
		return nil, err
	}
	raw, err := jsp.ReadAll(base + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	d, err := wire.DecodeDescriptorMeta(raw)
	if err != nil {
		return nil, err
	}
	return d.WithResolver(func() ([]byte, error) {
		vraw, err := jsp.ReadAll(base + ".value")
		if err != nil {
			return nil, err
		}
		return wire.DecodeDescriptorValue(vraw)
	}), nil
}

func (ds *DiskStore) GetDescriptor(domain, selector string) (*descriptor.Descriptor, error) {
	return ds.readDescriptor(domain, selector)
}

func (ds *DiskStore) GetValue(domain, selector string) ([]byte, error) {
	d, err := ds.readDescriptor(domain, selector)
	if err != nil || d == nil {
		return nil, err
	}
	return d.Value()
}

func (ds *DiskStore) Find(domain, selectorRegex string, limit, offset int) ([]string, error) {
	rows, err := ds.db.Query(
		"SELECT selector FROM selectors WHERE domain = ? ORDER BY rowid DESC", domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return filterSelectors(rows, selectorRegex, limit, offset)
}

func filterSelectors(rows *sql.Rows, pattern string, limit, offset int) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var res []string
	skipped := 0
	for rows.Next() {
		var sel string
		if err := rows.Scan(&sel); err != nil {
			return nil, err
		}
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
	return res, rows.Err()
}

func (ds *DiskStore) FindBySelector(domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error) {
	rows, err := ds.db.Query(
		"SELECT selector FROM selectors WHERE domain = ? AND selector LIKE ? ESCAPE '\\' ORDER BY rowid ASC",
		domain, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*descriptor.Descriptor
	skipped := 0
	for rows.Next() {
		var sel string
		if err := rows.Scan(&sel); err != nil {
			return nil, err
		}
		if skipped < offset {
			skipped++
			continue
		}
		d, err := ds.readDescriptor(domain, sel)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
		if limit != 0 && len(res) >= limit {
			break
		}
	}
	return res, rows.Err()
}

func (ds *DiskStore) FindByUUID(domain, uuid string) ([]*descriptor.Descriptor, error) {
	rows, err := ds.db.Query("SELECT selector FROM selectors WHERE domain = ? AND uuid = ?", domain, uuid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*descriptor.Descriptor
	for rows.Next() {
		var sel string
		if err := rows.Scan(&sel); err != nil {
			return nil, err
		}
		d, err := ds.readDescriptor(domain, sel)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (ds *DiskStore) FindByValue(domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error) {
	re, err := regexp.Compile(valueRegex)
	if err != nil {
		return nil, err
	}
	rows, err := ds.db.Query(
		"SELECT selector FROM selectors WHERE domain = ? AND selector LIKE ? ESCAPE '\\'", domain, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*descriptor.Descriptor
	for rows.Next() {
		var sel string
		if err := rows.Scan(&sel); err != nil {
			return nil, err
		}
		d, err := ds.readDescriptor(domain, sel)
		if err != nil {
			return nil, err
		}
		v, err := d.Value()
		if err != nil {
			return nil, err
		}
		if re.Match(v) {
			res = append(res, d)
		}
	}
	return res, rows.Err()
}

func (ds *DiskStore) ListUUIDs(domain string) (map[string]string, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	res := make(map[string]string)
	for k, v := range ds.labels[domain] {
		res[k] = v
	}
	return res, nil
}

func (ds *DiskStore) GetChildren(domain, selector string, recurse bool) ([]*descriptor.Descriptor, error) {
	seen := make(map[string]struct{})
	var res []*descriptor.Descriptor
	var walk func(sel string) error
	walk = func(sel string) error {
		ds.mu.RLock()
		kids := ds.edges[domain][sel]
		var names []string
		for c := range kids {
			names = append(names, c)
		}
		ds.mu.RUnlock()
		for _, c := range names {
			if _, done := seen[c]; done {
				continue
			}
			seen[c] = struct{}{}
			d, err := ds.readDescriptor(domain, c)
			if err != nil {
				return err
			}
			res = append(res, d)
			if recurse {
				if err := walk(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(selector); err != nil {
		return nil, err
	}
	return res, nil
}

func (ds *DiskStore) MarkProcessed(domain, selector, agent, config string) (bool, error) {
	res, err := ds.db.Exec(
		"INSERT OR IGNORE INTO processed(domain, selector, agent_name, config_txt) VALUES (?, ?, ?, ?)",
		domain, selector, agent, config)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	result := n > 0

	ds.mu.Lock()
	defer ds.mu.Unlock()
	key := AgentConfig{agent, config}
	if ds.processable[domain] != nil && ds.processable[domain][selector] != nil {
		if _, ok := ds.processable[domain][selector][key]; ok {
			delete(ds.processable[domain][selector], key)
			result = false
		}
	}
	return result, nil
}

func (ds *DiskStore) MarkProcessable(domain, selector, agent, config string) (bool, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.processable[domain] == nil {
		ds.processable[domain] = make(map[string]map[AgentConfig]struct{})
	}
	if ds.processable[domain][selector] == nil {
		ds.processable[domain][selector] = make(map[AgentConfig]struct{})
	}
	key := AgentConfig{agent, config}
	if _, ok := ds.processable[domain][selector][key]; ok {
		return false, nil
	}
	ds.processable[domain][selector][key] = struct{}{}

	var count int
	row := ds.db.QueryRow(
		"SELECT COUNT(1) FROM processed WHERE domain=? AND selector=? AND agent_name=? AND config_txt=?",
		domain, selector, agent, config)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

func (ds *DiskStore) GetProcessed(domain, selector string) ([]AgentConfig, error) {
	rows, err := ds.db.Query(
		"SELECT agent_name, config_txt FROM processed WHERE domain=? AND selector=?", domain, selector)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AgentConfig
	for rows.Next() {
		var ac AgentConfig
		if err := rows.Scan(&ac.Agent, &ac.Config); err != nil {
			return nil, err
		}
		res = append(res, ac)
	}
	return res, rows.Err()
}

func (ds *DiskStore) GetProcessable(domain, selector string) ([]AgentConfig, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return keys(ds.processable[domain][selector]), nil
}

func (ds *DiskStore) ProcessedStats(domain string) ([]ProcessedStats, int, error) {
	rows, err := ds.db.Query(
		"SELECT agent_name, COUNT(DISTINCT selector) FROM processed WHERE domain=? GROUP BY agent_name", domain)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []ProcessedStats
	for rows.Next() {
		var ps ProcessedStats
		if err := rows.Scan(&ps.Agent, &ps.Count); err != nil {
			return nil, 0, err
		}
		res = append(res, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var total int
	row := ds.db.QueryRow("SELECT COUNT(DISTINCT selector) FROM processed WHERE domain=?", domain)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

func (ds *DiskStore) StoreAgentState(agent string, state []byte) error {
	path := filepath.Join(ds.basePath, intstateDir, agent+".intstate")
	return jsp.WriteAtomic(path, state)
}

func (ds *DiskStore) LoadAgentState(agent string) ([]byte, error) {
	path := filepath.Join(ds.basePath, intstateDir, agent+".intstate")
	b, err := jsp.ReadAll(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

func (ds *DiskStore) ListUnprocessedByAgent(agent, config string) ([]Unprocessed, error) {
	rows, err := ds.db.Query(
		`SELECT domain, selector, uuid FROM selectors
		 EXCEPT
		 SELECT s.domain, s.selector, s.uuid FROM selectors s
		 JOIN processed p ON p.domain = s.domain AND p.selector = s.selector
		 WHERE p.agent_name = ? AND p.config_txt = ?`, agent, config)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Unprocessed
	for rows.Next() {
		var u Unprocessed
		if err := rows.Scan(&u.Domain, &u.Selector, &u.UUID); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
