package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Unreachable is the sentinel distance for pubkeys with no follow path from
// the root. It doubles as the BFS depth cap.
const Unreachable = 1000

var (
	ErrNotInitialized = errors.New("graph not initialized")
	ErrIO             = errors.New("graph snapshot io")
)

type Stats struct {
	Users   int `json:"users"`
	Follows int `json:"follows"`
}

// Graph is an in-memory follow graph with a movable root. Distances from the
// root are derived by BFS and recomputed lazily after mutations. All methods
// are safe for concurrent use; root switches and ingests are writers.
type Graph struct {
	log *slog.Logger

	mu      sync.RWMutex
	root    string
	follows map[string]map[string]struct{}
	dist    map[string]int
	dirty   bool
	init    bool
	gen     uint64
}

func New(log *slog.Logger) *Graph {
	return &Graph{
		log:     log,
		follows: make(map[string]map[string]struct{}),
		dist:    make(map[string]int),
	}
}

// Initialize restores the snapshot at snapshotPath when one exists, sets the
// root, and computes distances. An empty snapshotPath skips persistence. A
// corrupt snapshot is logged and discarded; the graph then starts empty and
// is rebuilt by the next sync.
func (g *Graph) Initialize(root, snapshotPath string) error {
	if root == "" {
		return errors.New("root pubkey is required")
	}
	if snapshotPath != "" {
		if err := g.LoadFile(snapshotPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				g.log.Debug("graph: no snapshot found, starting empty", "path", snapshotPath)
			} else {
				g.log.Warn("graph: discarding unreadable snapshot", "path", snapshotPath, "error", err)
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.root = root
	g.init = true
	g.recomputeLocked()
	g.log.Info("graph: initialized", "root", root, "users", len(g.dist), "follow_lists", len(g.follows))
	return nil
}

func (g *Graph) Initialized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.init
}

// Root returns the current root pubkey, empty before initialization.
func (g *Graph) Root() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root
}

// Generation counts mutations. Autosave skips generations it has already
// persisted.
func (g *Graph) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gen
}

// Distance returns the BFS hop count from the root to target, Unreachable
// when no path exists.
func (g *Graph) Distance(target string) (int, error) {
	g.mu.RLock()
	if !g.init {
		g.mu.RUnlock()
		return 0, ErrNotInitialized
	}
	if !g.dirty {
		d, ok := g.dist[target]
		g.mu.RUnlock()
		if !ok {
			return Unreachable, nil
		}
		return d, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty {
		g.recomputeLocked()
	}
	d, ok := g.dist[target]
	if !ok {
		return Unreachable, nil
	}
	return d, nil
}

// DistanceBetween returns the hop count from src to dst. When src is not the
// current root it switches the root, reads, and restores the original root,
// all under the writer lock, so concurrent readers never observe the
// temporary root.
func (g *Graph) DistanceBetween(src, dst string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.init {
		return 0, ErrNotInitialized
	}
	if g.dirty {
		g.recomputeLocked()
	}
	if src == g.root {
		if d, ok := g.dist[dst]; ok {
			return d, nil
		}
		return Unreachable, nil
	}

	orig := g.root
	g.root = src
	g.recomputeLocked()
	d, ok := g.dist[dst]
	if !ok {
		d = Unreachable
	}
	g.root = orig
	g.recomputeLocked()
	return d, nil
}

// SwitchRoot sets the root and recomputes distances. Idempotent when the
// root is unchanged.
func (g *Graph) SwitchRoot(newRoot string) error {
	if newRoot == "" {
		return errors.New("root pubkey is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.init {
		return ErrNotInitialized
	}
	if newRoot == g.root {
		if g.dirty {
			g.recomputeLocked()
		}
		return nil
	}
	g.root = newRoot
	g.gen++
	g.recomputeLocked()
	return nil
}

// DoesFollow reports whether a publicly follows b.
func (g *Graph) DoesFollow(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.follows[a][b]
	return ok
}

// AreMutualFollows reports whether a and b follow each other.
func (g *Graph) AreMutualFollows(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ab := g.follows[a][b]
	_, ba := g.follows[b][a]
	return ab && ba
}

// Ingest replaces author's follow list wholesale and invalidates distances.
// Distances are recomputed lazily on the next read.
func (g *Graph) Ingest(author string, targets []string) {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.follows[author] = set
	g.dirty = true
	g.gen++
}

// Stats counts distinct pubkeys and follow edges.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	users := make(map[string]struct{}, len(g.follows))
	edges := 0
	for a, set := range g.follows {
		users[a] = struct{}{}
		edges += len(set)
		for b := range set {
			users[b] = struct{}{}
		}
	}
	return Stats{Users: len(users), Follows: edges}
}

// recomputeLocked runs BFS from the current root. Nodes at or beyond
// Unreachable hops are left out of the distance map. Callers hold the write
// lock.
func (g *Graph) recomputeLocked() {
	dist := make(map[string]int, len(g.dist))
	if g.root != "" {
		dist[g.root] = 0
		queue := []string{g.root}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			next := dist[cur] + 1
			if next >= Unreachable {
				continue
			}
			for target := range g.follows[cur] {
				if _, seen := dist[target]; seen {
					continue
				}
				dist[target] = next
				queue = append(queue, target)
			}
		}
	}
	g.dist = dist
	g.dirty = false
}

type snapshotBlob struct {
	Root    string              `json:"root"`
	Follows map[string][]string `json:"follows"`
}

// Snapshot serializes the follow map and current root. Follow lists are
// sorted so equal graphs produce equal snapshots.
func (g *Graph) Snapshot() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.init {
		return nil, ErrNotInitialized
	}
	blob := snapshotBlob{
		Root:    g.root,
		Follows: make(map[string][]string, len(g.follows)),
	}
	for author, set := range g.follows {
		targets := make([]string, 0, len(set))
		for t := range set {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		blob.Follows[author] = targets
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal snapshot: %v", ErrIO, err)
	}
	return data, nil
}

// Restore replaces the graph with the snapshot's contents. Distances are
// recomputed lazily.
func (g *Graph) Restore(data []byte) error {
	var blob snapshotBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("%w: unmarshal snapshot: %v", ErrIO, err)
	}

	follows := make(map[string]map[string]struct{}, len(blob.Follows))
	for author, targets := range blob.Follows {
		set := make(map[string]struct{}, len(targets))
		for _, t := range targets {
			set[t] = struct{}{}
		}
		follows[author] = set
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.follows = follows
	if blob.Root != "" {
		g.root = blob.Root
		g.init = true
	}
	g.dirty = true
	g.gen++
	return nil
}

// SaveFile writes the snapshot via a temp file and atomic rename in the
// destination directory.
func (g *Graph) SaveFile(path string) error {
	data, err := g.Snapshot()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create snapshot dir: %v", ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp snapshot: %v", ErrIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write snapshot: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close snapshot: %v", ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename snapshot: %v", ErrIO, err)
	}
	return nil
}

// LoadFile restores the snapshot at path. The returned error matches
// fs.ErrNotExist when no snapshot has been written yet.
func (g *Graph) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read snapshot: %w", err)
		}
		return fmt.Errorf("%w: read snapshot: %v", ErrIO, err)
	}
	return g.Restore(data)
}
