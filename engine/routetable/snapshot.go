package routetable

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/99souls/agprouter/engine/dampening"
	"github.com/99souls/agprouter/engine/models"
)

// Snapshot is the atomically-written, atomically-restored representation
// of the route table's full state: every stored route plus the
// dampening tracker's nonzero penalties, so a safe-mode restore recovers
// suppression state along with the routes themselves.
type Snapshot struct {
	TakenAt   time.Time                `json:"taken_at"`
	Routes    []models.Route           `json:"routes"`
	Dampening map[string]dampening.Info `json:"dampening,omitempty"`
}

// TakeSnapshot captures the table's current contents.
func (t *Table) TakeSnapshot() Snapshot {
	t.mu.RLock()
	routes := make([]models.Route, 0)
	for _, peers := range t.routes {
		for _, r := range peers {
			routes = append(routes, r)
		}
	}
	t.mu.RUnlock()
	return Snapshot{
		TakenAt:   t.clock.Now(),
		Routes:    routes,
		Dampening: t.dampening.NonZeroPenalties(),
	}
}

// RestoreFromSnapshot replaces the table's contents wholesale, including
// dampening state, and is the only mutator that does not itself record a
// flap per route (a restore is not an advertisement).
func (t *Table) RestoreFromSnapshot(snap Snapshot) {
	t.mu.Lock()
	t.routes = make(map[string]map[string]models.Route)
	for _, r := range snap.Routes {
		peers, ok := t.routes[r.Prefix]
		if !ok {
			peers = make(map[string]models.Route)
			t.routes[r.Prefix] = peers
		}
		peers[r.PeerRouterID] = r
	}
	t.mu.Unlock()
	t.dampening.RestoreState(snap.Dampening)
}

// Diff describes what applying `other` over the table's current live
// contents would change, keyed by prefix: Added holds prefixes present in
// other but not currently live, Removed holds prefixes currently live but
// absent from other, Changed holds prefixes present in both with
// different attributes.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Diff compares the table's live contents against another snapshot.
func (t *Table) Diff(other Snapshot) Diff {
	current := t.TakeSnapshot()
	currentByPrefix := groupByPrefix(current.Routes)
	otherByPrefix := groupByPrefix(other.Routes)

	var d Diff
	for prefix, peers := range otherByPrefix {
		cur, ok := currentByPrefix[prefix]
		if !ok {
			d.Added = append(d.Added, prefix)
			continue
		}
		if !peersEqual(cur, peers) {
			d.Changed = append(d.Changed, prefix)
		}
	}
	for prefix := range currentByPrefix {
		if _, ok := otherByPrefix[prefix]; !ok {
			d.Removed = append(d.Removed, prefix)
		}
	}
	return d
}

func groupByPrefix(routes []models.Route) map[string]map[string]models.Route {
	out := make(map[string]map[string]models.Route)
	for _, r := range routes {
		peers, ok := out[r.Prefix]
		if !ok {
			peers = make(map[string]models.Route)
			out[r.Prefix] = peers
		}
		peers[r.PeerRouterID] = r
	}
	return out
}

func peersEqual(a, b map[string]models.Route) bool {
	if len(a) != len(b) {
		return false
	}
	for peer, ra := range a {
		rb, ok := b[peer]
		if !ok {
			return false
		}
		ja, _ := json.Marshal(ra.Attributes)
		jb, _ := json.Marshal(rb.Attributes)
		if string(ja) != string(jb) {
			return false
		}
	}
	return true
}

// PersistSnapshot writes the snapshot to path via a temp-file-then-rename
// so a crash mid-write never leaves a partially-written last-known-good
// file behind.
func PersistSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot reads a previously persisted snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// EnterSafeMode retries loadFn (the normal policy/config load path) up to
// cfg.MaxRetries times with exponential backoff; on exhaustion it restores
// the last-known-good snapshot from disk and marks the table as running
// in safe mode so operators and health checks can observe the degraded
// state.
func (t *Table) EnterSafeMode(ctx context.Context, cfg models.SafeModeConfig, loadFn func(context.Context) error) error {
	if !cfg.Enabled {
		return loadFn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.RetryDelaySecs) * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, loadFn(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxRetries)))
	if err == nil {
		t.SetSafeModeActive(false)
		return nil
	}

	snap, loadErr := LoadSnapshot(cfg.SnapshotPath)
	if loadErr != nil {
		return fmt.Errorf("policy load failed (%w) and no safe-mode snapshot available: %w", err, loadErr)
	}
	t.RestoreFromSnapshot(snap)
	t.SetSafeModeActive(true)
	return nil
}
