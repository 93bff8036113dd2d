// Package housekeeper enforces the session-store size bound. A background
// worker wakes on an interval, takes a cross-process file lock and deletes
// the oldest sessions until the store fits the configured budget. Manual
// maintenance commands reuse the same lock and emit the same events.
package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/session"
)

const (
	// LockFile guards pruning across process instances.
	LockFile = ".prune_size.lock"

	DefaultInterval   = 60 * time.Minute
	MinInterval       = time.Minute
	DefaultStaleAfter = 3600 * time.Second
	DefaultMaxBytes   = 500 * 1024 * 1024
)

// ErrLockBusy reports that another live holder owns the prune lock.
var ErrLockBusy = errors.New("prune lock held")

// Config sets the pruning policy. Zero values take the documented defaults.
type Config struct {
	Root       string // storage root; the lock file lives directly under it
	MaxBytes   int64
	Interval   time.Duration
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Summary describes one prune cycle.
type Summary struct {
	ItemCount    int     `json:"item_count"`
	DeletedCount int     `json:"deleted_count"`
	FreedMB      float64 `json:"freed_mb"`
	FinalMB      float64 `json:"final_mb"`
	TargetMB     float64 `json:"target_mb"`
	Anomalies    int     `json:"anomalies"`
	ExitCode     int     `json:"exit_code"`
}

// Stats is a point-in-time view of the store, computed from metadata only.
type Stats struct {
	Sessions      int              `json:"sessions"`
	TotalBytes    int64            `json:"total_bytes"`
	ByContentType map[string]int64 `json:"by_content_type"`
	OldestCreated time.Time        `json:"oldest_created,omitempty"`
}

// Keeper owns the prune loop and the manual maintenance operations.
type Keeper struct {
	Store *session.Store
	Log   *logging.Logger

	cfg Config
	now func() time.Time
}

// New builds a Keeper; cfg defaults are applied here.
func New(store *session.Store, log *logging.Logger, cfg Config) *Keeper {
	if log == nil {
		log = logging.Nop()
	}
	return &Keeper{Store: store, Log: log, cfg: cfg.withDefaults(), now: time.Now}
}

// Run prunes once immediately, then on every interval tick until ctx is
// cancelled. A busy lock is not fatal; the next tick retries.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := k.RunOnce(); err != nil && !errors.Is(err, ErrLockBusy) {
			k.Log.Error("prune_failed", logging.Scope{}, "prune_size", "cycle", "filesystem",
				logging.CauseType(err), "check storage root permissions and disk health", nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single prune cycle under the lock.
func (k *Keeper) RunOnce() (Summary, error) {
	release, err := k.acquireLock("prune_size")
	if err != nil {
		return Summary{}, err
	}
	defer release()

	snap, err := k.Store.Index.Snapshot()
	if err != nil {
		return Summary{}, fmt.Errorf("snapshot metadata: %w", err)
	}

	sum := Summary{ItemCount: len(snap), TargetMB: toMB(k.cfg.MaxBytes)}
	var total int64
	candidates := make([]session.Session, 0, len(snap))
	for id, rec := range snap {
		// A record whose blob is gone or whose size is nonsense is never
		// deleted blindly; it is reported and left for an operator.
		if rec.TotalSizeBytes < 0 || !k.Store.Blobs.Exists(id) {
			sum.Anomalies++
			k.Log.Warn("prune_anomaly", logging.Scope{SessionID: id}, "prune_size", "scan",
				"filesystem", "metadata_blob_mismatch", "inspect the session directory by hand",
				map[string]string{"total_size_bytes": strconv.FormatInt(rec.TotalSizeBytes, 10)})
			continue
		}
		total += rec.TotalSizeBytes
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var freed int64
	for _, rec := range candidates {
		if total <= k.cfg.MaxBytes {
			break
		}
		if err := k.Store.Delete(rec.SessionID); err != nil {
			sum.Anomalies++
			k.Log.Warn("prune_anomaly", logging.Scope{SessionID: rec.SessionID}, "prune_size",
				"delete", "filesystem", logging.CauseType(err),
				"inspect the session directory by hand", nil)
			break
		}
		total -= rec.TotalSizeBytes
		freed += rec.TotalSizeBytes
		sum.DeletedCount++
	}

	sum.FreedMB = toMB(freed)
	sum.FinalMB = toMB(total)
	if sum.Anomalies > 0 {
		sum.ExitCode = 1
	}
	k.Log.Event("prune_size_summary", logging.Scope{}, sum.fields())
	return sum, nil
}

// Purge deletes every session under the lock and reports the same summary
// shape as a prune.
func (k *Keeper) Purge() (Summary, error) {
	release, err := k.acquireLock("purge")
	if err != nil {
		return Summary{}, err
	}
	defer release()

	snap, err := k.Store.Index.Snapshot()
	if err != nil {
		return Summary{}, fmt.Errorf("snapshot metadata: %w", err)
	}
	sum := Summary{ItemCount: len(snap), TargetMB: 0}
	var freed int64
	for id, rec := range snap {
		if err := k.Store.Delete(id); err != nil {
			sum.Anomalies++
			k.Log.Warn("prune_anomaly", logging.Scope{SessionID: id}, "purge", "delete",
				"filesystem", logging.CauseType(err), "inspect the session directory by hand", nil)
			continue
		}
		freed += rec.TotalSizeBytes
		sum.DeletedCount++
	}
	sum.FreedMB = toMB(freed)
	if sum.Anomalies > 0 {
		sum.ExitCode = 1
	}
	k.Log.Event("purge_summary", logging.Scope{}, sum.fields())
	return sum, nil
}

// Stats summarizes the store from metadata only; no lock is needed because
// nothing is mutated.
func (k *Keeper) Stats() (Stats, error) {
	snap, err := k.Store.Index.Snapshot()
	if err != nil {
		return Stats{}, fmt.Errorf("snapshot metadata: %w", err)
	}
	st := Stats{Sessions: len(snap), ByContentType: make(map[string]int64)}
	for _, rec := range snap {
		st.TotalBytes += rec.TotalSizeBytes
		st.ByContentType[string(rec.ContentType)] += rec.TotalSizeBytes
		if st.OldestCreated.IsZero() || rec.CreatedAt.Before(st.OldestCreated) {
			st.OldestCreated = rec.CreatedAt
		}
	}
	return st, nil
}

// acquireLock takes the cross-process prune lock, reclaiming it when the
// holder looks dead. The returned func releases it.
func (k *Keeper) acquireLock(operation string) (func(), error) {
	path := filepath.Join(k.cfg.Root, LockFile)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), k.now().UTC().Format(time.RFC3339))
			f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between our open and stat; retry.
			continue
		}
		if k.now().Sub(info.ModTime()) < k.cfg.StaleAfter {
			k.Log.Event("lock_busy", logging.Scope{}, map[string]string{
				"operation": operation,
				"lock_path": path,
			})
			return nil, ErrLockBusy
		}
		k.Log.Warn("stale_lock_reclaimed", logging.Scope{}, operation, "lock", "filesystem",
			"stale_lock", "previous holder likely crashed", map[string]string{"lock_path": path})
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reclaim lock: %w", err)
		}
	}
	return nil, ErrLockBusy
}

func (s Summary) fields() map[string]string {
	return map[string]string{
		"item_count":    strconv.Itoa(s.ItemCount),
		"deleted_count": strconv.Itoa(s.DeletedCount),
		"freed_mb":      fmt.Sprintf("%.2f", s.FreedMB),
		"final_mb":      fmt.Sprintf("%.2f", s.FinalMB),
		"target_mb":     fmt.Sprintf("%.2f", s.TargetMB),
		"anomalies":     strconv.Itoa(s.Anomalies),
		"exit_code":     strconv.Itoa(s.ExitCode),
	}
}

func toMB(b int64) float64 {
	return float64(b) / (1024 * 1024)
}
