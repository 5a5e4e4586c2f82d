package dlq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// exportSnapshot is the JSON document written by Export and the purge
// artefacts.
type exportSnapshot struct {
	AgentID      string  `json:"agentId"`
	ExportedAt   string  `json:"exportedAt"`
	TotalEntries int     `json:"totalEntries"`
	Entries      []Entry `json:"entries"`
}

// Export writes a snapshot of all entries to path.
func (s *Store) Export(path string) error {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].AddedAt.Before(entries[j].AddedAt) })
	return s.exportEntries(path, entries)
}

func (s *Store) exportEntries(path string, entries []*Entry) error {
	snap := exportSnapshot{
		AgentID:      s.agentID,
		ExportedAt:   s.now().UTC().Format(time.RFC3339),
		TotalEntries: len(entries),
		Entries:      make([]Entry, 0, len(entries)),
	}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, *e)
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq export: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write dlq export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace dlq export: %w", err)
	}
	return nil
}

// PurgeExpired removes entries older than the retention window, exporting
// them to expired-<iso>.json. Returns the number purged.
func (s *Store) PurgeExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	var expired []*Entry
	for _, e := range s.entries {
		if e.AddedAt.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].AddedAt.Before(expired[j].AddedAt) })

	stamp := s.now().UTC().Format("2006-01-02T15-04-05Z")
	path := filepath.Join(s.cfg.Dir, "expired-"+stamp+".json")
	if err := s.exportEntries(path, expired); err != nil {
		return 0, err
	}
	for _, e := range expired {
		delete(s.entries, e.EntryID)
	}
	if err := s.rewriteLocked(); err != nil {
		return 0, err
	}
	s.auditLocked(auditRecord{
		Operation: "purge",
		Reason:    "retention_expired",
		Details:   fmt.Sprintf("%d entries to %s", len(expired), path),
	})
	s.metrics.SetDLQSize(len(s.entries))
	s.logger.Info("expired dead letters purged",
		slog.Int("purged", len(expired)), slog.String("export", path))
	return len(expired), nil
}

// ReasonCount pairs a failure reason with its entry count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Stats summarizes the DLQ contents.
type Stats struct {
	TotalEntries   int            `json:"totalEntries"`
	OldestEntryAge time.Duration  `json:"oldestEntryAge"`
	ByReason       map[string]int `json:"byReason"`
	ByErrorCode    map[string]int `json:"byErrorCode"`
	TopReasons     []ReasonCount  `json:"topReasons"`
	// GrowthPerHour is entries added over the last 24 hours, per hour.
	GrowthPerHour float64 `json:"growthPerHour"`
}

// GetStats computes counts, groupings, and the recent growth rate.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := Stats{
		TotalEntries: len(s.entries),
		ByReason:     make(map[string]int),
		ByErrorCode:  make(map[string]int),
	}

	var oldest time.Time
	recent := 0
	for _, e := range s.entries {
		stats.ByReason[e.Metadata.FailureReason]++
		if e.Metadata.ErrorCode != "" {
			stats.ByErrorCode[e.Metadata.ErrorCode]++
		}
		if oldest.IsZero() || e.AddedAt.Before(oldest) {
			oldest = e.AddedAt
		}
		if now.Sub(e.AddedAt) <= 24*time.Hour {
			recent++
		}
	}
	if !oldest.IsZero() {
		stats.OldestEntryAge = now.Sub(oldest)
	}
	stats.GrowthPerHour = float64(recent) / 24

	for reason, count := range stats.ByReason {
		stats.TopReasons = append(stats.TopReasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(stats.TopReasons, func(i, j int) bool {
		if stats.TopReasons[i].Count != stats.TopReasons[j].Count {
			return stats.TopReasons[i].Count > stats.TopReasons[j].Count
		}
		return stats.TopReasons[i].Reason < stats.TopReasons[j].Reason
	})
	if len(stats.TopReasons) > 5 {
		stats.TopReasons = stats.TopReasons[:5]
	}
	return stats
}

// Artifacts lists the export files written by purges and retention sweeps.
func (s *Store) Artifacts() ([]string, error) {
	pattern := filepath.Join(s.cfg.Dir, "{purged,expired}-*.json")
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob dlq artifacts: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
