package delivery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// snapshot is the on-disk representation of tracker state.
type snapshot struct {
	Deliveries  map[string]*State `json:"deliveries"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

func (t *Tracker) stateFilePath() string {
	return filepath.Join(t.cfg.StateDir, t.agentID+"-delivery-state.json")
}

// persistLocked snapshots the delivery map via write-tmp-rename. The caller
// holds t.mu. Persistence failures are logged, not returned: losing a
// snapshot degrades restart recovery but must not fail the delivery path.
func (t *Tracker) persistLocked() {
	if t.cfg.StateDir == "" {
		return
	}
	if err := os.MkdirAll(t.cfg.StateDir, 0o755); err != nil {
		t.logger.Error("create state dir", slog.String("error", err.Error()))
		return
	}

	data, err := json.Marshal(&snapshot{Deliveries: t.deliveries, LastUpdated: t.now()})
	if err != nil {
		t.logger.Error("marshal delivery state", slog.String("error", err.Error()))
		return
	}

	path := t.stateFilePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Error("write delivery state", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		t.logger.Error("rename delivery state", slog.String("error", err.Error()))
	}
}

// load restores the snapshot if one exists.
func (t *Tracker) load() error {
	if t.cfg.StateDir == "" {
		return nil
	}
	data, err := os.ReadFile(t.stateFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read delivery state: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode delivery state: %w", err)
	}
	if snap.Deliveries != nil {
		t.deliveries = snap.Deliveries
	}
	t.logger.Info("delivery state restored", slog.Int("in_flight", len(t.deliveries)))
	return nil
}
