package queue

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/c360studio/agentcomm/protocol"
)

// appendLocked writes one entry line to the durable log and syncs it. The
// caller holds q.mu.
func (q *Queue) appendLocked(entry *Entry) error {
	line, err := q.codec.EncodeRecord(entry.Message, entry.metadata())
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if _, err := q.logFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append queue log: %w", err)
	}
	if err := q.logFile.Sync(); err != nil {
		return fmt.Errorf("sync queue log: %w", err)
	}
	return nil
}

// replay restores the in-memory lists from the log. Entries flagged
// processed are skipped, as are blank or unparseable trailing lines (a crash
// may leave a partial last line).
func (q *Queue) replay() error {
	f, err := os.Open(q.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open queue log for replay: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxMessageSize+1)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		record, err := q.codec.DecodeRecord(line)
		if err != nil {
			skipped++
			continue
		}
		if record.QueueMetadata.Processed {
			continue
		}
		queuedAt, err := protocol.ParseTimestamp(record.QueueMetadata.QueuedAt)
		if err != nil {
			skipped++
			continue
		}
		priority := record.QueueMetadata.Priority
		if !priority.Valid() {
			priority = protocol.PriorityNormal
		}
		entries = append(entries, &Entry{
			EntryID:    record.QueueMetadata.EntryID,
			Message:    record.Message,
			QueuedAt:   queuedAt,
			Priority:   priority,
			RetryCount: record.QueueMetadata.RetryCount,
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan queue log: %w", err)
	}

	// Log order is append order, which within a priority is FIFO order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	for _, entry := range entries {
		q.lists[entry.Priority] = append(q.lists[entry.Priority], entry)
		q.live[entry.EntryID] = struct{}{}
	}

	if skipped > 0 {
		q.logger.Warn("skipped unparseable queue log lines", slog.Int("count", skipped))
	}
	return nil
}

// rewriteLogLocked atomically replaces the log with the live entries, via
// write-tmp-rename. The caller holds q.mu.
func (q *Queue) rewriteLogLocked() error {
	tmpPath := q.logPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compaction tmp: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, p := range protocol.Priorities() {
		for _, entry := range q.lists[p] {
			line, err := q.codec.EncodeRecord(entry.Message, entry.metadata())
			if err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("encode entry during compaction: %w", err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("write compaction tmp: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush compaction tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync compaction tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close compaction tmp: %w", err)
	}
	if err := os.Rename(tmpPath, q.logPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename compacted log: %w", err)
	}

	// Reopen the append handle on the new inode.
	if q.logFile != nil {
		q.logFile.Close()
	}
	f, err := os.OpenFile(q.logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen queue log: %w", err)
	}
	q.logFile = f
	return nil
}
