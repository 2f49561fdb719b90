// Package audit provides the append-only coordination event log
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// EventKind classifies an audit event
type EventKind string

const (
	EventTaskRegistered    EventKind = "task-registered"
	EventTaskTransition    EventKind = "task-transition"
	EventPhaseComputed     EventKind = "phase-computed"
	EventPhaseStarted      EventKind = "phase-started"
	EventPhaseCompleted    EventKind = "phase-completed"
	EventConflictDetected  EventKind = "conflict-detected"
	EventOverrideDeclared  EventKind = "override-declared"
	EventEnvAcquired       EventKind = "env-acquired"
	EventEnvReleased       EventKind = "env-released"
	EventBudgetVariance    EventKind = "budget-variance"
	EventCapBreach         EventKind = "cap-breach"
	EventMergeApplied      EventKind = "merge-applied"
	EventMergeDeferred     EventKind = "merge-deferred"
	EventScopeMismatch     EventKind = "scope-mismatch"
	EventCheckpoint        EventKind = "checkpoint"
)

// Event is one append-only record in the coordination log
type Event struct {
	ID     string                 `json:"id"`
	Seq    int64                  `json:"seq"`
	Time   time.Time              `json:"time"`
	Kind   EventKind              `json:"kind"`
	TaskID string                 `json:"taskId,omitempty"`
	Detail string                 `json:"detail,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Checkpoint is the consistent snapshot embedded in a checkpoint event.
// Recovery restores from the latest one without re-running conflict
// detection on already-resolved phases.
type Checkpoint struct {
	Tasks           []*types.Task `json:"tasks"`
	Phases          []types.Phase `json:"phases"`
	BaselineVersion int64         `json:"baselineVersion"`
	MergedTasks     []string      `json:"mergedTasks,omitempty"`
}

// Log is an append-only JSONL audit log. Appends are serialized and
// synced so a crash never loses an acknowledged event.
type Log struct {
	path   string
	file   *os.File
	seq    int64
	logger logger.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the audit log at path, continuing the sequence
// from the last recorded event
func Open(path string, log logger.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	l := &Log{path: path, logger: log}

	// Continue the sequence across restarts
	if err := l.Replay(func(ev Event) error {
		if ev.Seq > l.seq {
			l.seq = ev.Seq
		}
		return nil
	}); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l.file = file

	return l, nil
}

// Append records one event and syncs it to disk
func (l *Log) Append(kind EventKind, taskID, detail string, data map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}

	l.seq++
	ev := Event{
		ID:     uuid.New().String(),
		Seq:    l.seq,
		Time:   time.Now(),
		Kind:   kind,
		TaskID: taskID,
		Detail: detail,
		Data:   data,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	if l.logger != nil {
		l.logger.Debug("Audit event recorded",
			logger.WithField("kind", string(kind)),
			logger.WithField("seq", ev.Seq))
	}

	return nil
}

// WriteCheckpoint embeds a consistent snapshot into the log
func (l *Log) WriteCheckpoint(cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return l.Append(EventCheckpoint, "", "coordination checkpoint", map[string]interface{}{
		"checkpoint": json.RawMessage(payload),
	})
}

// Replay streams every recorded event, in order, through fn
func (l *Log) Replay(fn func(Event) error) error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open audit log for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn trailing line from a crash is tolerated; anything
			// mid-file is corruption worth surfacing.
			if l.logger != nil {
				l.logger.Warn("Skipping unparseable audit line",
					logger.WithField("error", err))
			}
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// LatestCheckpoint returns the last checkpoint in the log and the events
// recorded after it, or (nil, events) when no checkpoint exists
func (l *Log) LatestCheckpoint() (*Checkpoint, []Event, error) {
	var cp *Checkpoint
	var after []Event

	err := l.Replay(func(ev Event) error {
		if ev.Kind == EventCheckpoint {
			raw, ok := ev.Data["checkpoint"]
			if !ok {
				return nil
			}
			encoded, err := json.Marshal(raw)
			if err != nil {
				return err
			}
			var decoded Checkpoint
			if err := json.Unmarshal(encoded, &decoded); err != nil {
				return fmt.Errorf("failed to decode checkpoint: %w", err)
			}
			cp = &decoded
			after = after[:0]
			return nil
		}
		after = append(after, ev)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return cp, after, nil
}

// Close flushes and closes the underlying file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
