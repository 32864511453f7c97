package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one line of the append-only job log. Snapshot is a complete
// self-contained Job document; replaying the log and keeping the last
// snapshot per job id reconstructs the whole index.
type Record struct {
	TS       time.Time       `json:"ts"`
	JobID    string          `json:"job_id"`
	State    State           `json:"state"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// JobLog is the durable append-only NDJSON job journal.
type JobLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenJobLog opens (creating if needed) the journal at path.
func OpenJobLog(path string) (*JobLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create job log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	return &JobLog{path: path, f: f}, nil
}

// Append writes one snapshot record for job.
func (l *JobLog) Append(job *Job) error {
	snap, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s snapshot: %w", job.JobID, err)
	}
	rec, err := json.Marshal(Record{
		TS:       time.Now(),
		JobID:    job.JobID,
		State:    job.State,
		Snapshot: snap,
	})
	if err != nil {
		return fmt.Errorf("encode job %s record: %w", job.JobID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("job log is closed")
	}
	if _, err := l.f.Write(append(rec, '\n')); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// Close syncs and closes the journal.
func (l *JobLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HydrateJobs replays the journal at path. The last snapshot per job id
// wins; jobs come back in first-seen order. Unreadable lines are skipped and
// counted so a torn final write never blocks startup.
func HydrateJobs(path string) ([]*Job, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	byID := map[string]*Job{}
	var order []string
	skipped := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxSnapshotBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		var job Job
		if err := json.Unmarshal(rec.Snapshot, &job); err != nil || job.JobID == "" {
			skipped++
			continue
		}
		if _, seen := byID[job.JobID]; !seen {
			order = append(order, job.JobID)
		}
		byID[job.JobID] = &job
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read job log: %w", err)
	}

	jobs := make([]*Job, 0, len(order))
	for _, id := range order {
		jobs = append(jobs, byID[id])
	}
	return jobs, skipped, nil
}

// maxSnapshotBytes bounds one journal line. Snapshots embed step outputs,
// which for folder transcriptions enumerate every produced file.
const maxSnapshotBytes = 16 << 20
