package library

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// EnqueueJob appends a work item to the queue and returns its id.
func (l *Library) EnqueueJob(jobType, payloadJSON string, priority int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	res, err := l.db.Exec(`INSERT INTO jobs (type, payload_json, status, priority)
		VALUES (?, ?, ?, ?)`, jobType, payloadJSON, types.JobPending, priority)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextJob claims the next pending job (priority desc, created_at asc) by
// flipping it to processing, or returns nil when the queue is empty.
func (l *Library) NextJob() (*types.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var job *types.Job
	err := l.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT id, type, payload_json, status, error, priority, created_at, updated_at
			FROM jobs WHERE status = ?
			ORDER BY priority DESC, created_at ASC LIMIT 1`, types.JobPending)
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			types.JobProcessing, time.Now().UTC(), j.ID); err != nil {
			return err
		}
		j.Status = types.JobProcessing
		job = j
		return nil
	})
	return job, err
}

// CompleteJob marks a job completed.
func (l *Library) CompleteJob(id int64) error {
	return l.finishJob(id, types.JobCompleted, "")
}

// FailJob marks a job failed with the given reason.
func (l *Library) FailJob(id int64, reason string) error {
	return l.finishJob(id, types.JobFailed, reason)
}

func (l *Library) finishJob(id int64, status, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("no job %d", id))
	}
	return nil
}

// ListJobs returns the most recent jobs, newest first.
func (l *Library) ListJobs(limit int) ([]types.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`SELECT id, type, payload_json, status, error, priority, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []types.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(row scannable) (*types.Job, error) {
	var j types.Job
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Error,
		&j.Priority, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
