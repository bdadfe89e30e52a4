package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/grouping"
	"github.com/radbridge/dicom-adapter/metrics"
)

// ErrNotFound is returned when a request id is unknown.
var ErrNotFound = errors.New("inference request not found")

// ValidationError carries the per-rule details of a rejected request.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid inference request: " + strings.Join(e.Details, "; ")
}

const schema = `
CREATE TABLE IF NOT EXISTS inference_requests (
	id            TEXT PRIMARY KEY,
	document      TEXT    NOT NULL,
	state         TEXT    NOT NULL,
	status        TEXT    NOT NULL DEFAULT '',
	try_count     INTEGER NOT NULL DEFAULT 0,
	storage_path  TEXT    NOT NULL DEFAULT '',
	job_id        TEXT    NOT NULL DEFAULT '',
	payload_id    TEXT    NOT NULL DEFAULT '',
	cancelled     INTEGER NOT NULL DEFAULT 0,
	not_before    INTEGER NOT NULL DEFAULT 0,
	enqueued_at   INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_claim
	ON inference_requests (state, not_before, enqueued_at);

CREATE TABLE IF NOT EXISTS state_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT    NOT NULL,
	ref        TEXT    NOT NULL,
	snapshot   TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store is the durable FIFO queue of inference requests, backed by SQLite.
// Writes commit before the calling API acknowledges.
type Store struct {
	db *sql.DB
	// claimMu serializes claim_next across workers; SQLite has no
	// SELECT FOR UPDATE.
	claimMu sync.Mutex
	log     *logrus.Entry
	now     func() time.Time
}

// Open opens or creates the store and recovers interrupted work: requests
// left InProcess by a crash go back to Queued with try_count incremented.
func Open(path string, log *logrus.Entry) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.migrate", err)
	}

	s := &Store{db: db, log: log, now: time.Now}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	res, err := s.db.Exec(
		`UPDATE inference_requests
		 SET state = ?, try_count = try_count + 1, updated_at = ?
		 WHERE state = ?`,
		StateQueued, s.now().UnixMilli(), StateInProcess)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.recover", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.WithField("requeued", n).Warn("recovered interrupted inference requests")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Enqueue validates and persists a new request in state Queued. Invalid
// requests are rejected synchronously with a ValidationError. A missing id
// is assigned.
func (s *Store) Enqueue(ctx context.Context, req *InferenceRequest) error {
	if details := req.Validate(); len(details) > 0 {
		return adperrors.E(adperrors.KindValidationFailed, "requests.enqueue", &ValidationError{Details: details})
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.State = StateQueued
	req.Status = StatusPending
	req.EnqueuedAt = s.now()
	req.UpdatedAt = req.EnqueuedAt

	doc, err := json.Marshal(req)
	if err != nil {
		return adperrors.E(adperrors.KindUnknown, "requests.enqueue", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inference_requests (id, document, state, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.ID, string(doc), req.State, req.EnqueuedAt.UnixMilli(), req.UpdatedAt.UnixMilli())
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.enqueue", err)
	}
	metrics.RequestsByState.WithLabelValues(string(StateQueued)).Inc()
	return nil
}

// ClaimNext atomically claims the oldest eligible Queued request, moving it
// to InProcess. Returns nil when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context) (*InferenceRequest, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.claim", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id FROM inference_requests
		 WHERE state = ? AND not_before <= ?
		 ORDER BY enqueued_at, id LIMIT 1`,
		StateQueued, now)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.claim", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE inference_requests SET state = ?, updated_at = ? WHERE id = ?`,
		StateInProcess, now, id); err != nil {
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.claim", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.claim", err)
	}

	metrics.RequestsByState.WithLabelValues(string(StateInProcess)).Inc()
	return s.Get(ctx, id)
}

// Get loads a request by id.
func (s *Store) Get(ctx context.Context, id string) (*InferenceRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document, state, status, try_count, storage_path, job_id, payload_id, enqueued_at, updated_at
		 FROM inference_requests WHERE id = ?`, id)

	var doc, state, status string
	var tryCount int
	var storagePath, jobID, payloadID string
	var enqueuedAt, updatedAt int64
	if err := row.Scan(&doc, &state, &status, &tryCount, &storagePath, &jobID, &payloadID, &enqueuedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, adperrors.E(adperrors.KindTransientIO, "requests.get", err)
	}

	var req InferenceRequest
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return nil, adperrors.E(adperrors.KindUnknown, "requests.get", err)
	}
	req.ID = id
	req.State = State(state)
	req.Status = Status(status)
	req.TryCount = tryCount
	req.StoragePath = storagePath
	req.JobID = jobID
	req.PayloadID = payloadID
	req.EnqueuedAt = time.UnixMilli(enqueuedAt)
	req.UpdatedAt = time.UnixMilli(updatedAt)
	return &req, nil
}

// Update persists the mutable lifecycle fields. Completed requests cannot
// regress to an earlier state.
func (s *Store) Update(ctx context.Context, req *InferenceRequest) error {
	req.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE inference_requests
		 SET state = ?, status = ?, try_count = ?, storage_path = ?, job_id = ?, payload_id = ?, updated_at = ?
		 WHERE id = ? AND state != ?`,
		req.State, req.Status, req.TryCount, req.StoragePath, req.JobID, req.PayloadID,
		req.UpdatedAt.UnixMilli(), req.ID, StateCompleted)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w or already completed: %s", ErrNotFound, req.ID)
	}
	metrics.RequestsByState.WithLabelValues(string(req.State)).Inc()
	return nil
}

// Requeue moves an InProcess request back to Queued after a transient
// failure, eligible again once the delay elapses.
func (s *Store) Requeue(ctx context.Context, req *InferenceRequest, delay time.Duration) error {
	req.State = StateQueued
	notBefore := s.now().Add(delay).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE inference_requests
		 SET state = ?, try_count = ?, not_before = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		StateQueued, req.TryCount, notBefore, s.now().UnixMilli(), req.ID, StateInProcess)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.requeue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w or not in process: %s", ErrNotFound, req.ID)
	}
	metrics.RequestsByState.WithLabelValues(string(StateQueued)).Inc()
	return nil
}

// Cancel cancels a request. Queued requests complete immediately with
// status Fail; InProcess requests get a cancellation mark that the worker
// honors at resource boundaries. Completed requests are left alone.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE inference_requests SET state = ?, status = ?, cancelled = 1, updated_at = ?
		 WHERE id = ? AND state = ?`,
		StateCompleted, StatusFail, now, id, StateQueued)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.cancel", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.RequestsByState.WithLabelValues(string(StateCompleted)).Inc()
		return nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE inference_requests SET cancelled = 1, updated_at = ? WHERE id = ? AND state = ?`,
		now, id, StateInProcess)
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w or already completed: %s", ErrNotFound, id)
	}
	return nil
}

// Cancelled reports whether cancellation was requested for a request.
func (s *Store) Cancelled(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cancelled FROM inference_requests WHERE id = ?`, id)
	var cancelled int
	if err := row.Scan(&cancelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return false, adperrors.E(adperrors.KindTransientIO, "requests.cancelled", err)
	}
	return cancelled != 0, nil
}

// RecordBucketFailure persists a grouping bucket failure snapshot.
func (s *Store) RecordBucketFailure(ctx context.Context, failure grouping.BucketFailure) error {
	snapshot, err := json.Marshal(failure)
	if err != nil {
		return adperrors.E(adperrors.KindUnknown, "requests.snapshot", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_snapshots (kind, ref, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		"bucket_failure", failure.Key, string(snapshot), s.now().UnixMilli())
	if err != nil {
		return adperrors.E(adperrors.KindTransientIO, "requests.snapshot", err)
	}
	return nil
}
