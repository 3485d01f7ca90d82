package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

const appRequestCols = `id,title,description,category,requester_id,status,attempts,not_before,rejection_reason,latest_job_id,verdict_id,staged_app_id,created_at,updated_at`

func scanAppRequest(row rowScanner) (domain.AppRequest, error) {
	var a domain.AppRequest
	var notBefore, rejection, jobID, verdictID, stagedID sql.NullString
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Category, &a.RequesterID, &a.Status, &a.Attempts,
		&notBefore, &rejection, &jobID, &verdictID, &stagedID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if notBefore.Valid {
		a.NotBefore = &notBefore.String
	}
	if rejection.Valid {
		a.RejectionReason = &rejection.String
	}
	if jobID.Valid {
		a.LatestJobID = &jobID.String
	}
	if verdictID.Valid {
		a.VerdictID = &verdictID.String
	}
	if stagedID.Valid {
		a.StagedAppID = &stagedID.String
	}
	return a, nil
}

func (r Repo) InsertAppRequest(ctx context.Context, tx *sql.Tx, a domain.AppRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO app_requests(id,title,description,category,requester_id,status,attempts,not_before,rejection_reason,latest_job_id,verdict_id,staged_app_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Title, a.Description, a.Category, a.RequesterID, a.Status, a.Attempts,
		nullableStringPtr(a.NotBefore), nullableStringPtr(a.RejectionReason), nullableStringPtr(a.LatestJobID),
		nullableStringPtr(a.VerdictID), nullableStringPtr(a.StagedAppID), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAppRequest(ctx context.Context, tx *sql.Tx, a domain.AppRequest) error {
	_, err := tx.ExecContext(ctx, `UPDATE app_requests SET title=?, description=?, category=?, status=?, attempts=?, not_before=?, rejection_reason=?, latest_job_id=?, verdict_id=?, staged_app_id=?, updated_at=? WHERE id=?`,
		a.Title, a.Description, a.Category, a.Status, a.Attempts,
		nullableStringPtr(a.NotBefore), nullableStringPtr(a.RejectionReason), nullableStringPtr(a.LatestJobID),
		nullableStringPtr(a.VerdictID), nullableStringPtr(a.StagedAppID), a.UpdatedAt, a.ID)
	return err
}

func (r Repo) GetAppRequest(ctx context.Context, id string) (domain.AppRequest, error) {
	return scanAppRequest(r.DB.QueryRowContext(ctx, `SELECT `+appRequestCols+` FROM app_requests WHERE id=?`, id))
}

func (r Repo) GetAppRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.AppRequest, error) {
	return scanAppRequest(tx.QueryRowContext(ctx, `SELECT `+appRequestCols+` FROM app_requests WHERE id=?`, id))
}

type RequestFilters struct {
	Status          string
	Category        string
	RequesterID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAppRequests(ctx context.Context, f RequestFilters) ([]domain.AppRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + appRequestCols + ` FROM app_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AppRequest
	for rows.Next() {
		a, err := scanAppRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DispatchDue returns queued requests whose backoff window has passed,
// oldest first.
func (r Repo) DispatchDue(ctx context.Context, now string, limit int) ([]domain.AppRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+appRequestCols+` FROM app_requests
WHERE status='queued' AND (not_before IS NULL OR not_before<=?)
ORDER BY created_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AppRequest
	for rows.Next() {
		a, err := scanAppRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM app_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

const generationJobCols = `id,request_id,attempt,status,artifact_ref,failure_kind,failure_note,build_log,started_at,ended_at`

func scanGenerationJob(row rowScanner) (domain.GenerationJob, error) {
	var j domain.GenerationJob
	var artifact, failKind, failNote, ended sql.NullString
	err := row.Scan(&j.ID, &j.RequestID, &j.Attempt, &j.Status, &artifact, &failKind, &failNote, &j.BuildLog, &j.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if artifact.Valid {
		j.ArtifactRef = &artifact.String
	}
	if failKind.Valid {
		j.FailureKind = &failKind.String
	}
	if failNote.Valid {
		j.FailureNote = &failNote.String
	}
	if ended.Valid {
		j.EndedAt = &ended.String
	}
	return j, nil
}

func (r Repo) InsertGenerationJob(ctx context.Context, tx *sql.Tx, j domain.GenerationJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO generation_jobs(id,request_id,attempt,status,artifact_ref,failure_kind,failure_note,build_log,started_at,ended_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.RequestID, j.Attempt, j.Status, nullableStringPtr(j.ArtifactRef), nullableStringPtr(j.FailureKind),
		nullableStringPtr(j.FailureNote), j.BuildLog, j.StartedAt, nullableStringPtr(j.EndedAt))
	return err
}

func (r Repo) UpdateGenerationJob(ctx context.Context, tx *sql.Tx, j domain.GenerationJob) error {
	_, err := tx.ExecContext(ctx, `UPDATE generation_jobs SET status=?, artifact_ref=?, failure_kind=?, failure_note=?, build_log=?, ended_at=? WHERE id=?`,
		j.Status, nullableStringPtr(j.ArtifactRef), nullableStringPtr(j.FailureKind), nullableStringPtr(j.FailureNote),
		j.BuildLog, nullableStringPtr(j.EndedAt), j.ID)
	return err
}

func (r Repo) GetGenerationJob(ctx context.Context, id string) (domain.GenerationJob, error) {
	return scanGenerationJob(r.DB.QueryRowContext(ctx, `SELECT `+generationJobCols+` FROM generation_jobs WHERE id=?`, id))
}

func (r Repo) GetGenerationJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.GenerationJob, error) {
	return scanGenerationJob(tx.QueryRowContext(ctx, `SELECT `+generationJobCols+` FROM generation_jobs WHERE id=?`, id))
}

// RunningJob returns the running job for a request, ErrNotFound if none.
func (r Repo) RunningJob(ctx context.Context, tx *sql.Tx, requestID string) (domain.GenerationJob, error) {
	return scanGenerationJob(tx.QueryRowContext(ctx, `SELECT `+generationJobCols+` FROM generation_jobs WHERE request_id=? AND status='running'`, requestID))
}

func (r Repo) ListGenerationJobs(ctx context.Context, requestID string) ([]domain.GenerationJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+generationJobCols+` FROM generation_jobs WHERE request_id=? ORDER BY attempt ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationJob
	for rows.Next() {
		j, err := scanGenerationJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// StaleRunningJobs returns jobs still marked running whose started_at is at
// or before cutoff. Used to reap work orphaned by a crash.
func (r Repo) StaleRunningJobs(ctx context.Context, cutoff string, limit int) ([]domain.GenerationJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+generationJobCols+` FROM generation_jobs
WHERE status='running' AND started_at<=? ORDER BY started_at ASC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationJob
	for rows.Next() {
		j, err := scanGenerationJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func marshalViolations(violations []domain.Violation) (string, error) {
	if violations == nil {
		violations = []domain.Violation{}
	}
	data, err := json.Marshal(violations)
	if err != nil {
		return "", fmt.Errorf("marshal violations: %w", err)
	}
	return string(data), nil
}

func scanSafetyVerdict(row rowScanner) (domain.SafetyVerdict, error) {
	var v domain.SafetyVerdict
	var pass int
	var violations string
	err := row.Scan(&v.ID, &v.RequestID, &v.ArtifactRef, &pass, &violations, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Pass = pass != 0
	if violations != "" && violations != "[]" {
		if err := json.Unmarshal([]byte(violations), &v.Violations); err != nil {
			return v, fmt.Errorf("unmarshal violations: %w", err)
		}
	}
	return v, nil
}

const safetyVerdictCols = `id,request_id,artifact_ref,pass,violations_json,created_at`

func (r Repo) InsertSafetyVerdict(ctx context.Context, tx *sql.Tx, v domain.SafetyVerdict) error {
	violations, err := marshalViolations(v.Violations)
	if err != nil {
		return err
	}
	pass := 0
	if v.Pass {
		pass = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO safety_verdicts(id,request_id,artifact_ref,pass,violations_json,created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.RequestID, v.ArtifactRef, pass, violations, v.CreatedAt)
	return err
}

// LatestVerdictForRequest returns the most recent verdict for a request.
func (r Repo) LatestVerdictForRequest(ctx context.Context, requestID string) (domain.SafetyVerdict, error) {
	return scanSafetyVerdict(r.DB.QueryRowContext(ctx, `SELECT `+safetyVerdictCols+` FROM safety_verdicts WHERE request_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, requestID))
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
