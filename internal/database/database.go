// Package database is the durable store for composite jobs and their clips.
// Composite jobs survive restarts; single-stage jobs live only in the
// in-process queue.
package database

import (
	"database/sql"
	"time"

	"reelforge/internal/models"
)

// DB wraps the SQL database with helper methods.
type DB struct {
	*sql.DB
}

// New opens a SQLite database at the given path.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// InitSchema creates the composite job and clip tables.
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS composite_jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		source_text TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		voice_id TEXT,
		aspect_ratio TEXT,
		target_duration_seconds INTEGER DEFAULT 0,
		total_clips INTEGER DEFAULT 0,
		stitch_handle TEXT,
		final_video_url TEXT,
		final_duration_seconds REAL,
		final_content_type TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_composite_status ON composite_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_composite_owner ON composite_jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_composite_stitch ON composite_jobs(stitch_handle) WHERE stitch_handle IS NOT NULL;

	CREATE TABLE IF NOT EXISTS clips (
		id TEXT PRIMARY KEY,
		composite_id TEXT NOT NULL REFERENCES composite_jobs(id),
		clip_index INTEGER NOT NULL,
		clip_type TEXT NOT NULL,
		script TEXT NOT NULL,
		estimated_seconds INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		provider_handle TEXT,
		audio_url TEXT,
		video_url TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		UNIQUE(composite_id, clip_index)
	);

	CREATE INDEX IF NOT EXISTS idx_clip_composite ON clips(composite_id);
	CREATE INDEX IF NOT EXISTS idx_clip_handle ON clips(provider_handle) WHERE provider_handle IS NOT NULL;
	`

	_, err := db.Exec(schema)
	return err
}

// InsertCompositeJob writes a composite job and all of its clips in one
// transaction, so a composite can never exist half-planned.
func (db *DB) InsertCompositeJob(job *models.CompositeJob, clips []models.ClipJob) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO composite_jobs (id, owner_id, status, source_text, actor_id, voice_id, aspect_ratio,
		                            target_duration_seconds, total_clips, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.OwnerID, job.Status, job.SourceText, job.ActorID, nullString(job.VoiceID),
		nullString(job.AspectRatio), job.TargetDurationSeconds, job.TotalClips, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range clips {
		clip := &clips[i]
		_, err = tx.Exec(`
			INSERT INTO clips (id, composite_id, clip_index, clip_type, script, estimated_seconds,
			                   status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, clip.ID, clip.CompositeID, clip.ClipIndex, clip.ClipType, clip.Script,
			clip.EstimatedSeconds, clip.Status, clip.CreatedAt, clip.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetCompositeJob retrieves a composite job by its ID. CurrentClip is derived
// from the clip table, not stored.
func (db *DB) GetCompositeJob(id string) (*models.CompositeJob, error) {
	row := db.QueryRow(`
		SELECT id, owner_id, status, source_text, actor_id, voice_id, aspect_ratio,
		       target_duration_seconds, total_clips, stitch_handle,
		       final_video_url, final_duration_seconds, final_content_type,
		       error_message, created_at, updated_at, completed_at
		FROM composite_jobs WHERE id = ?
	`, id)

	job, err := scanComposite(row)
	if err != nil {
		return nil, err
	}

	completed, err := db.CompletedClipCount(id)
	if err != nil {
		return nil, err
	}
	job.CurrentClip = completed
	return job, nil
}

// FindCompositeByStitchHandle resolves the provider handle of a stitch request.
func (db *DB) FindCompositeByStitchHandle(handle string) (*models.CompositeJob, error) {
	var id string
	err := db.QueryRow("SELECT id FROM composite_jobs WHERE stitch_handle = ?", handle).Scan(&id)
	if err != nil {
		return nil, err
	}
	return db.GetCompositeJob(id)
}

// ListCompositeJobs retrieves composite jobs with optional filtering.
func (db *DB) ListCompositeJobs(status, ownerID string, limit int) ([]models.CompositeJob, error) {
	query := `SELECT id, owner_id, status, source_text, actor_id, voice_id, aspect_ratio,
	          target_duration_seconds, total_clips, stitch_handle,
	          final_video_url, final_duration_seconds, final_content_type,
	          error_message, created_at, updated_at, completed_at
	          FROM composite_jobs WHERE 1=1`
	args := []interface{}{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}

	if limit <= 0 {
		limit = -1 // SQLite reads a negative limit as no limit
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.CompositeJob{}
	for rows.Next() {
		job, err := scanComposite(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// TransitionCompositeStatus moves a composite job from one status to another
// only if it is still in the expected status. The returned bool reports
// whether this caller won the transition; concurrent reconcilers race on it
// and exactly one wins.
func (db *DB) TransitionCompositeStatus(id string, from, to models.CompositeStatus) (bool, error) {
	res, err := db.Exec(`
		UPDATE composite_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetStitchHandle binds the provider handle of the stitch request.
func (db *DB) SetStitchHandle(id, handle string) error {
	_, err := db.Exec(`
		UPDATE composite_jobs SET stitch_handle = ?, updated_at = ? WHERE id = ?
	`, handle, time.Now().UTC(), id)
	return err
}

// CompleteComposite records the stitched result and marks the job completed.
// Only a stitching composite can complete; duplicate notifications fall
// through without touching the row.
func (db *DB) CompleteComposite(id string, result *models.JobResult) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		UPDATE composite_jobs
		SET status = ?, final_video_url = ?, final_duration_seconds = ?, final_content_type = ?,
		    error_message = NULL, updated_at = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status = ?
	`, models.CompositeCompleted, result.VideoURL, result.DurationSeconds,
		nullString(result.ContentType), now, now, id, models.CompositeStitching)
	return err
}

// FailComposite marks the job failed with an error message. Terminal
// composites absorb the write.
func (db *DB) FailComposite(id, errorMsg string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		UPDATE composite_jobs
		SET status = ?, error_message = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status NOT IN (?, ?)
	`, models.CompositeFailed, errorMsg, now, now, id,
		models.CompositeCompleted, models.CompositeFailed)
	return err
}

// GetClips retrieves the clips of a composite job in clip order.
func (db *DB) GetClips(compositeID string) ([]models.ClipJob, error) {
	rows, err := db.Query(`
		SELECT id, composite_id, clip_index, clip_type, script, estimated_seconds, status,
		       provider_handle, audio_url, video_url, error_message, created_at, updated_at, completed_at
		FROM clips WHERE composite_id = ? ORDER BY clip_index ASC
	`, compositeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClips(rows)
}

// ListPendingClips returns clips still awaiting submission, for composites
// that are actively generating. The resubmission pass drains this set.
func (db *DB) ListPendingClips() ([]models.ClipJob, error) {
	rows, err := db.Query(`
		SELECT c.id, c.composite_id, c.clip_index, c.clip_type, c.script, c.estimated_seconds, c.status,
		       c.provider_handle, c.audio_url, c.video_url, c.error_message, c.created_at, c.updated_at, c.completed_at
		FROM clips c
		JOIN composite_jobs j ON j.id = c.composite_id
		WHERE c.status = ? AND j.status = ?
		ORDER BY c.composite_id, c.clip_index
	`, models.ClipPending, models.CompositeGeneratingClips)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClips(rows)
}

// GetClipByHandle resolves a provider handle to its clip. The webhook and
// poll paths both route through this lookup.
func (db *DB) GetClipByHandle(handle string) (*models.ClipJob, error) {
	rows, err := db.Query(`
		SELECT id, composite_id, clip_index, clip_type, script, estimated_seconds, status,
		       provider_handle, audio_url, video_url, error_message, created_at, updated_at, completed_at
		FROM clips WHERE provider_handle = ?
	`, handle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clips, err := scanClips(rows)
	if err != nil {
		return nil, err
	}
	if len(clips) == 0 {
		return nil, sql.ErrNoRows
	}
	return &clips[0], nil
}

// MarkClipSubmitted binds the provider handle and moves the clip into its
// audio stage.
func (db *DB) MarkClipSubmitted(clipID, handle string) error {
	_, err := db.Exec(`
		UPDATE clips SET status = ?, provider_handle = ?, updated_at = ? WHERE id = ?
	`, models.ClipGeneratingAudio, handle, time.Now().UTC(), clipID)
	return err
}

// UpdateClipStatus updates a clip's status, stamping completed_at on the
// first transition into a terminal state. Clips already terminal absorb the
// write, so a stale poll arriving after a webhook cannot regress them.
func (db *DB) UpdateClipStatus(clipID string, status models.ClipStatus, errorMsg string) error {
	now := time.Now().UTC()
	if status == models.ClipCompleted || status == models.ClipFailed {
		_, err := db.Exec(`
			UPDATE clips SET status = ?, error_message = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?)
			WHERE id = ? AND status NOT IN (?, ?)
		`, status, nullString(errorMsg), now, now, clipID, models.ClipCompleted, models.ClipFailed)
		return err
	}
	_, err := db.Exec(`
		UPDATE clips SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, status, nullString(errorMsg), now, clipID, models.ClipCompleted, models.ClipFailed)
	return err
}

// SetClipMedia records intermediate artifact URLs. Empty arguments leave the
// stored value alone, so an audio-only update cannot erase a video URL.
func (db *DB) SetClipMedia(clipID, audioURL, videoURL string) error {
	_, err := db.Exec(`
		UPDATE clips
		SET audio_url = COALESCE(NULLIF(?, ''), audio_url),
		    video_url = COALESCE(NULLIF(?, ''), video_url),
		    updated_at = ?
		WHERE id = ?
	`, audioURL, videoURL, time.Now().UTC(), clipID)
	return err
}

// ResetClip re-queues a failed clip for another attempt, clearing the old
// provider handle. Only failed clips reset; this is the one sanctioned exit
// from a terminal clip state.
func (db *DB) ResetClip(clipID string) error {
	_, err := db.Exec(`
		UPDATE clips SET status = ?, provider_handle = NULL, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.ClipPending, time.Now().UTC(), clipID, models.ClipFailed)
	return err
}

// CompletedClipCount counts the clips of a composite that have finished.
func (db *DB) CompletedClipCount(compositeID string) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM clips WHERE composite_id = ? AND status = ?",
		compositeID, models.ClipCompleted,
	).Scan(&count)
	return count, err
}

// ClipVideoURLs returns the finished clip videos in clip order, ready to hand
// to the stitcher.
func (db *DB) ClipVideoURLs(compositeID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT video_url FROM clips
		WHERE composite_id = ? AND status = ? AND video_url IS NOT NULL
		ORDER BY clip_index ASC
	`, compositeID, models.ClipCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := []string{}
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// ListActiveStitchHandles returns the stitch handles of composites still in
// the stitching state, for the reconciler's poll pass.
func (db *DB) ListActiveStitchHandles() ([]string, error) {
	rows, err := db.Query(`
		SELECT stitch_handle FROM composite_jobs
		WHERE status = ? AND stitch_handle IS NOT NULL
	`, models.CompositeStitching)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	handles := []string{}
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, rows.Err()
}

// ListUnsubmittedStitches returns composites that won the stitching
// transition but have no stitch handle yet, either because the submission
// failed or because the process died in between. The reconciler retries them.
func (db *DB) ListUnsubmittedStitches() ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM composite_jobs
		WHERE status = ? AND stitch_handle IS NULL
	`, models.CompositeStitching)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActiveClipHandles returns the provider handles of clips that are still
// generating, for the reconciler's poll pass.
func (db *DB) ListActiveClipHandles() ([]string, error) {
	rows, err := db.Query(`
		SELECT provider_handle FROM clips
		WHERE status IN (?, ?) AND provider_handle IS NOT NULL
	`, models.ClipGeneratingAudio, models.ClipGeneratingVideo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	handles := []string{}
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, rows.Err()
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComposite(row rowScanner) (*models.CompositeJob, error) {
	var job models.CompositeJob
	var voiceID, aspectRatio, stitchHandle, finalVideoURL, finalContentType, errorMessage sql.NullString
	var finalDuration sql.NullFloat64
	var completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.OwnerID, &job.Status, &job.SourceText, &job.ActorID,
		&voiceID, &aspectRatio, &job.TargetDurationSeconds, &job.TotalClips, &stitchHandle,
		&finalVideoURL, &finalDuration, &finalContentType,
		&errorMessage, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if voiceID.Valid {
		job.VoiceID = voiceID.String
	}
	if aspectRatio.Valid {
		job.AspectRatio = aspectRatio.String
	}
	if stitchHandle.Valid {
		job.StitchHandle = stitchHandle.String
	}
	if finalVideoURL.Valid {
		job.FinalResult = &models.JobResult{
			VideoURL:        finalVideoURL.String,
			DurationSeconds: finalDuration.Float64,
			ContentType:     finalContentType.String,
		}
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

func scanClips(rows *sql.Rows) ([]models.ClipJob, error) {
	clips := []models.ClipJob{}
	for rows.Next() {
		var clip models.ClipJob
		var providerHandle, audioURL, videoURL, errorMessage sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(&clip.ID, &clip.CompositeID, &clip.ClipIndex, &clip.ClipType,
			&clip.Script, &clip.EstimatedSeconds, &clip.Status,
			&providerHandle, &audioURL, &videoURL, &errorMessage,
			&clip.CreatedAt, &clip.UpdatedAt, &completedAt)
		if err != nil {
			return nil, err
		}

		if providerHandle.Valid {
			clip.ProviderHandle = providerHandle.String
		}
		if audioURL.Valid {
			clip.AudioURL = audioURL.String
		}
		if videoURL.Valid {
			clip.VideoURL = videoURL.String
		}
		if errorMessage.Valid {
			clip.ErrorMessage = errorMessage.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			clip.CompletedAt = &t
		}

		clips = append(clips, clip)
	}
	return clips, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
