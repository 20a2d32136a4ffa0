package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "reelforge_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedComposite(t *testing.T, db *DB, id string) (*models.CompositeJob, []models.ClipJob) {
	t.Helper()
	now := time.Now().UTC()
	job := &models.CompositeJob{
		ID:                    id,
		OwnerID:               "user-1",
		Status:                models.CompositePending,
		SourceText:            "Hook line. Body one. Body two. Call to action.",
		ActorID:               "actor-7",
		VoiceID:               "voice-en",
		AspectRatio:           "9:16",
		TargetDurationSeconds: 45,
		TotalClips:            3,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	clips := []models.ClipJob{
		{ID: id + "-c1", CompositeID: id, ClipIndex: 1, ClipType: models.ClipTypeHook, Script: "Hook line.", EstimatedSeconds: 5, Status: models.ClipPending, CreatedAt: now, UpdatedAt: now},
		{ID: id + "-c2", CompositeID: id, ClipIndex: 2, ClipType: models.ClipTypeBody, Script: "Body one. Body two.", EstimatedSeconds: 30, Status: models.ClipPending, CreatedAt: now, UpdatedAt: now},
		{ID: id + "-c3", CompositeID: id, ClipIndex: 3, ClipType: models.ClipTypeCTA, Script: "Call to action.", EstimatedSeconds: 10, Status: models.ClipPending, CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, db.InsertCompositeJob(job, clips))
	return job, clips
}

func TestInsertCompositeJob_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	seedComposite(t, db, "vid-1")

	got, err := db.GetCompositeJob("vid-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, models.CompositePending, got.Status)
	assert.Equal(t, "actor-7", got.ActorID)
	assert.Equal(t, "voice-en", got.VoiceID)
	assert.Equal(t, "9:16", got.AspectRatio)
	assert.Equal(t, 3, got.TotalClips)
	assert.Equal(t, 0, got.CurrentClip)
	assert.Nil(t, got.FinalResult)
	assert.Nil(t, got.CompletedAt)

	clips, err := db.GetClips("vid-1")
	require.NoError(t, err)
	require.Len(t, clips, 3)
	assert.Equal(t, models.ClipTypeHook, clips[0].ClipType)
	assert.Equal(t, models.ClipTypeBody, clips[1].ClipType)
	assert.Equal(t, models.ClipTypeCTA, clips[2].ClipType)
	for i, clip := range clips {
		assert.Equal(t, i+1, clip.ClipIndex)
		assert.Equal(t, models.ClipPending, clip.Status)
	}
}

func TestGetCompositeJob_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetCompositeJob("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestTransitionCompositeStatus_ExactlyOneWinner(t *testing.T) {
	db := openTestDB(t)
	seedComposite(t, db, "vid-1")

	won, err := db.TransitionCompositeStatus("vid-1", models.CompositePending, models.CompositeGeneratingClips)
	require.NoError(t, err)
	assert.True(t, won)

	// The same transition attempted again loses: the row already moved on.
	won, err = db.TransitionCompositeStatus("vid-1", models.CompositePending, models.CompositeGeneratingClips)
	require.NoError(t, err)
	assert.False(t, won)

	// Two racers on generating_clips -> stitching; only the first succeeds.
	won, err = db.TransitionCompositeStatus("vid-1", models.CompositeGeneratingClips, models.CompositeStitching)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = db.TransitionCompositeStatus("vid-1", models.CompositeGeneratingClips, models.CompositeStitching)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestClipLifecycle(t *testing.T) {
	db := openTestDB(t)
	_, clips := seedComposite(t, db, "vid-1")

	require.NoError(t, db.MarkClipSubmitted(clips[0].ID, "req-clip-1"))

	clip, err := db.GetClipByHandle("req-clip-1")
	require.NoError(t, err)
	assert.Equal(t, clips[0].ID, clip.ID)
	assert.Equal(t, models.ClipGeneratingAudio, clip.Status)

	_, err = db.GetClipByHandle("req-unknown")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// Audio done, video underway.
	require.NoError(t, db.SetClipMedia(clip.ID, "https://cdn.example/a1.mp3", ""))
	require.NoError(t, db.UpdateClipStatus(clip.ID, models.ClipGeneratingVideo, ""))

	// A video-only update must not erase the audio URL.
	require.NoError(t, db.SetClipMedia(clip.ID, "", "https://cdn.example/v1.mp4"))
	require.NoError(t, db.UpdateClipStatus(clip.ID, models.ClipCompleted, ""))

	got, err := db.GetClipByHandle("req-clip-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClipCompleted, got.Status)
	assert.Equal(t, "https://cdn.example/a1.mp3", got.AudioURL)
	assert.Equal(t, "https://cdn.example/v1.mp4", got.VideoURL)
	require.NotNil(t, got.CompletedAt)

	// A stale in-flight update after completion is absorbed.
	require.NoError(t, db.UpdateClipStatus(clip.ID, models.ClipGeneratingVideo, ""))
	got, err = db.GetClipByHandle("req-clip-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClipCompleted, got.Status)
}

func TestCompletedClipCount_And_VideoURLOrder(t *testing.T) {
	db := openTestDB(t)
	_, clips := seedComposite(t, db, "vid-1")

	// Clips finish out of order: 2, then 1, then 3. The stitch list must
	// still come back in clip order.
	finish := func(i int, url string) {
		require.NoError(t, db.MarkClipSubmitted(clips[i].ID, "req-"+clips[i].ID))
		require.NoError(t, db.SetClipMedia(clips[i].ID, "", url))
		require.NoError(t, db.UpdateClipStatus(clips[i].ID, models.ClipCompleted, ""))
	}

	finish(1, "https://cdn.example/v2.mp4")
	count, err := db.CompletedClipCount("vid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	finish(0, "https://cdn.example/v1.mp4")
	finish(2, "https://cdn.example/v3.mp4")

	count, err = db.CompletedClipCount("vid-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	job, err := db.GetCompositeJob("vid-1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.CurrentClip)

	urls, err := db.ClipVideoURLs("vid-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.example/v1.mp4",
		"https://cdn.example/v2.mp4",
		"https://cdn.example/v3.mp4",
	}, urls)
}

func TestResetClip_ClearsHandleAndError(t *testing.T) {
	db := openTestDB(t)
	_, clips := seedComposite(t, db, "vid-1")

	require.NoError(t, db.MarkClipSubmitted(clips[0].ID, "req-clip-1"))
	require.NoError(t, db.UpdateClipStatus(clips[0].ID, models.ClipFailed, "render crashed"))
	require.NoError(t, db.ResetClip(clips[0].ID))

	all, err := db.GetClips("vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClipPending, all[0].Status)
	assert.Empty(t, all[0].ProviderHandle)
	assert.Empty(t, all[0].ErrorMessage)

	_, err = db.GetClipByHandle("req-clip-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStitchHandle_LookupAndCompletion(t *testing.T) {
	db := openTestDB(t)
	seedComposite(t, db, "vid-1")

	won, err := db.TransitionCompositeStatus("vid-1", models.CompositePending, models.CompositeGeneratingClips)
	require.NoError(t, err)
	require.True(t, won)
	won, err = db.TransitionCompositeStatus("vid-1", models.CompositeGeneratingClips, models.CompositeStitching)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, db.SetStitchHandle("vid-1", "req-stitch-9"))

	handles, err := db.ListActiveStitchHandles()
	require.NoError(t, err)
	assert.Equal(t, []string{"req-stitch-9"}, handles)

	job, err := db.FindCompositeByStitchHandle("req-stitch-9")
	require.NoError(t, err)
	assert.Equal(t, "vid-1", job.ID)

	result := &models.JobResult{VideoURL: "https://cdn.example/final.mp4", DurationSeconds: 44.2, ContentType: "video/mp4"}
	require.NoError(t, db.CompleteComposite("vid-1", result))

	job, err = db.GetCompositeJob("vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.CompositeCompleted, job.Status)
	require.NotNil(t, job.FinalResult)
	assert.Equal(t, "https://cdn.example/final.mp4", job.FinalResult.VideoURL)
	assert.InDelta(t, 44.2, job.FinalResult.DurationSeconds, 0.001)
	require.NotNil(t, job.CompletedAt)

	// Once completed the stitch handle drops out of the active poll set.
	handles, err = db.ListActiveStitchHandles()
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestFailComposite(t *testing.T) {
	db := openTestDB(t)
	seedComposite(t, db, "vid-1")

	require.NoError(t, db.FailComposite("vid-1", "stitcher rejected clip list"))

	job, err := db.GetCompositeJob("vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.CompositeFailed, job.Status)
	assert.Equal(t, "stitcher rejected clip list", job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
}

func TestListActiveClipHandles(t *testing.T) {
	db := openTestDB(t)
	_, clips := seedComposite(t, db, "vid-1")

	require.NoError(t, db.MarkClipSubmitted(clips[0].ID, "req-1"))
	require.NoError(t, db.MarkClipSubmitted(clips[1].ID, "req-2"))
	require.NoError(t, db.UpdateClipStatus(clips[1].ID, models.ClipGeneratingVideo, ""))
	require.NoError(t, db.MarkClipSubmitted(clips[2].ID, "req-3"))
	require.NoError(t, db.UpdateClipStatus(clips[2].ID, models.ClipCompleted, ""))

	handles, err := db.ListActiveClipHandles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"req-1", "req-2"}, handles, "completed clips are not polled")
}

func TestListPendingClips_OnlyForGeneratingComposites(t *testing.T) {
	db := openTestDB(t)
	_, clips := seedComposite(t, db, "vid-1")

	// Still pending overall: nothing to resubmit yet.
	got, err := db.ListPendingClips()
	require.NoError(t, err)
	assert.Empty(t, got)

	won, err := db.TransitionCompositeStatus("vid-1", models.CompositePending, models.CompositeGeneratingClips)
	require.NoError(t, err)
	require.True(t, won)

	got, err = db.ListPendingClips()
	require.NoError(t, err)
	assert.Len(t, got, 3)

	require.NoError(t, db.MarkClipSubmitted(clips[0].ID, "req-1"))
	got, err = db.ListPendingClips()
	require.NoError(t, err)
	assert.Len(t, got, 2, "submitted clips drop out of the resubmission set")
}

func TestListUnsubmittedStitches(t *testing.T) {
	db := openTestDB(t)
	seedComposite(t, db, "vid-1")

	won, err := db.TransitionCompositeStatus("vid-1", models.CompositePending, models.CompositeGeneratingClips)
	require.NoError(t, err)
	require.True(t, won)
	won, err = db.TransitionCompositeStatus("vid-1", models.CompositeGeneratingClips, models.CompositeStitching)
	require.NoError(t, err)
	require.True(t, won)

	// Stitching but never submitted, as after a crash between the
	// transition and the provider call.
	ids, err := db.ListUnsubmittedStitches()
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-1"}, ids)

	require.NoError(t, db.SetStitchHandle("vid-1", "req-stitch-1"))
	ids, err = db.ListUnsubmittedStitches()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListCompositeJobs_Filters(t *testing.T) {
	db := openTestDB(t)
	seedComposite(t, db, "vid-1")
	seedComposite(t, db, "vid-2")

	require.NoError(t, db.FailComposite("vid-2", "boom"))

	all, err := db.ListCompositeJobs("", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := db.ListCompositeJobs(string(models.CompositeFailed), "", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "vid-2", failed[0].ID)

	none, err := db.ListCompositeJobs("", "someone-else", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
