package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/models"
)

func TestStageFor_Bands(t *testing.T) {
	cases := []struct {
		progress  int
		stage     models.Stage
		stageProg int
	}{
		{0, models.StageScript, 0},
		{12, models.StageScript, 48},
		{24, models.StageScript, 96},
		{25, models.StageAudio, 0},
		{37, models.StageAudio, 48},
		{50, models.StageVideo, 0},
		{84, models.StageVideo, 97},
		{85, models.StageProcessing, 0},
		{92, models.StageProcessing, 46},
		{100, models.StageDone, 100},
	}
	for _, tc := range cases {
		stage, local := DefaultBands.stageFor(tc.progress)
		assert.Equalf(t, tc.stage, stage, "progress %d", tc.progress)
		assert.Equalf(t, tc.stageProg, local, "progress %d", tc.progress)
	}
}

func TestEtaSeconds_ClampsAndExtrapolates(t *testing.T) {
	assert.Equal(t, maxETASeconds, etaSeconds(0, 0), "no progress means no basis, report the cap")
	assert.Equal(t, 100, etaSeconds(100*time.Second, 50))
	assert.Equal(t, 300, etaSeconds(100*time.Second, 25))
	assert.Equal(t, maxETASeconds, etaSeconds(1000*time.Second, 10), "wild extrapolations hit the cap")
	assert.Equal(t, 0, etaSeconds(time.Hour, 100))
}

func TestFromJob_Processing(t *testing.T) {
	started := time.Now().Add(-100 * time.Second)
	job := &models.Job{
		ID:        "job-1",
		Status:    models.StatusProcessing,
		Progress:  50,
		CreatedAt: started.Add(-10 * time.Second),
		StartedAt: &started,
	}

	snap := FromJob(job, DefaultBands, time.Now())
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, string(models.StatusProcessing), snap.Status)
	assert.Equal(t, models.StageVideo, snap.Stage)
	assert.Equal(t, 0, snap.StageProgress)
	assert.Equal(t, 50, snap.OverallProgress)
	assert.False(t, snap.Terminal)
	// 100s elapsed at 50% extrapolates to 100s left.
	assert.InDelta(t, 100, snap.EstimatedSecondsLeft, 2)
}

func TestFromJob_JustCreated(t *testing.T) {
	job := &models.Job{ID: "job-1", Status: models.StatusPending, CreatedAt: time.Now()}

	snap := FromJob(job, DefaultBands, time.Now())
	assert.Equal(t, models.StageScript, snap.Stage)
	assert.Equal(t, 0, snap.OverallProgress)
	assert.Equal(t, maxETASeconds, snap.EstimatedSecondsLeft)
	assert.False(t, snap.Terminal)
}

func TestFromJob_Terminal(t *testing.T) {
	result := &models.JobResult{VideoURL: "https://cdn.example.com/v.mp4"}
	completed := &models.Job{
		ID:       "job-1",
		Status:   models.StatusCompleted,
		Progress: 100,
		Result:   result,
	}
	snap := FromJob(completed, DefaultBands, time.Now())
	assert.True(t, snap.Terminal)
	assert.Equal(t, models.StageDone, snap.Stage)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Equal(t, 0, snap.EstimatedSecondsLeft)
	assert.Equal(t, result, snap.Result)

	failed := &models.Job{
		ID:           "job-2",
		Status:       models.StatusFailed,
		Progress:     50,
		RetryCount:   3,
		MaxRetries:   3,
		ErrorMessage: "content policy violation",
	}
	snap = FromJob(failed, DefaultBands, time.Now())
	assert.True(t, snap.Terminal)
	assert.Equal(t, "content policy violation", snap.ErrorMessage)
	assert.Equal(t, 0, snap.EstimatedSecondsLeft)
}

func compositeFixture(status models.CompositeStatus, clipStatuses ...models.ClipStatus) (*models.CompositeJob, []models.ClipJob) {
	comp := &models.CompositeJob{
		ID:         "vid-1",
		Status:     status,
		TotalClips: len(clipStatuses),
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	clips := make([]models.ClipJob, 0, len(clipStatuses))
	for i, cs := range clipStatuses {
		clips = append(clips, models.ClipJob{
			ID:          fmt.Sprintf("vid-1-c%d", i+1),
			CompositeID: "vid-1",
			ClipIndex:   i + 1,
			ClipType:    models.ClipTypeBody,
			Status:      cs,
		})
	}
	return comp, clips
}

func TestFromComposite_ClipPhase(t *testing.T) {
	comp, clips := compositeFixture(models.CompositeGeneratingClips,
		models.ClipCompleted, models.ClipGeneratingVideo, models.ClipPending)

	snap := FromComposite(comp, clips, DefaultBands, time.Now())
	// (100 + 70 + 0) / 3 scaled into the 0..85 clip share.
	assert.Equal(t, 48, snap.OverallProgress)
	assert.Equal(t, models.StageAudio, snap.Stage)
	assert.False(t, snap.Terminal)
	require.Len(t, snap.Clips, 3)
	assert.Equal(t, models.ClipCompleted, snap.Clips[0].Status)
	assert.Equal(t, 2, snap.Clips[1].ClipIndex)
}

func TestFromComposite_Stitching(t *testing.T) {
	comp, clips := compositeFixture(models.CompositeStitching,
		models.ClipCompleted, models.ClipCompleted)

	snap := FromComposite(comp, clips, DefaultBands, time.Now())
	assert.Equal(t, 90, snap.OverallProgress)
	assert.Equal(t, models.StageProcessing, snap.Stage)
	assert.False(t, snap.Terminal)
}

func TestFromComposite_Terminal(t *testing.T) {
	comp, clips := compositeFixture(models.CompositeCompleted,
		models.ClipCompleted, models.ClipCompleted)
	comp.FinalResult = &models.JobResult{VideoURL: "https://cdn.example.com/final.mp4"}

	snap := FromComposite(comp, clips, DefaultBands, time.Now())
	assert.True(t, snap.Terminal)
	assert.Equal(t, models.StageDone, snap.Stage)
	assert.Equal(t, 100, snap.OverallProgress)
	assert.Equal(t, comp.FinalResult, snap.Result)

	failedComp, failedClips := compositeFixture(models.CompositeFailed,
		models.ClipCompleted, models.ClipFailed)
	failedComp.ErrorMessage = "stitch rejected: unsupported codec"

	snap = FromComposite(failedComp, failedClips, DefaultBands, time.Now())
	assert.True(t, snap.Terminal)
	assert.Equal(t, "stitch rejected: unsupported codec", snap.ErrorMessage)
	assert.Equal(t, 0, snap.EstimatedSecondsLeft)
}

func TestFromComposite_FailedClipSurfacesInClips(t *testing.T) {
	comp, clips := compositeFixture(models.CompositeGeneratingClips,
		models.ClipFailed, models.ClipGeneratingAudio)
	clips[0].ErrorMessage = "submit rejected: content policy violation"

	snap := FromComposite(comp, clips, DefaultBands, time.Now())
	assert.False(t, snap.Terminal, "a failed clip blocks but does not fail the composite")
	assert.Equal(t, models.ClipFailed, snap.Clips[0].Status)
	assert.Contains(t, snap.Clips[0].ErrorMessage, "content policy")
}
