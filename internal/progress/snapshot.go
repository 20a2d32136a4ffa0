// Package progress computes subscriber-facing progress snapshots and streams
// them over WebSocket. It is a read-only observer of the queue and the store:
// nothing in this package decides job state.
package progress

import (
	"time"

	"reelforge/internal/models"
)

// Bands sets the progress boundaries between the coarse stages shown to
// subscribers. The numbers are display heuristics, not state machine inputs.
type Bands struct {
	ScriptEnd int // end of the script stage, start of audio
	AudioEnd  int // end of the audio stage, start of video
	VideoEnd  int // end of the video stage, start of processing
}

// DefaultBands maps 0-25 to script, 25-50 to audio, 50-85 to video and
// 85-100 to processing.
var DefaultBands = Bands{ScriptEnd: 25, AudioEnd: 50, VideoEnd: 85}

// maxETASeconds caps the remaining-time estimate. Early in a job the
// elapsed/progress extrapolation is wild; the cap keeps it presentable.
const maxETASeconds = 600

// stageFor maps overall progress to a stage and the progress within that
// stage's band, renormalized to 0-100.
func (b Bands) stageFor(progress int) (models.Stage, int) {
	switch {
	case progress >= 100:
		return models.StageDone, 100
	case progress >= b.VideoEnd:
		return models.StageProcessing, bandLocal(progress, b.VideoEnd, 100)
	case progress >= b.AudioEnd:
		return models.StageVideo, bandLocal(progress, b.AudioEnd, b.VideoEnd)
	case progress >= b.ScriptEnd:
		return models.StageAudio, bandLocal(progress, b.ScriptEnd, b.AudioEnd)
	default:
		return models.StageScript, bandLocal(progress, 0, b.ScriptEnd)
	}
}

func bandLocal(progress, lo, hi int) int {
	if hi <= lo {
		return 100
	}
	local := (progress - lo) * 100 / (hi - lo)
	if local < 0 {
		return 0
	}
	if local > 100 {
		return 100
	}
	return local
}

// etaSeconds extrapolates remaining time from elapsed time and current
// progress, clamped to maxETASeconds. Zero progress gives the cap.
func etaSeconds(elapsed time.Duration, progress int) int {
	if progress >= 100 {
		return 0
	}
	if progress <= 0 {
		return maxETASeconds
	}
	remaining := int(elapsed.Seconds()) * (100 - progress) / progress
	if remaining < 0 {
		remaining = 0
	}
	if remaining > maxETASeconds {
		remaining = maxETASeconds
	}
	return remaining
}

// FromJob builds the snapshot for a single-stage queue job.
func FromJob(job *models.Job, bands Bands, now time.Time) models.ProgressSnapshot {
	snap := models.ProgressSnapshot{
		JobID:           job.ID,
		Status:          string(job.Status),
		OverallProgress: job.Progress,
		Result:          job.Result,
		ErrorMessage:    job.ErrorMessage,
		Terminal:        job.IsTerminal(),
	}
	snap.Stage, snap.StageProgress = bands.stageFor(job.Progress)

	if snap.Terminal {
		if job.Status == models.StatusCompleted {
			snap.Stage, snap.StageProgress = models.StageDone, 100
			snap.OverallProgress = 100
		}
		return snap
	}

	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	snap.EstimatedSecondsLeft = etaSeconds(now.Sub(start), job.Progress)
	return snap
}

// Per-clip progress credit within the clip phase of a composite. The values
// are picked so the derived stage tracks the phase the clips are actually in.
const (
	clipCreditAudio = 35
	clipCreditVideo = 70
)

// FromComposite builds the snapshot for a composite job. Overall progress is
// the clips' averaged credit scaled into the pre-stitch bands; the stitch
// phase occupies the processing band on its own.
func FromComposite(comp *models.CompositeJob, clips []models.ClipJob, bands Bands, now time.Time) models.ProgressSnapshot {
	snap := models.ProgressSnapshot{
		JobID:        comp.ID,
		Status:       string(comp.Status),
		Result:       comp.FinalResult,
		ErrorMessage: comp.ErrorMessage,
		Clips:        make([]models.ClipProgress, 0, len(clips)),
		Terminal:     comp.Status == models.CompositeCompleted || comp.Status == models.CompositeFailed,
	}
	for _, clip := range clips {
		snap.Clips = append(snap.Clips, models.ClipProgress{
			ClipIndex:    clip.ClipIndex,
			ClipType:     clip.ClipType,
			Status:       clip.Status,
			VideoURL:     clip.VideoURL,
			ErrorMessage: clip.ErrorMessage,
		})
	}

	switch comp.Status {
	case models.CompositeCompleted:
		snap.OverallProgress = 100
	case models.CompositeStitching:
		// Fixed mid-band figure; the provider reports no stitch percentage.
		snap.OverallProgress = bands.VideoEnd + (100-bands.VideoEnd)/3
	case models.CompositeGeneratingClips, models.CompositeFailed:
		snap.OverallProgress = clipPhaseProgress(clips, bands)
	}
	snap.Stage, snap.StageProgress = bands.stageFor(snap.OverallProgress)

	if snap.Terminal {
		if comp.Status == models.CompositeCompleted {
			snap.Stage, snap.StageProgress = models.StageDone, 100
		}
		return snap
	}
	snap.EstimatedSecondsLeft = etaSeconds(now.Sub(comp.CreatedAt), snap.OverallProgress)
	return snap
}

// clipPhaseProgress averages per-clip credit and scales it into 0..VideoEnd,
// the slice of the bar that belongs to clip generation.
func clipPhaseProgress(clips []models.ClipJob, bands Bands) int {
	if len(clips) == 0 {
		return 0
	}
	total := 0
	for _, clip := range clips {
		switch clip.Status {
		case models.ClipCompleted:
			total += 100
		case models.ClipGeneratingVideo:
			total += clipCreditVideo
		case models.ClipGeneratingAudio:
			total += clipCreditAudio
		}
	}
	return total * bands.VideoEnd / (len(clips) * 100)
}
