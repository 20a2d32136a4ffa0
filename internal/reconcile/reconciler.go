// Package reconcile drives local job state from provider reports. It is the
// single writer of status transitions: the poll loop, the webhook boundary,
// and the broadcaster's refresh requests all funnel into one apply path, so
// the two reconciliation channels can never disagree about a job.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"reelforge/internal/database"
	"reelforge/internal/models"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
)

// Reconciler folds provider state into the queue and the composite store.
type Reconciler struct {
	queue    *queue.Queue
	db       *database.DB
	provider *provider.Client
	interval time.Duration

	mu           sync.Mutex
	pollFailures map[string]int // consecutive failed polls per queue job
}

// pollFailureThreshold is how many consecutive failed polls a job absorbs
// before the failure is charged against its retry budget. One charge per
// streak; a successful poll resets it.
const pollFailureThreshold = 5

// New builds a reconciler. interval is the cadence of the background poll
// pass; on-demand refreshes from the broadcaster run in between.
func New(q *queue.Queue, db *database.DB, client *provider.Client, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		queue:        q,
		db:           db,
		provider:     client,
		interval:     interval,
		pollFailures: make(map[string]int),
	}
}

// Start runs the poll loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("[RECONCILER] Started interval=%s", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILER] Shutting down")
			return
		case <-ticker.C:
			r.pollPass(ctx)
		}
	}
}

// pollPass sweeps every in-flight provider handle once, then repairs any
// composite that is owed an advancement the event path missed.
func (r *Reconciler) pollPass(ctx context.Context) {
	for _, job := range r.queue.List(models.StatusProcessing, "", 0) {
		if job.ProviderHandle == "" {
			continue
		}
		if err := r.pollHandle(ctx, job.ProviderHandle); err != nil {
			log.Printf("[POLL] JobID=%s Handle=%s error: %v", job.ID, job.ProviderHandle, err)
			r.notePollFailure(job.ID, err)
		} else {
			r.clearPollFailures(job.ID)
		}
	}

	clipHandles, err := r.db.ListActiveClipHandles()
	if err != nil {
		log.Printf("[POLL] Failed to list active clip handles: %v", err)
	}
	for _, handle := range clipHandles {
		if err := r.pollHandle(ctx, handle); err != nil {
			log.Printf("[POLL] ClipHandle=%s error: %v", handle, err)
		}
	}

	stitchHandles, err := r.db.ListActiveStitchHandles()
	if err != nil {
		log.Printf("[POLL] Failed to list active stitch handles: %v", err)
	}
	for _, handle := range stitchHandles {
		if err := r.pollHandle(ctx, handle); err != nil {
			log.Printf("[POLL] StitchHandle=%s error: %v", handle, err)
		}
	}

	// Stitches that won the transition but never got a handle, because the
	// submission failed or the process died mid-flight.
	unsubmitted, err := r.db.ListUnsubmittedStitches()
	if err != nil {
		log.Printf("[STITCH] Failed to list unsubmitted stitches: %v", err)
	}
	for _, id := range unsubmitted {
		comp, err := r.db.GetCompositeJob(id)
		if err != nil {
			log.Printf("[STITCH] CompositeID=%s load failed: %v", id, err)
			continue
		}
		if err := r.submitStitch(ctx, comp); err != nil {
			log.Printf("[STITCH] CompositeID=%s resubmit failed: %v", id, err)
		}
	}

	// Composites whose last clip completion slipped past the event path,
	// for instance across a restart.
	generating, err := r.db.ListCompositeJobs(string(models.CompositeGeneratingClips), "", 100)
	if err != nil {
		log.Printf("[STITCH] Failed to list generating composites: %v", err)
	}
	for i := range generating {
		if err := r.advanceComposite(ctx, generating[i].ID); err != nil {
			log.Printf("[STITCH] CompositeID=%s advance failed: %v", generating[i].ID, err)
		}
	}
}

// notePollFailure tracks consecutive poll misses for a queue job. At the
// threshold the streak is charged against the retry budget like any other
// retryable provider error, which releases the handle for a resubmission.
func (r *Reconciler) notePollFailure(jobID string, pollErr error) {
	r.mu.Lock()
	r.pollFailures[jobID]++
	count := r.pollFailures[jobID]
	if count >= pollFailureThreshold {
		delete(r.pollFailures, jobID)
	}
	r.mu.Unlock()

	if count < pollFailureThreshold {
		return
	}
	msg := fmt.Sprintf("status poll failed %d times: %v", count, pollErr)
	if err := r.queue.Fail(jobID, msg); err != nil && !errors.Is(err, queue.ErrTerminalState) {
		log.Printf("[POLL] JobID=%s failed to charge poll failure: %v", jobID, err)
		return
	}
	if after, err := r.queue.Get(jobID); err == nil {
		if after.Status == models.StatusPending {
			log.Printf("[RETRY] JobID=%s RetryCount=%d/%d: %s", jobID, after.RetryCount, after.MaxRetries, msg)
		} else {
			log.Printf("[DLQ] JobID=%s RetryCount=%d budget exhausted: %s", jobID, after.RetryCount, msg)
		}
	}
}

func (r *Reconciler) clearPollFailures(jobID string) {
	r.mu.Lock()
	delete(r.pollFailures, jobID)
	r.mu.Unlock()
}

// RefreshJob polls the provider for one queue job right now. Terminal and
// not-yet-submitted jobs have nothing to refresh.
func (r *Reconciler) RefreshJob(ctx context.Context, id string) error {
	job, err := r.queue.Get(id)
	if err != nil {
		return err
	}
	if job.IsTerminal() || job.ProviderHandle == "" {
		return nil
	}
	return r.pollHandle(ctx, job.ProviderHandle)
}

// RefreshComposite polls the provider for every in-flight handle of one
// composite job right now.
func (r *Reconciler) RefreshComposite(ctx context.Context, id string) error {
	comp, err := r.db.GetCompositeJob(id)
	if err != nil {
		return err
	}
	switch comp.Status {
	case models.CompositeStitching:
		if comp.StitchHandle == "" {
			return r.submitStitch(ctx, comp)
		}
		return r.pollHandle(ctx, comp.StitchHandle)
	case models.CompositeGeneratingClips:
		clips, err := r.db.GetClips(id)
		if err != nil {
			return err
		}
		var firstErr error
		for i := range clips {
			clip := &clips[i]
			if clip.ProviderHandle == "" {
				continue
			}
			if clip.Status != models.ClipGeneratingAudio && clip.Status != models.ClipGeneratingVideo {
				continue
			}
			if err := r.pollHandle(ctx, clip.ProviderHandle); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return nil
}

// report is one provider observation, normalized from either a poll response
// or a webhook payload.
type report struct {
	handle   string
	state    provider.State
	phase    string
	queuePos int
	audioURL string
	result   *models.JobResult
	errMsg   string
}

// pollHandle fetches the provider's view of one handle and applies it.
func (r *Reconciler) pollHandle(ctx context.Context, handle string) error {
	resp, err := r.provider.PollStatus(ctx, handle)
	if err != nil {
		return err
	}
	return r.apply(ctx, report{
		handle:   handle,
		state:    resp.Status,
		phase:    resp.Phase,
		queuePos: resp.QueuePosition,
		audioURL: resp.AudioURL,
		errMsg:   resp.Error,
	})
}

// ApplyWebhook folds an inbound provider notification into local state. An
// unknown state or an unmatched handle is logged and swallowed so the caller
// can acknowledge the delivery; failing it would only earn a retry storm.
func (r *Reconciler) ApplyWebhook(ctx context.Context, payload provider.WebhookPayload) error {
	if payload.RequestID == "" {
		log.Printf("[WEBHOOK] Dropped payload without request_id")
		return nil
	}
	if !payload.Status.Known() {
		log.Printf("[WEBHOOK] Handle=%s unknown state %q", payload.RequestID, payload.Status)
		return nil
	}
	return r.apply(ctx, report{
		handle:   payload.RequestID,
		state:    payload.Status,
		phase:    payload.Phase,
		queuePos: payload.QueuePosition,
		audioURL: payload.AudioURL,
		result:   payload.Result,
		errMsg:   payload.Error,
	})
}

// apply routes a report to whichever record owns the handle: a queue job, a
// clip, or a stitch. Handles nobody owns are acknowledged and logged; the job
// may have been evicted, or the notification raced the local bind.
func (r *Reconciler) apply(ctx context.Context, rep report) error {
	if job, err := r.queue.FindByProviderHandle(rep.handle); err == nil {
		return r.applyToJob(ctx, job, rep)
	} else if !errors.Is(err, queue.ErrNotFound) {
		return err
	}

	clip, err := r.db.GetClipByHandle(rep.handle)
	if err == nil {
		return r.applyToClip(ctx, clip, rep)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	comp, err := r.db.FindCompositeByStitchHandle(rep.handle)
	if err == nil {
		return r.applyToStitch(ctx, comp, rep)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	log.Printf("[RECONCILER] Unmatched handle=%s state=%s", rep.handle, rep.state)
	return nil
}

func (r *Reconciler) applyToJob(ctx context.Context, job *models.Job, rep report) error {
	switch rep.state {
	case provider.StateInQueue:
		return r.bumpProgress(job.ID, queueProgress(rep.queuePos))

	case provider.StateInProgress:
		return r.bumpProgress(job.ID, inProgressPercent)

	case provider.StateCompleted:
		if job.Status == models.StatusCompleted {
			return nil // duplicate terminal notification
		}
		result := rep.result
		if result == nil {
			var err error
			result, err = r.provider.FetchResult(ctx, rep.handle)
			if err != nil {
				return fmt.Errorf("fetch result for job %s: %w", job.ID, err)
			}
		}
		if err := r.queue.Complete(job.ID, result); err != nil {
			if errors.Is(err, queue.ErrTerminalState) {
				log.Printf("[RECONCILER] JobID=%s late completion ignored", job.ID)
				return nil
			}
			return err
		}
		log.Printf("[FINISH] JobID=%s Handle=%s Status=completed", job.ID, rep.handle)
		return nil

	case provider.StateFailed:
		msg := rep.errMsg
		if msg == "" {
			msg = "provider reported failure"
		}
		if isTerminalFailure(msg) {
			if err := r.queue.FailTerminal(job.ID, msg); err != nil && !errors.Is(err, queue.ErrTerminalState) {
				return err
			}
			log.Printf("[DLQ] JobID=%s Handle=%s terminal provider failure: %s", job.ID, rep.handle, msg)
			return nil
		}
		if err := r.queue.Fail(job.ID, msg); err != nil && !errors.Is(err, queue.ErrTerminalState) {
			return err
		}
		if after, err := r.queue.Get(job.ID); err == nil {
			if after.Status == models.StatusPending {
				log.Printf("[RETRY] JobID=%s RetryCount=%d/%d: %s", job.ID, after.RetryCount, after.MaxRetries, msg)
			} else {
				log.Printf("[DLQ] JobID=%s RetryCount=%d budget exhausted: %s", job.ID, after.RetryCount, msg)
			}
		}
		return nil
	}
	return nil
}

// bumpProgress raises a job's progress, absorbing writes against jobs that
// went terminal since the poll was issued.
func (r *Reconciler) bumpProgress(id string, progress int) error {
	err := r.queue.UpdateProgress(id, progress)
	if errors.Is(err, queue.ErrTerminalState) {
		return nil
	}
	return err
}

func (r *Reconciler) applyToClip(ctx context.Context, clip *models.ClipJob, rep report) error {
	switch rep.state {
	case provider.StateInQueue:
		return nil // nothing to record until work starts

	case provider.StateInProgress:
		if rep.audioURL != "" {
			if err := r.db.SetClipMedia(clip.ID, rep.audioURL, ""); err != nil {
				return err
			}
		}
		if rep.phase == provider.PhaseVideo && clip.Status == models.ClipGeneratingAudio {
			if err := models.TransitionClip(clip, models.ClipGeneratingVideo); err != nil {
				log.Printf("[CLIP] ClipID=%s stale phase update: %v", clip.ID, err)
				return nil
			}
			return r.db.UpdateClipStatus(clip.ID, models.ClipGeneratingVideo, "")
		}
		return nil

	case provider.StateCompleted:
		if clip.Status == models.ClipCompleted {
			return nil // duplicate terminal notification
		}
		result := rep.result
		if result == nil {
			var err error
			result, err = r.provider.FetchResult(ctx, rep.handle)
			if err != nil {
				return fmt.Errorf("fetch result for clip %s: %w", clip.ID, err)
			}
		}
		// Record media before flipping status: a completed clip must always
		// have its video URL in place for the stitch list.
		if err := r.db.SetClipMedia(clip.ID, rep.audioURL, result.VideoURL); err != nil {
			return err
		}
		if err := models.TransitionClip(clip, models.ClipCompleted); err != nil {
			log.Printf("[CLIP] ClipID=%s stale completion: %v", clip.ID, err)
			return nil
		}
		if err := r.db.UpdateClipStatus(clip.ID, models.ClipCompleted, ""); err != nil {
			return err
		}
		log.Printf("[CLIP] ClipID=%s Index=%d completed", clip.ID, clip.ClipIndex)
		return r.advanceComposite(ctx, clip.CompositeID)

	case provider.StateFailed:
		if clip.Status == models.ClipFailed || clip.Status == models.ClipCompleted {
			return nil
		}
		msg := rep.errMsg
		if msg == "" {
			msg = "provider reported failure"
		}
		if err := r.db.UpdateClipStatus(clip.ID, models.ClipFailed, msg); err != nil {
			return err
		}
		// A failed clip blocks its composite rather than failing it; the
		// owner decides whether to retry the clip or abandon the video.
		log.Printf("[CLIP] ClipID=%s Index=%d CompositeID=%s failed, composite blocked: %s",
			clip.ID, clip.ClipIndex, clip.CompositeID, msg)
		return nil
	}
	return nil
}

// advanceComposite moves a composite to stitching once every clip has
// completed. The compare-and-set on the status row makes the transition a
// race with exactly one winner, which is what keeps the stitch from ever
// being submitted twice.
func (r *Reconciler) advanceComposite(ctx context.Context, compositeID string) error {
	comp, err := r.db.GetCompositeJob(compositeID)
	if err != nil {
		return err
	}
	if comp.Status != models.CompositeGeneratingClips {
		return nil
	}
	if comp.CurrentClip < comp.TotalClips {
		return nil
	}

	won, err := r.db.TransitionCompositeStatus(compositeID, models.CompositeGeneratingClips, models.CompositeStitching)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Printf("[STITCH] CompositeID=%s all %d clips complete, stitching", compositeID, comp.TotalClips)
	comp.Status = models.CompositeStitching
	return r.submitStitch(ctx, comp)
}

// submitStitch sends the stitch request and records its handle. On a
// transient failure the composite stays in stitching without a handle and
// the next poll pass tries again.
func (r *Reconciler) submitStitch(ctx context.Context, comp *models.CompositeJob) error {
	urls, err := r.db.ClipVideoURLs(comp.ID)
	if err != nil {
		return err
	}
	if len(urls) != comp.TotalClips {
		return fmt.Errorf("stitch for composite %s blocked: %d of %d clip videos available",
			comp.ID, len(urls), comp.TotalClips)
	}

	handle, err := r.provider.SubmitStitch(ctx, provider.StitchRequest{
		ClipURLs:    urls,
		AspectRatio: comp.AspectRatio,
	})
	if err != nil {
		if provider.IsRetryable(err) {
			return err
		}
		log.Printf("[STITCH] CompositeID=%s rejected by provider: %v", comp.ID, err)
		return r.db.FailComposite(comp.ID, "stitch rejected: "+err.Error())
	}

	if err := r.db.SetStitchHandle(comp.ID, handle); err != nil {
		return err
	}
	log.Printf("[STITCH] CompositeID=%s Handle=%s submitted", comp.ID, handle)
	return nil
}

func (r *Reconciler) applyToStitch(ctx context.Context, comp *models.CompositeJob, rep report) error {
	switch rep.state {
	case provider.StateInQueue, provider.StateInProgress:
		return nil // composite progress is derived from state, not stored

	case provider.StateCompleted:
		if comp.Status != models.CompositeStitching {
			return nil // duplicate or stale terminal notification
		}
		result := rep.result
		if result == nil {
			var err error
			result, err = r.provider.FetchResult(ctx, rep.handle)
			if err != nil {
				return fmt.Errorf("fetch stitch result for composite %s: %w", comp.ID, err)
			}
		}
		if err := r.db.CompleteComposite(comp.ID, result); err != nil {
			return err
		}
		log.Printf("[FINISH] CompositeID=%s Status=completed URL=%s", comp.ID, result.VideoURL)
		return nil

	case provider.StateFailed:
		if comp.IsTerminal() {
			return nil
		}
		msg := rep.errMsg
		if msg == "" {
			msg = "stitch failed at provider"
		}
		if err := r.db.FailComposite(comp.ID, msg); err != nil {
			return err
		}
		log.Printf("[FINISH] CompositeID=%s Status=failed: %s", comp.ID, msg)
		return nil
	}
	return nil
}

// inProgressPercent is the estimate reported while the provider is actively
// generating and gives no finer-grained figure.
const inProgressPercent = 50

// queueProgress estimates progress for a request still waiting in the
// provider's queue. Position 0 is next up; deeper positions decay toward a
// floor so a submitted job never looks completely stalled.
func queueProgress(position int) int {
	p := 25 - 2*position
	if p < 5 {
		p = 5
	}
	return p
}

// terminalFailureHints mark provider failures no retry can fix. Anything not
// matched gets the retry budget, which caps the cost of misclassification.
var terminalFailureHints = []string{
	"content policy",
	"rejected",
	"unsupported",
	"invalid input",
	"nsfw",
	"copyright",
}

func isTerminalFailure(msg string) bool {
	m := strings.ToLower(msg)
	for _, hint := range terminalFailureHints {
		if strings.Contains(m, hint) {
			return true
		}
	}
	return false
}
