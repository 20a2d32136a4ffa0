// Package pipeline plans composite videos and owns all provider submissions.
// It decomposes source text into an ordered clip sequence, fans the clip
// generations out to the provider, and re-drives anything whose submission
// did not stick. The stitch phase is not triggered here; the reconciler owns
// that transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"reelforge/internal/database"
	"reelforge/internal/models"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
)

// ErrInvalidSubmission marks input rejected before any record was created.
var ErrInvalidSubmission = errors.New("invalid submission")

// ErrNothingToRetry means a video retry found no failed clips to re-queue.
var ErrNothingToRetry = errors.New("no failed clips to retry")

const (
	// maxScriptChars bounds submission text; the provider rejects anything
	// near this size anyway, better to fail it here without a round trip.
	maxScriptChars = 4000
	// maxTargetSeconds bounds the requested total video duration.
	maxTargetSeconds = 600
	// maxClipSeconds is the packing bound for body chunks.
	maxClipSeconds = 20
	// wordsPerSecond approximates spoken narration pace.
	wordsPerSecond = 2.5
	// maxConcurrentSubmits bounds the clip fan-out against the provider.
	maxConcurrentSubmits = 4
)

// Metadata keys under which a single-stage job stores its generation
// parameters, so the resubmission pass can rebuild the provider request.
const (
	metaSourceText  = "source_text"
	metaActorID     = "actor_id"
	metaVoiceID     = "voice_id"
	metaAspectRatio = "aspect_ratio"
)

// Segment is one planned clip before it becomes a stored ClipJob.
type Segment struct {
	Type             models.ClipType
	Script           string
	EstimatedSeconds int
}

// PlanSegments splits source text into an ordered clip plan. Three or more
// sentences get the hook/body/cta treatment with long bodies packed into
// bounded chunks; shorter scripts fall back to coarser plans. A positive
// targetSeconds rescales the per-clip estimates to fit it.
func PlanSegments(sourceText string, targetSeconds int) ([]Segment, error) {
	sentences := splitSentences(sourceText)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("%w: source text is empty", ErrInvalidSubmission)
	}

	var segments []Segment
	switch len(sentences) {
	case 1:
		segments = []Segment{{Type: models.ClipTypeBody, Script: sentences[0]}}
	case 2:
		segments = []Segment{
			{Type: models.ClipTypeHook, Script: sentences[0]},
			{Type: models.ClipTypeBody, Script: sentences[1]},
		}
	default:
		segments = append(segments, Segment{Type: models.ClipTypeHook, Script: sentences[0]})
		for _, chunk := range packChunks(sentences[1 : len(sentences)-1]) {
			segments = append(segments, Segment{Type: models.ClipTypeBody, Script: chunk})
		}
		segments = append(segments, Segment{Type: models.ClipTypeCTA, Script: sentences[len(sentences)-1]})
	}

	total := 0
	for i := range segments {
		segments[i].EstimatedSeconds = estimateSeconds(segments[i].Script)
		total += segments[i].EstimatedSeconds
	}
	if targetSeconds > 0 && total > 0 {
		for i := range segments {
			scaled := int(math.Round(float64(segments[i].EstimatedSeconds) * float64(targetSeconds) / float64(total)))
			if scaled < 2 {
				scaled = 2
			}
			segments[i].EstimatedSeconds = scaled
		}
	}
	return segments, nil
}

// Coordinator drives submissions for both job kinds.
type Coordinator struct {
	queue    *queue.Queue
	db       *database.DB
	provider *provider.Client
}

// New builds a coordinator.
func New(q *queue.Queue, db *database.DB, client *provider.Client) *Coordinator {
	return &Coordinator{
		queue:    q,
		db:       db,
		provider: client,
	}
}

// SubmitJob validates and registers a single-stage job, then pushes it to
// the provider. Submission failures never surface to the caller directly;
// they land on the job as retry or terminal state, which the returned
// snapshot already reflects.
func (c *Coordinator) SubmitJob(ctx context.Context, req models.JobSubmitRequest) (*models.Job, error) {
	if err := validateJobRequest(req); err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[metaSourceText] = req.SourceText
	metadata[metaActorID] = req.ActorID
	if req.VoiceID != "" {
		metadata[metaVoiceID] = req.VoiceID
	}
	if req.AspectRatio != "" {
		metadata[metaAspectRatio] = req.AspectRatio
	}

	job, err := c.queue.Create(queue.CreateParams{
		OwnerID:       req.OwnerID,
		CorrelationID: req.CorrelationID,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
		Metadata:      metadata,
	})
	if err != nil {
		return nil, err
	}

	// A deduped submission may hand back a job that is already past pending;
	// only a fresh or reset job goes to the provider here.
	if job.Status == models.StatusPending && job.ProviderHandle == "" {
		c.submitJob(ctx, job)
	}
	return c.queue.Get(job.ID)
}

// submitJob pushes one pending job to the provider and binds the handle.
func (c *Coordinator) submitJob(ctx context.Context, job *models.Job) {
	genReq, err := genRequestFromJob(job)
	if err != nil {
		_ = c.queue.FailTerminal(job.ID, err.Error())
		log.Printf("[ERROR] JobID=%s unsubmittable: %v", job.ID, err)
		return
	}

	handle, err := c.provider.Submit(ctx, genReq)
	if err != nil {
		if provider.IsRetryable(err) {
			_ = c.queue.Fail(job.ID, "submit: "+err.Error())
			log.Printf("[RETRY] JobID=%s submission failed, will retry: %v", job.ID, err)
		} else {
			_ = c.queue.FailTerminal(job.ID, "submit rejected: "+err.Error())
			log.Printf("[DLQ] JobID=%s submission rejected: %v", job.ID, err)
		}
		return
	}

	if err := c.queue.StartProcessing(job.ID, handle); err != nil {
		// Lost a race with a concurrent submission of the same job; the
		// provider-side duplicate will finish unobserved.
		log.Printf("[SUBMIT] JobID=%s Handle=%s bind failed: %v", job.ID, handle, err)
		return
	}
	log.Printf("[SUBMIT] JobID=%s Handle=%s Priority=%s", job.ID, handle, job.Priority)
}

// SubmitVideo plans a composite video, stores it with its clips, and fans
// the clip generations out to the provider.
func (c *Coordinator) SubmitVideo(ctx context.Context, req models.VideoSubmitRequest) (*models.CompositeJob, error) {
	if err := validateVideoRequest(req); err != nil {
		return nil, err
	}
	segments, err := PlanSegments(req.SourceText, req.TargetDurationSeconds)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	comp := &models.CompositeJob{
		ID:                    uuid.NewString(),
		OwnerID:               req.OwnerID,
		Status:                models.CompositePending,
		SourceText:            req.SourceText,
		ActorID:               req.ActorID,
		VoiceID:               req.VoiceID,
		AspectRatio:           req.AspectRatio,
		TargetDurationSeconds: req.TargetDurationSeconds,
		TotalClips:            len(segments),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	clips := make([]models.ClipJob, len(segments))
	for i, seg := range segments {
		clips[i] = models.ClipJob{
			ID:               uuid.NewString(),
			CompositeID:      comp.ID,
			ClipIndex:        i + 1,
			ClipType:         seg.Type,
			Script:           seg.Script,
			EstimatedSeconds: seg.EstimatedSeconds,
			Status:           models.ClipPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	if err := c.db.InsertCompositeJob(comp, clips); err != nil {
		return nil, fmt.Errorf("store composite job: %w", err)
	}
	if _, err := c.db.TransitionCompositeStatus(comp.ID, models.CompositePending, models.CompositeGeneratingClips); err != nil {
		return nil, err
	}
	log.Printf("[VIDEO] CompositeID=%s Owner=%s Clips=%d submitted", comp.ID, comp.OwnerID, len(clips))

	c.fanOutClips(ctx, comp, clips)
	return c.db.GetCompositeJob(comp.ID)
}

// fanOutClips submits clips concurrently. One clip's failure never stops its
// siblings; transient failures leave the clip pending for the resubmission
// pass, rejections mark it failed.
func (c *Coordinator) fanOutClips(ctx context.Context, comp *models.CompositeJob, clips []models.ClipJob) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentSubmits)
	for i := range clips {
		clip := clips[i]
		g.Go(func() error {
			c.submitClip(ctx, comp, &clip)
			return nil
		})
	}
	_ = g.Wait()
}

// submitClip pushes one clip generation to the provider.
func (c *Coordinator) submitClip(ctx context.Context, comp *models.CompositeJob, clip *models.ClipJob) {
	handle, err := c.provider.Submit(ctx, provider.GenerationRequest{
		Script:          clip.Script,
		ActorID:         comp.ActorID,
		VoiceID:         comp.VoiceID,
		AspectRatio:     comp.AspectRatio,
		DurationSeconds: clip.EstimatedSeconds,
	})
	if err != nil {
		if provider.IsRetryable(err) {
			log.Printf("[CLIP] ClipID=%s Index=%d transient submit failure, left pending: %v", clip.ID, clip.ClipIndex, err)
		} else {
			_ = c.db.UpdateClipStatus(clip.ID, models.ClipFailed, "submit rejected: "+err.Error())
			log.Printf("[CLIP] ClipID=%s Index=%d submission rejected: %v", clip.ID, clip.ClipIndex, err)
		}
		return
	}

	if err := c.db.MarkClipSubmitted(clip.ID, handle); err != nil {
		log.Printf("[ERROR] ClipID=%s Handle=%s bind failed: %v", clip.ID, handle, err)
		return
	}
	log.Printf("[CLIP] ClipID=%s Index=%d Handle=%s submitted", clip.ID, clip.ClipIndex, handle)
}

// RetryVideo re-queues the failed clips of a blocked composite. This is the
// sanctioned way out of the clip-failure block: clip failures never cascade
// on their own, somebody has to ask.
func (c *Coordinator) RetryVideo(ctx context.Context, id string) error {
	comp, err := c.db.GetCompositeJob(id)
	if err != nil {
		return err
	}
	if comp.Status != models.CompositeGeneratingClips {
		return fmt.Errorf("%w: video is %s", ErrNothingToRetry, comp.Status)
	}

	clips, err := c.db.GetClips(id)
	if err != nil {
		return err
	}
	reset := 0
	for i := range clips {
		if clips[i].Status != models.ClipFailed {
			continue
		}
		if err := c.db.ResetClip(clips[i].ID); err != nil {
			return err
		}
		reset++
	}
	if reset == 0 {
		return ErrNothingToRetry
	}
	log.Printf("[VIDEO] CompositeID=%s retrying %d failed clips", id, reset)

	fresh, err := c.db.GetClips(id)
	if err != nil {
		return err
	}
	pending := fresh[:0]
	for i := range fresh {
		if fresh[i].Status == models.ClipPending {
			pending = append(pending, fresh[i])
		}
	}
	c.fanOutClips(ctx, comp, pending)
	return nil
}

// RunResubmitLoop re-drives pending work on a fixed cadence: queue jobs put
// back by the retry policy, and clips whose submission never stuck.
func (c *Coordinator) RunResubmitLoop(ctx context.Context, interval time.Duration) {
	log.Printf("[RESUBMIT] Started interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RESUBMIT] Shutting down")
			return
		case <-ticker.C:
			c.resubmitPass(ctx)
		}
	}
}

// resubmitPass submits every pending job without a handle, highest priority
// first, then every pending clip of active composites.
func (c *Coordinator) resubmitPass(ctx context.Context) {
	for _, job := range c.queue.ListPending() {
		if job.ProviderHandle != "" {
			continue
		}
		c.submitJob(ctx, job)
	}

	clips, err := c.db.ListPendingClips()
	if err != nil {
		log.Printf("[RESUBMIT] Failed to list pending clips: %v", err)
		return
	}
	composites := make(map[string]*models.CompositeJob)
	for i := range clips {
		clip := &clips[i]
		comp, ok := composites[clip.CompositeID]
		if !ok {
			comp, err = c.db.GetCompositeJob(clip.CompositeID)
			if err != nil {
				log.Printf("[RESUBMIT] CompositeID=%s load failed: %v", clip.CompositeID, err)
				continue
			}
			composites[clip.CompositeID] = comp
		}
		c.submitClip(ctx, comp, clip)
	}
}

// genRequestFromJob rebuilds the provider request from job metadata.
func genRequestFromJob(job *models.Job) (provider.GenerationRequest, error) {
	script := job.Metadata[metaSourceText]
	actor := job.Metadata[metaActorID]
	if script == "" || actor == "" {
		return provider.GenerationRequest{}, fmt.Errorf("job %s metadata is missing generation parameters", job.ID)
	}
	return provider.GenerationRequest{
		Script:      script,
		ActorID:     actor,
		VoiceID:     job.Metadata[metaVoiceID],
		AspectRatio: job.Metadata[metaAspectRatio],
	}, nil
}

func validateJobRequest(req models.JobSubmitRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(req.SourceText) == "" {
		return fmt.Errorf("%w: source_text is required", ErrInvalidSubmission)
	}
	if len(req.SourceText) > maxScriptChars {
		return fmt.Errorf("%w: source_text exceeds %d characters", ErrInvalidSubmission, maxScriptChars)
	}
	if req.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidSubmission)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSubmission, req.Priority)
	}
	if req.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidSubmission)
	}
	return nil
}

func validateVideoRequest(req models.VideoSubmitRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(req.SourceText) == "" {
		return fmt.Errorf("%w: source_text is required", ErrInvalidSubmission)
	}
	if len(req.SourceText) > maxScriptChars {
		return fmt.Errorf("%w: source_text exceeds %d characters", ErrInvalidSubmission, maxScriptChars)
	}
	if req.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidSubmission)
	}
	if req.TargetDurationSeconds < 0 || req.TargetDurationSeconds > maxTargetSeconds {
		return fmt.Errorf("%w: target_duration_seconds must be between 0 and %d", ErrInvalidSubmission, maxTargetSeconds)
	}
	return nil
}

// splitSentences breaks text on sentence punctuation, keeping the terminator
// with its sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// packChunks greedily joins consecutive sentences into chunks whose narration
// estimate stays under the per-clip bound.
func packChunks(sentences []string) []string {
	var chunks []string
	var current []string
	currentSecs := 0
	for _, s := range sentences {
		secs := estimateSeconds(s)
		if len(current) > 0 && currentSecs+secs > maxClipSeconds {
			chunks = append(chunks, strings.Join(current, " "))
			current = current[:0]
			currentSecs = 0
		}
		current = append(current, s)
		currentSecs += secs
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// estimateSeconds approximates narration time from word count.
func estimateSeconds(script string) int {
	secs := int(math.Round(float64(len(strings.Fields(script))) / wordsPerSecond))
	if secs < 2 {
		secs = 2
	}
	return secs
}
