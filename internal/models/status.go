package models

import "fmt"

// Legal single-stage transitions. failed -> pending is the retry path and is
// additionally gated by the retry budget in the queue; the table only encodes
// shape, not budget.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCompleted:  true, // webhook may land before the first poll
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusFailed: {
		StatusPending: true, // retry, budget permitting
	},
	StatusCompleted: {},
}

// CanTransitionJob reports whether a single-stage status change is legal.
func CanTransitionJob(from, to JobStatus) bool {
	next, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

var compositeTransitions = map[CompositeStatus]map[CompositeStatus]bool{
	CompositePending: {
		CompositeGeneratingClips: true,
		CompositeFailed:          true,
	},
	CompositeGeneratingClips: {
		CompositeStitching: true,
		CompositeFailed:    true,
	},
	CompositeStitching: {
		CompositeCompleted: true,
		CompositeFailed:    true,
	},
	CompositeCompleted: {},
	CompositeFailed:    {},
}

// CanTransitionComposite reports whether a composite status change is legal.
func CanTransitionComposite(from, to CompositeStatus) bool {
	next, ok := compositeTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

var clipTransitions = map[ClipStatus]map[ClipStatus]bool{
	ClipPending: {
		ClipGeneratingAudio: true,
		ClipGeneratingVideo: true, // providers without a distinct audio phase
		ClipCompleted:       true,
		ClipFailed:          true,
	},
	ClipGeneratingAudio: {
		ClipGeneratingVideo: true,
		ClipCompleted:       true,
		ClipFailed:          true,
	},
	ClipGeneratingVideo: {
		ClipGeneratingVideo: true,
		ClipCompleted:       true,
		ClipFailed:          true,
	},
	ClipFailed: {
		ClipPending: true, // operator-driven clip retry
	},
	ClipCompleted: {},
}

// CanTransitionClip reports whether a clip status change is legal.
func CanTransitionClip(from, to ClipStatus) bool {
	next, ok := clipTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionClip applies a legal clip status change or reports why it cannot.
func TransitionClip(clip *ClipJob, to ClipStatus) error {
	if !CanTransitionClip(clip.Status, to) {
		return fmt.Errorf("invalid clip status transition: %q -> %q (clip_id=%s index=%d)", clip.Status, to, clip.ID, clip.ClipIndex)
	}
	clip.Status = to
	return nil
}
