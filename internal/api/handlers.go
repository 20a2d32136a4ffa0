// Package api exposes the HTTP surface: submission and status endpoints for
// callers, the signed webhook for the provider, and the WebSocket upgrade
// into the progress broadcaster.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	ws "github.com/gorilla/websocket"

	"reelforge/internal/database"
	"reelforge/internal/models"
	"reelforge/internal/pipeline"
	"reelforge/internal/progress"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
	"reelforge/internal/ratelimit"
	"reelforge/internal/reconcile"
	"reelforge/internal/signature"
)

// maxWebhookBody bounds how much of a webhook request we are willing to read.
const maxWebhookBody = 1 << 20

// Server holds all HTTP handlers and their dependencies.
type Server struct {
	queue         *queue.Queue
	db            *database.DB
	coordinator   *pipeline.Coordinator
	reconciler    *reconcile.Reconciler
	progress      *progress.Manager
	rateLimiter   *ratelimit.Limiter
	webhookSecret []byte
	upgrader      ws.Upgrader
}

// NewServer creates the API server.
func NewServer(q *queue.Queue, db *database.DB, coord *pipeline.Coordinator, rec *reconcile.Reconciler, prog *progress.Manager, webhookSecret string) *Server {
	return &Server{
		queue:         q,
		db:            db,
		coordinator:   coord,
		reconciler:    rec,
		progress:      prog,
		rateLimiter:   ratelimit.New(10), // 10 submissions per owner per minute
		webhookSecret: []byte(webhookSecret),
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SubmitJob handles single-stage job submission.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(req.OwnerID) {
		log.Printf("[RATE_LIMIT] OwnerID=%s exceeded submission rate", req.OwnerID)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	job, err := s.coordinator.SubmitJob(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSubmission) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("[ERROR] Failed to submit job: %v", err)
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

// ListJobs returns queue jobs, optionally filtered by status and owner.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	ownerID := r.URL.Query().Get("owner_id")

	jobs := s.queue.List(status, ownerID, 100)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// GetStatus returns the progress snapshot for a job or composite job id.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	snap, err := s.progress.Snapshot(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		log.Printf("[ERROR] Failed to build snapshot for %s: %v", id, err)
		http.Error(w, "Failed to fetch status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// CancelJob cancels a queue job. Cancelling an already-terminal job is a
// no-op success.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	if err := s.queue.Cancel(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		log.Printf("[ERROR] Failed to cancel job %s: %v", id, err)
		http.Error(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	log.Printf("[CANCEL] JobID=%s", id)

	job, err := s.queue.Get(id)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// RetryJob re-queues a job whose retry budget is spent.
func (s *Server) RetryJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	if err := s.queue.Retry(id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			http.Error(w, "Job not found", http.StatusNotFound)
		case errors.Is(err, queue.ErrNotTerminalFailure):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("[ERROR] Failed to retry job %s: %v", id, err)
			http.Error(w, "Failed to retry job", http.StatusInternalServerError)
		}
		return
	}
	log.Printf("[RETRY] JobID=%s manual re-queue", id)

	job, err := s.queue.Get(id)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// SubmitVideo handles composite multi-clip submission.
func (s *Server) SubmitVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.VideoSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(req.OwnerID) {
		log.Printf("[RATE_LIMIT] OwnerID=%s exceeded submission rate", req.OwnerID)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	comp, err := s.coordinator.SubmitVideo(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSubmission) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("[ERROR] Failed to submit video: %v", err)
		http.Error(w, "Failed to create video job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(comp)
}

// ListVideos returns composite jobs, optionally filtered by status and owner.
func (s *Server) ListVideos(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	ownerID := r.URL.Query().Get("owner_id")

	videos, err := s.db.ListCompositeJobs(status, ownerID, 100)
	if err != nil {
		log.Printf("[ERROR] Failed to query videos: %v", err)
		http.Error(w, "Failed to fetch videos", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(videos)
}

// RetryVideo resets the failed clips of a blocked composite and resubmits them.
func (s *Server) RetryVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "video id is required", http.StatusBadRequest)
		return
	}

	if err := s.coordinator.RetryVideo(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			http.Error(w, "Video not found", http.StatusNotFound)
		case errors.Is(err, pipeline.ErrNothingToRetry):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("[ERROR] Failed to retry video %s: %v", id, err)
			http.Error(w, "Failed to retry video", http.StatusInternalServerError)
		}
		return
	}

	comp, err := s.db.GetCompositeJob(id)
	if err != nil {
		http.Error(w, "Video not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(comp)
}

// ProviderWebhook ingests signed status notifications from the provider.
// Signature failures are rejected before any state is touched; notifications
// for unknown or already-terminal work are acknowledged and dropped inside
// the reconciler.
func (s *Server) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !signature.Verify(s.webhookSecret, body, r.Header.Get(signature.Header)) {
		log.Printf("[WEBHOOK] Rejected delivery with bad signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var payload provider.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if err := s.reconciler.ApplyWebhook(r.Context(), payload); err != nil {
		log.Printf("[ERROR] Webhook apply failed Handle=%s: %v", payload.RequestID, err)
		http.Error(w, "Failed to apply notification", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleProgressSocket upgrades the connection and streams progress
// snapshots until the job finishes or the subscriber goes away.
func (s *Server) HandleProgressSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.progress.Snapshot(id); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}
	s.progress.Subscribe(conn, id)
}

// GetMetrics returns queue counters.
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := s.queue.Metrics()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics)
}

// SetupRoutes registers all HTTP routes on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.SubmitJob(w, r)
		} else if r.Method == http.MethodGet {
			s.ListJobs(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/jobs/status", s.GetStatus)
	mux.HandleFunc("/api/jobs/cancel", s.CancelJob)
	mux.HandleFunc("/api/jobs/retry", s.RetryJob)

	mux.HandleFunc("/api/videos", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.SubmitVideo(w, r)
		} else if r.Method == http.MethodGet {
			s.ListVideos(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/videos/status", s.GetStatus)
	mux.HandleFunc("/api/videos/retry", s.RetryVideo)

	mux.HandleFunc("/webhooks/provider", s.ProviderWebhook)
	mux.HandleFunc("/ws/progress", s.HandleProgressSocket)
	mux.HandleFunc("/api/metrics", s.GetMetrics)
}
