package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BuildFunc runs one build job to completion, reporting progress via
// the supplied callback. Returning an error marks the job failed.
type BuildFunc func(ctx context.Context, job *BuildJob, progress func(tilesCompleted int, stage string)) error

// StatusUpdate is one SSE payload pushed to stream subscribers.
type StatusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"tiles_completed"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Server exposes build job submission and status over HTTP, backed
// optionally by a Store for durability; with no store, jobs live only
// in the in-memory map for the process lifetime.
type Server struct {
	store   *Store
	build   BuildFunc
	queue   chan *BuildJob
	active  map[string]*BuildJob
	mu      sync.RWMutex
	subs    map[string][]chan StatusUpdate
	subsMu  sync.RWMutex
}

// NewServer constructs a Server. store may be nil to run without
// persistence.
func NewServer(store *Store, build BuildFunc) *Server {
	return &Server{
		store:  store,
		build:  build,
		queue:  make(chan *BuildJob, 100),
		active: make(map[string]*BuildJob),
		subs:   make(map[string][]chan StatusUpdate),
	}
}

// ListenAndServe starts the background job processor and the HTTP
// server on addr (e.g. ":8090").
func (s *Server) ListenAndServe(addr string) error {
	go s.processQueue()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/builds", s.handleSubmitOrList)
	mux.HandleFunc("/api/builds/", s.handleStatusOrStream)
	mux.HandleFunc("/health", s.handleHealth)

	slog.Info("jobqueue server starting", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

type submitRequest struct {
	TileSet string `json:"tile_set"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *Server) handleSubmitOrList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.TileSet == "" {
		http.Error(w, "tile_set is required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	job := &BuildJob{
		ID:        uuid.New().String(),
		TileSet:   req.TileSet,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.store != nil {
		if err := s.store.CreateJob(r.Context(), job); err != nil {
			slog.Error("jobqueue: failed to persist job", "error", err)
			http.Error(w, "failed to create job", http.StatusInternalServerError)
			return
		}
	}

	s.mu.Lock()
	s.active[job.ID] = job
	s.mu.Unlock()

	select {
	case s.queue <- job:
		slog.Info("jobqueue: job queued", "job_id", job.ID, "tile_set", job.TileSet)
	default:
		http.Error(w, "job queue is full", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(submitResponse{JobID: job.ID, Message: "job queued"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*BuildJob, 0, len(s.active))
	for _, j := range s.active {
		jobs = append(jobs, j)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

func (s *Server) handleStatusOrStream(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/builds/")
	if strings.HasSuffix(path, "/stream") {
		s.handleStream(w, r, strings.TrimSuffix(path, "/stream"))
		return
	}
	s.handleStatus(w, r, path)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if jobID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	job, ok := s.active[jobID]
	s.mu.RUnlock()

	if !ok && s.store != nil {
		var err error
		job, err = s.store.GetJobByID(r.Context(), jobID)
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, jobID string) {
	if jobID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	_, ok := s.active[jobID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan StatusUpdate, 10)
	s.subsMu.Lock()
	s.subs[jobID] = append(s.subs[jobID], updates)
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		peers := s.subs[jobID]
		for i, ch := range peers {
			if ch == updates {
				s.subs[jobID] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		close(updates)
		s.subsMu.Unlock()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for {
		select {
		case update := <-updates:
			data, err := json.Marshal(update)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if update.Status == StatusCompleted || update.Status == StatusFailed {
				return
			}
		case <-r.Context().Done():
			return
		case <-time.After(30 * time.Second):
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

func (s *Server) processQueue() {
	for job := range s.queue {
		s.processJob(job)
	}
}

func (s *Server) processJob(job *BuildJob) {
	ctx := context.Background()
	slog.Info("jobqueue: processing job", "job_id", job.ID, "tile_set", job.TileSet)

	job.Status = StatusProcessing
	s.notify(job.ID, StatusProcessing, "", job.TilesCompleted, "")
	if s.store != nil {
		if err := s.store.UpdateStatus(ctx, job.ID, StatusProcessing); err != nil {
			slog.Error("jobqueue: failed to update status", "error", err)
		}
	}

	progress := func(tilesCompleted int, stage string) {
		s.mu.Lock()
		job.TilesCompleted = tilesCompleted
		stagePtr := stage
		job.CurrentStage = &stagePtr
		s.mu.Unlock()
		s.notify(job.ID, StatusProcessing, stage, tilesCompleted, "")
		if s.store != nil {
			if err := s.store.UpdateProgress(ctx, job.ID, tilesCompleted, stage); err != nil {
				slog.Error("jobqueue: failed to update progress", "error", err)
			}
		}
	}

	err := s.build(ctx, job, progress)

	s.mu.Lock()
	if err != nil {
		job.Status = StatusFailed
		msg := err.Error()
		job.ErrorMessage = &msg
	} else {
		job.Status = StatusCompleted
	}
	job.UpdatedAt = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.notify(job.ID, StatusFailed, "", job.TilesCompleted, err.Error())
		if s.store != nil {
			if serr := s.store.Fail(ctx, job.ID, err.Error()); serr != nil {
				slog.Error("jobqueue: failed to persist failure", "error", serr)
			}
		}
		slog.Error("jobqueue: job failed", "job_id", job.ID, "error", err)
		return
	}

	s.notify(job.ID, StatusCompleted, "", job.TilesCompleted, "")
	if s.store != nil {
		if serr := s.store.Complete(ctx, job.ID, job.TilesCompleted); serr != nil {
			slog.Error("jobqueue: failed to persist completion", "error", serr)
		}
	}
	slog.Info("jobqueue: job completed", "job_id", job.ID)
}

func (s *Server) notify(jobID, status, stage string, progress int, errMsg string) {
	update := StatusUpdate{JobID: jobID, Status: status, Stage: stage, Progress: progress, Error: errMsg, UpdatedAt: time.Now()}
	s.subsMu.RLock()
	peers := s.subs[jobID]
	s.subsMu.RUnlock()
	for _, ch := range peers {
		select {
		case ch <- update:
		default:
		}
	}
}
