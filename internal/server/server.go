// Package server exposes the job lifecycle over HTTP: upload a source,
// poll status, download the artifact, and run operator recovery. All
// processing happens in the workers; the API only writes the job row and
// the source object, then gets out of the way.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/okonek/go-media-pipeline/internal/blob"
	"github.com/okonek/go-media-pipeline/internal/docstore"
	"github.com/okonek/go-media-pipeline/internal/model"
	"github.com/okonek/go-media-pipeline/internal/segkey"
	"github.com/okonek/go-media-pipeline/internal/worker"
)

// maxUploadBytes caps a single source upload.
const maxUploadBytes = 8 << 30

// Server holds the API's dependencies.
type Server struct {
	jobs        docstore.JobStore
	completions docstore.CompletionStore
	store       blob.Store
	recovery    *worker.Recovery
	defaultMode string
	logger      *slog.Logger
}

// New builds the API server.
func New(jobs docstore.JobStore, completions docstore.CompletionStore, store blob.Store, recovery *worker.Recovery, defaultMode string, logger *slog.Logger) *Server {
	return &Server{
		jobs:        jobs,
		completions: completions,
		store:       store,
		recovery:    recovery,
		defaultMode: defaultMode,
		logger:      logger,
	}
}

// Router wires the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/artifact", s.handleGetArtifact).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/recover", s.handleRecoverJob).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// jobResponse is the job row plus the live completion count.
type jobResponse struct {
	model.Job
	SegmentsDone int `json:"segments_done"`
}

// handleCreateJob accepts a multipart upload, writes the job row, and
// stores the source object. The object-created notification takes it from
// there. The job sits in ingesting while the upload streams so a crashed
// upload is distinguishable from one ready to chunk.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("multipart field %q required: %v", "file", err))
		return
	}
	defer file.Close()

	mode := r.FormValue("mode")
	if mode == "" {
		mode = s.defaultMode
	}

	jobID := uuid.NewString()
	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." {
		filename = "source"
	}
	sourceKey := segkey.SourceKey(jobID, filename)

	job := &model.Job{
		ID:        jobID,
		Mode:      mode,
		Status:    model.StatusCreated,
		SourceKey: sourceKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = s.jobs.TransitionJob(ctx, jobID, model.ActorAPI,
		model.StatusCreated, model.StatusIngesting,
		map[string]string{docstore.FieldSourceKey: sourceKey})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if err := s.store.Put(ctx, sourceKey, file, header.Size, contentType); err != nil {
		s.logger.Error("source upload failed", "job_id", jobID, "error", err)
		s.failIngest(r, jobID, err)
		writeError(w, http.StatusInternalServerError, "storing source failed")
		return
	}

	// Source is durable; hand the job back to the chunker's claim.
	err = s.jobs.TransitionJob(ctx, jobID, model.ActorAPI,
		model.StatusIngesting, model.StatusCreated, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("job accepted", "job_id", jobID, "mode", mode, "source", sourceKey, "bytes", header.Size)

	job.Status = model.StatusCreated
	writeJSON(w, s.logger, http.StatusAccepted, jobResponse{Job: *job})
}

func (s *Server) failIngest(r *http.Request, jobID string, cause error) {
	err := s.jobs.TransitionJob(r.Context(), jobID, model.ActorAPI,
		model.StatusIngesting, model.StatusFailed,
		map[string]string{docstore.FieldError: cause.Error()})
	if err != nil {
		s.logger.Error("mark ingest failure", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	done, err := s.completions.CountCompletions(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, s.logger, http.StatusOK, jobResponse{Job: *job, SegmentsDone: done})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.Status != model.StatusCompleted || job.ArtifactKey == "" {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, artifact not available", job.Status))
		return
	}

	rc, err := s.store.Get(ctx, job.ArtifactKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact object missing")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(job.ArtifactKey)))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact download aborted", "job_id", id, "error", err)
	}
}

// handleDeleteJob soft-deletes a terminal job and removes its objects.
// Deleting a job that is still moving is refused; the pipeline owns it.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = s.jobs.TransitionJob(ctx, id, model.ActorAPI, job.Status, model.StatusDeleted, nil)
	if err != nil {
		if errors.Is(err, docstore.ErrIllegalTransition) || errors.Is(err, docstore.ErrConditionFailed) {
			writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only finished jobs can be deleted", job.Status))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.removeObjects(r, job)
	w.WriteHeader(http.StatusNoContent)
}

// removeObjects is best-effort cleanup; a leftover object is storage cost,
// not a correctness problem.
func (s *Server) removeObjects(r *http.Request, job *model.Job) {
	ctx := r.Context()
	prefixes := []string{
		segkey.SegmentDir(job.ID),
		segkey.ResultPrefix + job.ID + "/",
		segkey.SourcePrefix + job.ID + "/",
	}
	for _, prefix := range prefixes {
		infos, err := s.store.List(ctx, prefix)
		if err != nil {
			s.logger.Warn("list objects for cleanup", "job_id", job.ID, "prefix", prefix, "error", err)
			continue
		}
		for _, info := range infos {
			if err := s.store.Remove(ctx, info.Key); err != nil {
				s.logger.Warn("remove object", "job_id", job.ID, "key", info.Key, "error", err)
			}
		}
	}
	if job.ArtifactKey != "" {
		if err := s.store.Remove(ctx, job.ArtifactKey); err != nil {
			s.logger.Warn("remove artifact", "job_id", job.ID, "error", err)
		}
	}
}

// handleRecoverJob runs the stuck-chunking sweep for one job on operator
// request.
func (s *Server) handleRecoverJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	total, err := s.recovery.RecoverChunking(r.Context(), id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"job_id":         id,
		"status":         model.StatusChunkingComplete,
		"total_segments": total,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
