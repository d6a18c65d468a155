package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
	"github.com/JakeFAU/scholar-crawler/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 1 << 20
)

// createTaskRequest is decoded onto the service defaults, so omitted fields
// keep their configured values.
type createTaskRequest struct {
	Name string `json:"name"`
	crawler.CrawlConfig
}

type taskDTO struct {
	crawler.TaskStatus
	Config crawler.CrawlConfig `json:"config"`
}

func toTaskDTO(rec store.TaskRecord) taskDTO {
	return taskDTO{TaskStatus: rec.TaskStatus(), Config: rec.Config}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	req := createTaskRequest{CrawlConfig: s.defaults.Clone()}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.tasks.Create(r.Context(), req.Name, req.CrawlConfig)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+status.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"task": status})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	records, err := s.tasks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]taskDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, toTaskDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.tasks.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": toTaskDTO(rec)})
}

// lifecycle adapts a start/pause/resume/stop operation to a handler.
func (s *Server) lifecycle(
	op func(ctx context.Context, id string) (crawler.TaskStatus, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := op(r.Context(), chi.URLParam(r, "task_id"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": status})
	}
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch crawler.ConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.tasks.UpdateConfig(r.Context(), chi.URLParam(r, "task_id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tasks.Status(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.tasks.Results(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]resultDTO, 0, len(results))
	for _, res := range results {
		out = append(out, toResultDTO(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.tasks.Events(r.Context(), chi.URLParam(r, "task_id"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) getScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.tasks.Scores(chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

type resultDTO struct {
	URL           string           `json:"url"`
	Depth         int              `json:"depth"`
	StatusCode    int              `json:"status_code"`
	Success       bool             `json:"success"`
	Escalated     bool             `json:"escalated"`
	ElapsedMs     int64            `json:"elapsed_ms"`
	Metadata      crawler.Metadata `json:"metadata"`
	ResourceLinks []string         `json:"resource_links,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	ContentHash   string           `json:"content_hash,omitempty"`
	SnapshotURI   string           `json:"snapshot_uri,omitempty"`
	Error         string           `json:"error,omitempty"`
	FetchedAt     time.Time        `json:"fetched_at"`
}

func toResultDTO(res crawler.PageResult) resultDTO {
	return resultDTO{
		URL:           res.URL,
		Depth:         res.Depth,
		StatusCode:    res.StatusCode,
		Success:       res.Success,
		Escalated:     res.Escalated,
		ElapsedMs:     res.Elapsed.Milliseconds(),
		Metadata:      res.Metadata,
		ResourceLinks: res.ResourceLinks,
		Tags:          res.Tags,
		ContentHash:   res.ContentHash,
		SnapshotURI:   res.SnapshotURI,
		Error:         res.Error,
		FetchedAt:     res.FetchedAt,
	}
}
