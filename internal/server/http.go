package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Control   domain.ControlState      `json:"control"`
	Playback  *domain.PlaybackState    `json:"playback,omitempty"`
	Recording *domain.RecordingSummary `json:"recording,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() StateResponse {
	resp := StateResponse{Control: s.deps.Coordinator.State()}
	if s.deps.Player != nil {
		if st, ok := s.deps.Player.State(); ok {
			resp.Playback = &st
		}
	}
	if s.deps.Recorder != nil {
		if rec := s.deps.Recorder.Current(); rec != nil {
			sum := rec.Summary()
			resp.Recording = &sum
		}
	}
	return resp
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, s.deps.Coordinator.History(limit))
}

func (s *Server) handleListRecordings(w http.ResponseWriter, _ *http.Request) {
	list, err := s.deps.Recorder.ListRecordings()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Recorder.GetRecording(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Recorder.DeleteRecording(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleExportRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	rec, err := s.deps.Recorder.GetRecording(id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	f, ok := s.deps.Formats.Get(format)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown export format %q", format))
		return
	}
	out, err := f.Render(rec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	contentType := "text/javascript; charset=utf-8"
	if f.ID() == "json" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s%s"`, id, f.Extension()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func statusFor(err error) int {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
