package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"forge3d/internal/domain"
	"forge3d/internal/jobs"
)

type createJobRequest struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Prompt    string `json:"prompt"`
}

type refineJobRequest struct {
	ChannelID string `json:"channel_id"`
}

type jobResponse struct {
	ID              string           `json:"id"`
	MessageID       string           `json:"message_id"`
	ChannelID       string           `json:"channel_id"`
	Status          domain.JobStatus `json:"status"`
	Prompt          string           `json:"prompt"`
	ModelURL        *string          `json:"model_url"`
	PreviewModelURL *string          `json:"preview_model_url,omitempty"`
	Progress        int              `json:"progress"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func toJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:        job.ID,
		MessageID: job.MessageID,
		ChannelID: job.ChannelID,
		Status:    job.Status,
		Prompt:    job.Prompt,
		Progress:  job.Progress,
		Error:     job.ErrorMessage,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.ModelURL != "" {
		url := job.ModelURL
		resp.ModelURL = &url
	}
	if job.PreviewModelURL != "" {
		url := job.PreviewModelURL
		resp.PreviewModelURL = &url
	}
	return resp
}

// CreateJob handles POST /v1/jobs.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", localize(r, msgUnauthorized))
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", localize(r, msgInvalidPayload))
		return
	}
	job, err := a.Jobs.CreateJob(r.Context(), jobs.CreateRequest{
		UserID:    userID,
		MessageID: req.MessageID,
		ChannelID: req.ChannelID,
		Prompt:    req.Prompt,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// RefineJob handles POST /v1/jobs/{message_id}/refine. The body may name the
// channel the command was issued from.
func (a *App) RefineJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", localize(r, msgUnauthorized))
		return
	}
	var req refineJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", localize(r, msgInvalidPayload))
			return
		}
	}
	job, err := a.Jobs.RefineJob(r.Context(), userID, chi.URLParam(r, "message_id"), req.ChannelID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// RevertJob handles POST /v1/jobs/{message_id}/revert.
func (a *App) RevertJob(w http.ResponseWriter, r *http.Request) {
	if !a.authorizeOwner(w, r) {
		return
	}
	job, err := a.Jobs.RevertJob(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

// ResumeJob handles POST /v1/jobs/{message_id}/resume.
func (a *App) ResumeJob(w http.ResponseWriter, r *http.Request) {
	if !a.authorizeOwner(w, r) {
		return
	}
	job, err := a.Jobs.ResumeJob(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// GetJob handles GET /v1/jobs/{message_id}.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", localize(r, msgUnauthorized))
		return
	}
	job, err := a.Jobs.GetJob(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.UserID != userID {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

// authorizeOwner rejects callers that do not own the job in the URL.
func (a *App) authorizeOwner(w http.ResponseWriter, r *http.Request) bool {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", localize(r, msgUnauthorized))
		return false
	}
	job, err := a.Jobs.GetJob(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		a.fail(w, r, err)
		return false
	}
	if job.UserID != userID {
		a.fail(w, r, domain.ErrUnauthorized)
		return false
	}
	return true
}
