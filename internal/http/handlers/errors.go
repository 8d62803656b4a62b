package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"forge3d/internal/domain"
	"forge3d/internal/jobs"
	"forge3d/internal/middleware"
)

// Message keys double as the English text.
const (
	msgInvalidPayload = "The request body is not valid JSON."
	msgInvalidPrompt  = "Describe the model in 1 to 600 characters."
	msgInvalidJob     = "User, message and channel are required."
	msgNotFound       = "No generation job exists for this message."
	msgForbidden      = "Only the author of the request can change this job."
	msgWrongChannel   = "This job belongs to another channel."
	msgRateLimited    = "You can start a new model in %d seconds."
	msgJobLocked      = "You already have a model being generated. Wait for it to finish."
	msgConflict       = "This job is busy with another operation. Try again shortly."
	msgNotRefinable   = "Only a finished preview model can be refined."
	msgNotRevertible  = "There is no previous model to go back to."
	msgNotResumable   = "This job cannot be resumed."
	msgUnauthorized   = "Sign in to continue."
	msgInternal       = "Something went wrong. Please try again."
)

var messages = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	id := map[string]string{
		msgInvalidPayload: "Isi permintaan bukan JSON yang valid.",
		msgInvalidPrompt:  "Jelaskan model dalam 1 sampai 600 karakter.",
		msgInvalidJob:     "Pengguna, pesan, dan kanal wajib diisi.",
		msgNotFound:       "Tidak ada pekerjaan pembuatan untuk pesan ini.",
		msgForbidden:      "Hanya pembuat permintaan yang dapat mengubah pekerjaan ini.",
		msgWrongChannel:   "Pekerjaan ini milik kanal lain.",
		msgRateLimited:    "Anda dapat membuat model baru dalam %d detik.",
		msgJobLocked:      "Model Anda masih dibuat. Tunggu hingga selesai.",
		msgConflict:       "Pekerjaan ini sedang diproses. Coba lagi sebentar lagi.",
		msgNotRefinable:   "Hanya model pratinjau yang sudah selesai yang dapat disempurnakan.",
		msgNotRevertible:  "Tidak ada model sebelumnya untuk dikembalikan.",
		msgNotResumable:   "Pekerjaan ini tidak dapat dilanjutkan.",
		msgUnauthorized:   "Masuk untuk melanjutkan.",
		msgInternal:       "Terjadi kesalahan. Silakan coba lagi.",
	}
	for key, text := range id {
		_ = b.SetString(language.Indonesian, key, text)
	}
	return b
}()

func localize(r *http.Request, key string, args ...any) string {
	tag := language.English
	if middleware.LocaleFromContext(r.Context()) == "id" {
		tag = language.Indonesian
	}
	return message.NewPrinter(tag, message.Catalog(messages)).Sprintf(key, args...)
}

// fail maps a service error onto the JSON error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rl *jobs.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RemainingSeconds))
		a.error(w, http.StatusTooManyRequests, "rate_limited", localize(r, msgRateLimited, rl.RemainingSeconds))
	case errors.Is(err, jobs.ErrJobLocked):
		a.error(w, http.StatusConflict, "job_locked", localize(r, msgJobLocked))
	case errors.Is(err, jobs.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", localize(r, msgConflict))
	case errors.Is(err, jobs.ErrNotRefinable):
		a.error(w, http.StatusConflict, "not_refinable", localize(r, msgNotRefinable))
	case errors.Is(err, jobs.ErrNotRevertible):
		a.error(w, http.StatusConflict, "not_revertible", localize(r, msgNotRevertible))
	case errors.Is(err, jobs.ErrNotResumable):
		a.error(w, http.StatusConflict, "not_resumable", localize(r, msgNotResumable))
	case errors.Is(err, jobs.ErrWrongChannel):
		a.error(w, http.StatusForbidden, "wrong_channel", localize(r, msgWrongChannel))
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusForbidden, "forbidden", localize(r, msgForbidden))
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", localize(r, msgNotFound))
	case errors.Is(err, domain.ErrInvalidPrompt):
		a.error(w, http.StatusBadRequest, "invalid_prompt", localize(r, msgInvalidPrompt))
	case errors.Is(err, domain.ErrInvalidJob):
		a.error(w, http.StatusBadRequest, "bad_request", localize(r, msgInvalidJob))
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", localize(r, msgInternal))
	}
}
