package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/chat"
	"github.com/Brownie44l1/cxr-api/internal/logger"
)

// formOverhead is the allowance on top of the image limit for the other
// multipart fields and boundaries.
const formOverhead = 1 << 20

type Chatter interface {
	Handle(ctx context.Context, req chat.Request) (*chat.Response, error)
}

type ModelStatus interface {
	Ready() bool
}

type Handler struct {
	chat           Chatter
	model          ModelStatus
	device         string
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(chatter Chatter, model ModelStatus, device string, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = chat.DefaultMaxUploadBytes
	}
	return &Handler{
		chat:           chatter,
		model:          model,
		device:         device,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Routes registers the API. GET patterns also answer HEAD.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/chat", h.Chat)
	return mux
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ModelLoaded: h.model != nil && h.model.Ready(),
		Device:      h.device,
	})
}

// Chat accepts multipart/form-data with a "message" field and an optional
// "image" file, or a urlencoded form carrying only "message".
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+formOverhead)

	if err := parseForm(r, h.maxUploadBytes); err != nil {
		h.writeError(w, r, err)
		return
	}

	req := chat.Request{Message: r.FormValue("message")}

	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("image")
		switch {
		case err == nil:
			defer file.Close()
			req.Image = &chat.Upload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Body:        file,
			}
		case errors.Is(err, http.ErrMissingFile):
			// text only
		default:
			h.writeError(w, r, apperr.Wrap(apperr.UploadReadFailed, "Failed to read image file", err))
			return
		}
	}

	resp, err := h.chat.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseForm(r *http.Request, maxMemory int64) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var err error
	if ct == "multipart/form-data" {
		err = r.ParseMultipartForm(maxMemory)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apperr.Wrap(apperr.UploadTooLarge, "Uploaded image is too large", err)
	}
	return apperr.Wrap(apperr.UploadReadFailed, "Failed to read request form", err)
}

// writeError is the only place request errors become responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := apperr.Public(err)

	log := logger.FromContext(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", code, "error", err)
	} else {
		log.Warn("request rejected", "code", code, "error", err)
	}

	writeJSON(w, status, map[string]string{"detail": msg, "code": string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
