package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"remaster/internal/models"
	"remaster/internal/service"
	"remaster/internal/telemetry"
)

// Server wires HTTP handlers for the enhancement front end.
type Server struct {
	svc       *service.Service
	uploadDir string
	maxUpload int64
	limiter   Limiter
	logger    zerolog.Logger
	now       func() time.Time
}

// Options configures the upload side of the server.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	// Limiter is optional; nil disables submission rate limiting.
	Limiter Limiter
}

// New constructs the API server.
func New(svc *service.Service, opts Options, logger zerolog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	return &Server{
		svc:       svc,
		uploadDir: opts.UploadDir,
		maxUpload: opts.MaxUploadBytes,
		limiter:   opts.Limiter,
		logger:    logger.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/models", s.handleModels)
	r.Route("/jobs", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/download", s.handleDownload)
	})
	return r
}

type jobResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_form", "expected multipart/form-data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("%w: no file part in request", models.ErrEmptyArtifact))
		return
	}
	defer file.Close()

	name := cleanFilename(header.Filename)
	if name == "" || header.Size == 0 {
		s.writeServiceError(w, fmt.Errorf("%w: no file selected", models.ErrEmptyArtifact))
		return
	}
	if _, ok := models.KindForPath(name); !ok {
		s.writeServiceError(w, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, filepath.Ext(name)))
		return
	}

	saved, err := s.saveUpload(file, name)
	if err != nil {
		s.logger.Error().Err(err).Str("filename", name).Msg("store upload")
		writeError(w, http.StatusInternalServerError, "internal", "could not store upload")
		return
	}

	// scale_factor is validated by the service after the model, so a bad
	// value is reported in the same order as every other rejection.
	req := service.Request{
		Input:    saved,
		Filename: name,
		ModelID:  strings.TrimSpace(r.FormValue("model")),
		Scale:    service.DefaultScale,
	}
	if _, sent := r.MultipartForm.Value["scale_factor"]; sent {
		req.ScaleText = r.FormValue("scale_factor")
		if strings.TrimSpace(req.ScaleText) == "" {
			req.Scale = 0
		}
	}
	job, err := s.svc.Submit(req)
	if err != nil {
		_ = os.Remove(saved)
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

// saveUpload stores the upload under a timestamped name so repeated uploads
// of the same file never collide.
func (s *Server) saveUpload(src io.Reader, name string) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", err
	}
	prefix := s.now().UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	path := filepath.Join(s.uploadDir, prefix+"_"+name)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.svc.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Result(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := os.Stat(job.Output); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("completed output is gone")
		writeError(w, http.StatusNotFound, "not_found", "output file no longer exists")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.Output)))
	http.ServeFile(w, r, job.Output)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.svc.Models()})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported_format"
	case errors.Is(err, models.ErrEmptyArtifact):
		return http.StatusBadRequest, "empty_artifact"
	case errors.Is(err, models.ErrUnknownModel):
		return http.StatusBadRequest, "unknown_model"
	case errors.Is(err, models.ErrInvalidParameter):
		return http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, models.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// cleanFilename keeps the base name and drops characters that are awkward on
// disk or in headers.
func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '"' || r == '/' || r == 0:
			return -1
		case r < 0x20 || r == ' ':
			return '_'
		}
		return r
	}, name)
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return "tenant:" + v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Code: errCode, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
