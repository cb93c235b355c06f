package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/salute-stt/internal/observability"
	"github.com/lexiqai/salute-stt/internal/stt"
)

const (
	defaultEncoding   = stt.EncodingMP3
	multipartMemLimit = 32 << 20
	correlationHeader = "X-Correlation-ID"
)

// errorResponse is the JSON body of a failed transcription request
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// TranscriptionHandler serves POST /v1/transcriptions
type TranscriptionHandler struct {
	transcriber    stt.Transcriber
	maxUploadBytes int64
	tempDir        string
}

// NewTranscriptionHandler creates a handler. maxUploadBytes <= 0 disables the
// body cap; an empty tempDir spools uploads to the system temp directory.
func NewTranscriptionHandler(transcriber stt.Transcriber, maxUploadBytes int64, tempDir string) *TranscriptionHandler {
	return &TranscriptionHandler{
		transcriber:    transcriber,
		maxUploadBytes: maxUploadBytes,
		tempDir:        tempDir,
	}
}

func (h *TranscriptionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(correlationID)
	w.Header().Set(correlationHeader, correlationID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	encoding := defaultEncoding
	if raw := r.URL.Query().Get("encoding"); raw != "" {
		enc, err := stt.ParseEncoding(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), stt.ErrInvalidAudio)
			return
		}
		encoding = enc
	}

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	path, size, err := h.spool(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio exceeds upload limit", nil)
			return
		}
		logger.Warn().Err(err).Msg("Failed to read audio from request")
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	defer os.Remove(path)

	logger.Info().
		Str("encoding", encoding.String()).
		Int64("size", size).
		Msg("Transcription request received")

	result, err := h.transcriber.SpeechToText(r.Context(), path, encoding)
	if err != nil {
		status := statusFor(err)
		logEvent(logger, status).Err(err).Int("status", status).Msg("Transcription failed")
		writeError(w, status, err.Error(), kindOf(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// spool copies the audio from the request into a temporary file. Multipart
// requests carry it in the "file" field; anything else is the raw body.
func (h *TranscriptionHandler) spool(r *http.Request) (string, int64, error) {
	var src io.Reader = r.Body
	ext := ""

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemLimit); err != nil {
			return "", 0, fmt.Errorf("failed to parse multipart form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", 0, fmt.Errorf("file field is required: %w", err)
		}
		defer file.Close()
		src = file
		ext = filepath.Ext(header.Filename)
	}

	tmp, err := os.CreateTemp(h.tempDir, "salute-stt-*"+ext)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("request carries no audio")
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}

	return tmp.Name(), n, nil
}

// statusFor maps a transcription error to the HTTP status returned to the caller
func statusFor(err error) int {
	switch {
	case errors.Is(err, stt.ErrInvalidAudio):
		return http.StatusBadRequest
	case errors.Is(err, stt.ErrRecognitionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func kindOf(err error) error {
	var sttErr *stt.Error
	if errors.As(err, &sttErr) {
		return sttErr.Kind
	}
	return nil
}

func logEvent(logger zerolog.Logger, status int) *zerolog.Event {
	if status >= 500 {
		return logger.Error()
	}
	return logger.Warn()
}

func writeError(w http.ResponseWriter, status int, msg string, kind error) {
	resp := errorResponse{Error: msg}
	if kind != nil {
		resp.Kind = kind.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
