package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

// multipartOverhead leaves room for form boundaries and headers on top of the file itself
const multipartOverhead = 1 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleUpload stages the receipt image of the session
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	maxSize := s.service.Limits().MaxUploadSize
	tooLarge := fmt.Sprintf("File is too large. Maximum size is %dMB. Please compress or resize your image.", maxSize>>20)

	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, tooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, http.StatusBadRequest, "No file was selected. Please choose a file to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	upload, err := s.service.Upload(sessionID, header.Filename, data)
	if err != nil {
		slog.Error("Error staging upload", "filename", header.Filename, "error", err)
		switch {
		case errors.Is(err, ErrUploadTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, tooLarge)
		case errors.Is(err, ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, "Unsupported file type. Please upload a PNG or JPEG image.")
		case errors.Is(err, ErrEmptyUpload):
			writeError(w, http.StatusBadRequest, "The selected file is empty.")
		default:
			writeError(w, http.StatusInternalServerError, "Error saving file. Please try again.")
		}
		return
	}

	writeJSON(w, http.StatusCreated, upload)
}

// handleUploadedImage returns the staged image for preview
func (s *Server) handleUploadedImage(w http.ResponseWriter, r *http.Request, sessionID string) {
	data, contentType, err := s.service.UploadedImage(sessionID)
	if err != nil {
		if !errors.Is(err, ErrNoUpload) && !errors.Is(err, ErrSessionNotFound) {
			slog.Error("Error loading upload", "error", err)
		}
		writeError(w, http.StatusNotFound, "No receipt uploaded")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleAnalyze runs one analysis. Every failure is reported to the user and
// the previous result stays in place.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, sessionID string) {
	analysis, err := s.service.Analyze(r.Context(), sessionID)
	if err != nil {
		code, message := analyzeErrorResponse(err)
		writeError(w, code, message)
		return
	}

	if r.URL.Query().Get("debug") == "" {
		analysis.ExtractedText = nil
	}
	writeJSON(w, http.StatusOK, analysis)
}

func analyzeErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoUpload), errors.Is(err, ErrSessionNotFound):
		return http.StatusBadRequest, "Upload a receipt image before analyzing."
	case errors.Is(err, ErrAnalysisInProgress):
		return http.StatusConflict, "This receipt is already being analyzed."
	case errors.Is(err, scanning.ErrMissingAPIKey):
		return http.StatusServiceUnavailable, "The analysis service is not configured: missing API key."
	case errors.Is(err, scanning.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "The analysis service is temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrAnalysisTimeout):
		return http.StatusGatewayTimeout, "The analysis took too long and was stopped. Please try again."
	default:
		return http.StatusBadGateway, "Error processing receipt: " + err.Error()
	}
}

// handleGetAnalysis returns the current analysis of the session
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request, sessionID string) {
	analysis, err := s.service.Current(sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		slog.Error("Error getting analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if analysis == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handleAnalysisMarkdown returns the displayed markdown byte for byte, for the copy button
func (s *Server) handleAnalysisMarkdown(w http.ResponseWriter, r *http.Request, sessionID string) {
	analysis, err := s.service.Current(sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		slog.Error("Error getting analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if analysis == nil {
		writeError(w, http.StatusNotFound, "No analysis to copy")
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	io.WriteString(w, analysis.Markdown)
}

// handleClearAnalysis removes the current analysis
func (s *Server) handleClearAnalysis(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.service.Clear(sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		slog.Error("Error clearing analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "Error clearing analysis")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEndSession drops the upload and the result of the session
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.service.EndSession(sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		slog.Error("Error ending session", "error", err)
		writeError(w, http.StatusInternalServerError, "Error ending session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}
