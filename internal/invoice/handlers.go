package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxBlobSize caps uploads through the local blob routes; high-resolution
// phone photos fit comfortably under 50MB.
const maxBlobSize = int64(50 << 20)

// imageResponse decorates a record with the read-time retry annotation.
// retry_eligible is computed per read, never stored.
type imageResponse struct {
	*Image
	RetryEligible bool `json:"retry_eligible"`
}

func (s *Server) imageResponse(img *Image) imageResponse {
	return imageResponse{Image: img, RetryEligible: img.RetryEligible(s.service.timeSource.Now())}
}

// writeError maps service errors onto status codes and writes a JSON error
// body
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, ErrInvalidState):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		code = http.StatusConflict
	}

	message := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		message = "Internal server error"
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateProject creates a project
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	project, err := s.service.CreateProject(r.Context(), principalFrom(r), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// handleDeleteProject deletes a project and its images
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DeleteProject(r.Context(), principalFrom(r), r.PathValue("projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUploadURL issues a signed write location for a new document
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	loc, err := s.service.RequestUploadLocation(r.Context(), principalFrom(r), r.PathValue("projectID"), req.Filename, req.ContentType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// handleConfirmUpload creates the image record for an uploaded blob
func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req ConfirmUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	img, err := s.service.ConfirmUpload(r.Context(), principalFrom(r), r.PathValue("projectID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.imageResponse(img))
}

// handleListImages returns the project's image records
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.service.ListImages(r.Context(), principalFrom(r), r.PathValue("projectID"))
	if err != nil {
		writeError(w, err)
		return
	}

	responses := make([]imageResponse, 0, len(images))
	for _, img := range images {
		responses = append(responses, s.imageResponse(img))
	}
	writeJSON(w, http.StatusOK, responses)
}

// handleGetImage returns a single image record
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.service.GetImage(r.Context(), principalFrom(r), r.PathValue("projectID"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.imageResponse(img))
}

// handleReadLocation issues a signed read location for the stored blob
func (s *Server) handleReadLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.service.ReadLocation(r.Context(), principalFrom(r), r.PathValue("projectID"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// handleDeleteImage deletes an image record and its blob
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DeleteImage(r.Context(), principalFrom(r), r.PathValue("projectID"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRunOCR runs the OCR stage. Stage failures come back as 200 with the
// failure folded into the record; only precondition and lookup errors map
// to error codes.
func (s *Server) handleRunOCR(w http.ResponseWriter, r *http.Request) {
	img, err := s.service.RunOCR(r.Context(), principalFrom(r), r.PathValue("projectID"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.imageResponse(img))
}

// handleRunAnalysis runs the generative analysis stage
func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &ValidationError{Field: "body", Reason: "invalid JSON"})
			return
		}
	}

	img, err := s.service.RunAnalysis(r.Context(), principalFrom(r), r.PathValue("projectID"), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.imageResponse(img))
}

// handleCorrect applies a manual correction
func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	img, err := s.service.Correct(r.Context(), principalFrom(r), r.PathValue("projectID"), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.imageResponse(img))
}

// handlePutBlob accepts a signed blob upload for the local store
func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	query := r.URL.Query()
	if !s.blobs.VerifySignature("PUT", path, query.Get("exp"), query.Get("sig")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize+1))
	if err != nil {
		http.Error(w, "Error reading body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > maxBlobSize {
		http.Error(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.blobs.Save(path, data); err != nil {
		slog.Error("Error saving blob", "path", path, "error", err)
		http.Error(w, "Error saving blob", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetBlob serves a signed blob read for the local store
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	query := r.URL.Query()
	if !s.blobs.VerifySignature("GET", path, query.Get("exp"), query.Get("sig")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	data, err := s.blobs.Get(path)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}
