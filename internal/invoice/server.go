package invoice

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ledgerlens/ledgerlens/internal/identity"
)

// Server handles HTTP requests for projects and invoice images
type Server struct {
	service  *Service
	verifier identity.Verifier
	blobs    *LocalBlobStore
	mux      *http.ServeMux
}

type contextKey string

const principalKey contextKey = "principal"

// NewServer creates a new Server with default mux. blobs may be nil when a
// cloud store backs the service; the /blobs routes are only mounted for the
// local store.
func NewServer(service *Service, verifier identity.Verifier, blobs *LocalBlobStore) *Server {
	return NewServerWithMux(service, verifier, blobs, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, verifier identity.Verifier, blobs *LocalBlobStore, mux *http.ServeMux) *Server {
	s := &Server{
		service:  service,
		verifier: verifier,
		blobs:    blobs,
		mux:      mux,
	}
	s.registerRoutes()
	return s
}

// authenticate resolves the bearer credential into a principal
func (s *Server) authenticate(r *http.Request) (*identity.Principal, error) {
	auth := r.Header.Get("Authorization")
	credential := strings.TrimPrefix(auth, "Bearer ")
	if credential == auth {
		credential = ""
	}
	return s.verifier.Verify(r.Context(), credential)
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware; the verified principal rides on the request
// context for handlers to pick up
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Bearer realm="LedgerLens"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next(w, r.WithContext(ctx))
	}
}

// principalFrom returns the principal requireAuth stored on the context
func principalFrom(r *http.Request) *identity.Principal {
	principal, _ := r.Context().Value(principalKey).(*identity.Principal)
	return principal
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	// Pipeline stages (most specific paths first)
	s.mux.HandleFunc("POST /api/projects/{projectID}/images/{id}/ocr", s.requireAuth(s.handleRunOCR))
	s.mux.HandleFunc("POST /api/projects/{projectID}/images/{id}/analysis", s.requireAuth(s.handleRunAnalysis))
	s.mux.HandleFunc("PUT /api/projects/{projectID}/images/{id}/correction", s.requireAuth(s.handleCorrect))
	s.mux.HandleFunc("GET /api/projects/{projectID}/images/{id}/url", s.requireAuth(s.handleReadLocation))

	// Image records
	s.mux.HandleFunc("GET /api/projects/{projectID}/images/{id}", s.requireAuth(s.handleGetImage))
	s.mux.HandleFunc("DELETE /api/projects/{projectID}/images/{id}", s.requireAuth(s.handleDeleteImage))
	s.mux.HandleFunc("POST /api/projects/{projectID}/images/upload-url", s.requireAuth(s.handleUploadURL))
	s.mux.HandleFunc("GET /api/projects/{projectID}/images", s.requireAuth(s.handleListImages))
	s.mux.HandleFunc("POST /api/projects/{projectID}/images", s.requireAuth(s.handleConfirmUpload))

	// Projects
	s.mux.HandleFunc("DELETE /api/projects/{projectID}", s.requireAuth(s.handleDeleteProject))
	s.mux.HandleFunc("POST /api/projects", s.requireAuth(s.handleCreateProject))

	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Signed blob routes for the local store; the signature is the
	// credential, no bearer token involved
	if s.blobs != nil {
		s.mux.HandleFunc("PUT /blobs/{path...}", s.handlePutBlob)
		s.mux.HandleFunc("GET /blobs/{path...}", s.handleGetBlob)
	}
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
