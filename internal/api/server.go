// Package api exposes the registry as the remote protocol surface that
// package-manager clients speak: ping, revision listings, upload sessions,
// downloads, search, and removal. It owns the mapping from registry errors
// to protocol status codes.
package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thejohnfreeman/redirectory"
	"github.com/thejohnfreeman/redirectory/internal/hosting"
	"github.com/thejohnfreeman/redirectory/internal/logging"
)

// Capabilities advertised on ping.
const capabilities = "complex_search,revisions"

// DefaultSessionTTL bounds how long an uncommitted upload session is kept.
const DefaultSessionTTL = 30 * time.Minute

// Server adapts a Registry to the HTTP protocol.
type Server struct {
	reg      *redirectory.Registry
	log      logging.Logger
	sessions *sessionStore
}

// NewServer wires the adapter. A zero ttl means DefaultSessionTTL.
func NewServer(reg *redirectory.Registry, log logging.Logger, ttl time.Duration) *Server {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Server{
		reg:      reg,
		log:      log.With("module", "api"),
		sessions: newSessionStore(ttl, time.Now),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/ping", s.ping)
	mux.HandleFunc("GET /v1/users/authenticate", s.authenticate)
	mux.HandleFunc("GET /v1/users/check_credentials", s.checkCredentials)
	mux.HandleFunc("GET /v1/conans/search", s.search)

	const ref = "/v1/conans/{name}/{version}/{channel}/{owner}"
	mux.HandleFunc("GET "+ref+"/revisions", s.recipeRevisions)
	mux.HandleFunc("GET "+ref+"/latest", s.recipeLatest)
	mux.HandleFunc("GET "+ref+"/download_urls", s.recipeDownloadURLs)
	mux.HandleFunc("DELETE "+ref, s.remove)
	mux.HandleFunc("POST "+ref+"/uploads", s.beginUpload)
	mux.HandleFunc("GET "+ref+"/revisions/{rrev}/files", s.recipeFiles)
	mux.HandleFunc("GET "+ref+"/revisions/{rrev}/files/{file...}", s.recipeFile)

	const pkg = ref + "/revisions/{rrev}/packages/{pkgid}"
	mux.HandleFunc("GET "+pkg+"/latest", s.packageLatest)
	mux.HandleFunc("GET "+pkg+"/revisions", s.packageRevisions)
	mux.HandleFunc("GET "+pkg+"/download_urls", s.packageDownloadURLs)
	mux.HandleFunc("GET "+pkg+"/revisions/{prev}/files", s.packageFiles)
	mux.HandleFunc("GET "+pkg+"/revisions/{prev}/files/{file...}", s.packageFile)

	mux.HandleFunc("PUT /v1/uploads/{id}/{file...}", s.putSessionFile)
	mux.HandleFunc("POST /v1/uploads/{id}", s.commitUpload)

	return s.logged(s.authed(mux))
}

// logged emits one line per request with a generated request id.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info(r.Context(), "request",
			"id", uuid.NewString(),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

// authed moves the caller's bearer credential into the request context for
// the hosting layer. Write operations must carry one; reads without a
// credential fall back to the server's configured token.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, token, err := bearer(r)
		if err == nil {
			r = r.WithContext(hosting.WithToken(r.Context(), token))
		} else if mutates(r.Method) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mutates(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// bearer decodes the Authorization header. The token is the base64
// encoding of "user:credential"; the credential is the caller's hosting
// token, passed through opaquely.
func bearer(r *http.Request) (user, token string, err error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "", errors.New("missing header: Authorization")
	}
	payload, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", "", errors.New("malformed header: Authorization")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", errors.New("malformed header: Authorization")
	}
	user, token, ok = strings.Cut(string(decoded), ":")
	if !ok || user == "" || token == "" {
		return "", "", errors.New("malformed header: Authorization")
	}
	return user, token, nil
}

// httpError maps registry errors onto the protocol's status vocabulary.
// The distinct not-found bodies matter: clients decide between "build from
// source" and "give up" by which absence they got.
func (s *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, redirectory.ErrMalformedReference):
		status = http.StatusBadRequest
	case errors.Is(err, redirectory.ErrForeignReference):
		status = http.StatusForbidden
	case errors.Is(err, redirectory.ErrReferenceNotFound),
		errors.Is(err, redirectory.ErrRevisionNotFound),
		errors.Is(err, redirectory.ErrPackageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, redirectory.ErrRecipeRevisionRequired):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, redirectory.ErrRefConflict),
		errors.Is(err, redirectory.ErrAssetExists):
		status = http.StatusConflict
	case errors.Is(err, redirectory.ErrCorruptAsset):
		status = http.StatusBadGateway
	case errors.Is(err, redirectory.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
	}
	http.Error(w, err.Error(), status)
}
