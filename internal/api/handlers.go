package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thejohnfreeman/redirectory"
)

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Conan-Server-Capabilities", capabilities)
	w.WriteHeader(http.StatusOK)
}

// authenticate returns the Basic payload right back as the bearer token.
// Clients that use their hosting token as the password thereby hand us
// exactly the credential the hosting layer needs on later requests.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		http.Error(w, "missing header: Authorization", http.StatusBadRequest)
		return
	}
	payload, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		http.Error(w, "malformed header: Authorization", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, strings.TrimSpace(payload))
}

func (s *Server) checkCredentials(w http.ResponseWriter, r *http.Request) {
	user, _, err := bearer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, user)
}

func refFrom(r *http.Request) (redirectory.Reference, error) {
	return redirectory.NewReference(
		r.PathValue("name"),
		r.PathValue("version"),
		r.PathValue("channel"),
		r.PathValue("owner"),
	)
}

// rev maps the legacy "0" revision marker to "latest".
func rev(r *http.Request, key string) string {
	v := r.PathValue(key)
	if v == "0" {
		return ""
	}
	return v
}

type revisionEntry struct {
	Revision string `json:"revision"`
	Time     string `json:"time"`
}

func entryOf(id string, t time.Time) revisionEntry {
	return revisionEntry{Revision: id, Time: t.UTC().Format(time.RFC3339)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) recipeRevisions(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	revisions, err := s.reg.ListRecipeRevisions(r.Context(), ref)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	entries := make([]revisionEntry, 0, len(revisions))
	for _, rev := range revisions {
		entries = append(entries, entryOf(rev.ID, rev.Time))
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": entries})
}

func (s *Server) recipeLatest(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	latest, err := s.reg.LatestRecipeRevision(r.Context(), ref)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryOf(latest.ID, latest.Time))
}

func (s *Server) recipeFiles(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	bundle, _, err := s.reg.DownloadRecipe(r.Context(), ref, rev(r, "rrev"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": fileSet(bundle)})
}

func (s *Server) recipeFile(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	bundle, _, err := s.reg.DownloadRecipe(r.Context(), ref, rev(r, "rrev"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	serveFile(w, bundle, r.PathValue("file"))
}

func (s *Server) recipeDownloadURLs(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	bundle, recipe, err := s.reg.DownloadRecipe(r.Context(), ref, "")
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	urls := make(map[string]string, len(bundle))
	base := requestBase(r)
	for _, name := range bundle.Paths() {
		urls[name] = fmt.Sprintf("%s/v1/conans/%s/%s/%s/%s/revisions/%s/files/%s",
			base, ref.Name, ref.Version, ref.Channel, ref.Owner, recipe.ID, name)
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) packageLatest(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	latest, err := s.reg.LatestPackageRevision(r.Context(), ref, rev(r, "rrev"), r.PathValue("pkgid"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryOf(latest.ID, latest.Time))
}

func (s *Server) packageRevisions(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	revisions, err := s.reg.ListPackageRevisions(r.Context(), ref, rev(r, "rrev"), r.PathValue("pkgid"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	entries := make([]revisionEntry, 0, len(revisions))
	for _, rev := range revisions {
		entries = append(entries, entryOf(rev.ID, rev.Time))
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": entries})
}

func (s *Server) packageFiles(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	bundle, _, err := s.reg.DownloadPackage(r.Context(), ref, rev(r, "rrev"), r.PathValue("pkgid"), rev(r, "prev"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": fileSet(bundle)})
}

func (s *Server) packageFile(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	bundle, _, err := s.reg.DownloadPackage(r.Context(), ref, rev(r, "rrev"), r.PathValue("pkgid"), rev(r, "prev"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	serveFile(w, bundle, r.PathValue("file"))
}

func (s *Server) packageDownloadURLs(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	pkgID := r.PathValue("pkgid")
	bundle, pkgRev, err := s.reg.DownloadPackage(r.Context(), ref, rev(r, "rrev"), pkgID, "")
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	urls := make(map[string]string, len(bundle))
	base := requestBase(r)
	for _, name := range bundle.Paths() {
		urls[name] = fmt.Sprintf("%s/v1/conans/%s/%s/%s/%s/revisions/%s/packages/%s/revisions/%s/files/%s",
			base, ref.Name, ref.Version, ref.Channel, ref.Owner, pkgRev.Recipe.ID, pkgID, pkgRev.ID, name)
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	refs, err := s.reg.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	results := make([]string, 0, len(refs))
	for _, ref := range refs {
		results = append(results, ref.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	q := r.URL.Query()
	switch {
	case q.Get("package_id") != "":
		rrev := q.Get("revision")
		prev := q.Get("package_revision")
		if rrev == "" || prev == "" {
			http.Error(w, "package removal needs revision and package_revision", http.StatusBadRequest)
			return
		}
		err = s.reg.RemovePackageRevision(r.Context(), ref, rrev, q.Get("package_id"), prev)
	case q.Get("packages_only") != "":
		err = s.reg.RemoveBinaries(r.Context(), ref)
	default:
		err = s.reg.RemoveAll(r.Context(), ref)
	}
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) beginUpload(w http.ResponseWriter, r *http.Request) {
	ref, err := refFrom(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	sess := s.sessions.begin(ref)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":         sess.id,
		"upload_url": "/v1/uploads/" + sess.id,
	})
}

func (s *Server) putSessionFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess.put(r.PathValue("file"), data)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) commitUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	}
	q := r.URL.Query()

	var result redirectory.UploadResult
	var err error
	switch kind := q.Get("kind"); kind {
	case "", "recipe":
		result, err = s.reg.UploadRecipe(r.Context(), sess.ref, sess.bundle())
	case "package":
		pkgID := q.Get("package_id")
		if pkgID == "" {
			http.Error(w, "package upload needs package_id", http.StatusBadRequest)
			return
		}
		rrev := q.Get("revision")
		if rrev == "0" {
			rrev = ""
		}
		result, err = s.reg.UploadPackage(r.Context(), sess.ref, rrev, pkgID, q.Get("fingerprint"), sess.bundle())
	default:
		http.Error(w, "unknown upload kind: "+kind, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.httpError(w, r, err)
		return
	}

	s.sessions.drop(sess.id)
	status := http.StatusCreated
	if result.AlreadyPresent {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"revision":        result.RevisionID,
		"already_present": result.AlreadyPresent,
	})
}

func fileSet(bundle redirectory.Bundle) map[string]struct{} {
	files := make(map[string]struct{}, len(bundle))
	for _, name := range bundle.Paths() {
		files[name] = struct{}{}
	}
	return files
}

func serveFile(w http.ResponseWriter, bundle redirectory.Bundle, name string) {
	data, ok := bundle[name]
	if !ok {
		http.Error(w, "file not found: "+name, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType(name))
	_, _ = w.Write(data)
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".py"):
		return "text/x-python"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
