package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thejohnfreeman/redirectory"
	"github.com/thejohnfreeman/redirectory/internal/hosting"
	"github.com/thejohnfreeman/redirectory/internal/logging"
)

const refPath = "/v1/conans/zlib/1.2.13/github/thejohnfreeman"

var testToken = base64.StdEncoding.EncodeToString([]byte("octocat:ghp_test"))

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	reg := redirectory.New(hosting.NewMemory())
	return NewServer(reg, logging.Discard(), time.Minute).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if method != http.MethodGet {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// uploadBundle drives the session flow: begin, put each file, commit.
func uploadBundle(t *testing.T, h http.Handler, commitQuery string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	w := do(t, h, http.MethodPost, refPath+"/uploads", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var begun struct {
		ID string `json:"id"`
	}
	decode(t, w, &begun)
	require.NotEmpty(t, begun.ID)

	for name, content := range files {
		w = do(t, h, http.MethodPut, "/v1/uploads/"+begun.ID+"/"+name, []byte(content))
		require.Equal(t, http.StatusOK, w.Code)
	}

	return do(t, h, http.MethodPost, "/v1/uploads/"+begun.ID+commitQuery, nil)
}

func TestPing(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, h, http.MethodGet, "/v1/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "complex_search,revisions", w.Header().Get("X-Conan-Server-Capabilities"))
}

func TestAuthenticatePassthrough(t *testing.T) {
	h := newTestHandler(t)

	payload := base64.StdEncoding.EncodeToString([]byte("octocat:ghp_secret"))
	req := httptest.NewRequest(http.MethodGet, "/v1/users/authenticate", nil)
	req.Header.Set("Authorization", "Basic "+payload)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, w.Body.String())

	// The returned payload is the bearer token for later requests.
	req = httptest.NewRequest(http.MethodGet, "/v1/users/check_credentials", nil)
	req.Header.Set("Authorization", "Bearer "+payload)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "octocat", w.Body.String())
}

func TestAuthenticateRejectsBadHeaders(t *testing.T) {
	h := newTestHandler(t)

	w := do(t, h, http.MethodGet, "/v1/users/authenticate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/check_credentials", nil)
	req.Header.Set("Authorization", "Bearer not-base64!!")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestWritesRequireCredential(t *testing.T) {
	h := newTestHandler(t)

	writes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, refPath + "/uploads"},
		{http.MethodPut, "/v1/uploads/some-id/conanfile.py"},
		{http.MethodPost, "/v1/uploads/some-id"},
		{http.MethodDelete, refPath},
	}
	for _, wr := range writes {
		req := httptest.NewRequest(wr.method, wr.path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", wr.method, wr.path)
	}

	// Reads stay open: they fall back to the server's configured token.
	w := do(t, h, http.MethodGet, "/v1/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadAndDownloadRecipe(t *testing.T) {
	h := newTestHandler(t)
	files := map[string]string{
		"conanfile.py":  "class Zlib:\n    pass\n",
		"conandata.yml": "sources: {}\n",
	}

	w := uploadBundle(t, h, "", files)
	require.Equal(t, http.StatusCreated, w.Code)
	var committed struct {
		Revision       string `json:"revision"`
		AlreadyPresent bool   `json:"already_present"`
	}
	decode(t, w, &committed)
	assert.Len(t, committed.Revision, 12)
	assert.False(t, committed.AlreadyPresent)

	// Identical content commits as already present.
	w = uploadBundle(t, h, "", files)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &committed)
	assert.True(t, committed.AlreadyPresent)

	// The revision listing and the file surface both see it.
	w = do(t, h, http.MethodGet, refPath+"/revisions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Revisions []struct {
			Revision string `json:"revision"`
			Time     string `json:"time"`
		} `json:"revisions"`
	}
	decode(t, w, &listing)
	require.Len(t, listing.Revisions, 1)
	assert.Equal(t, committed.Revision, listing.Revisions[0].Revision)

	w = do(t, h, http.MethodGet, refPath+"/revisions/"+committed.Revision+"/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fileListing struct {
		Files map[string]struct{} `json:"files"`
	}
	decode(t, w, &fileListing)
	assert.Contains(t, fileListing.Files, "conanfile.py")
	assert.Contains(t, fileListing.Files, "conandata.yml")

	w = do(t, h, http.MethodGet, refPath+"/revisions/"+committed.Revision+"/files/conanfile.py", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, files["conanfile.py"], w.Body.String())

	// "0" is the legacy spelling of "latest".
	w = do(t, h, http.MethodGet, refPath+"/revisions/0/files/conanfile.py", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLatestEndpoint(t *testing.T) {
	h := newTestHandler(t)

	w := do(t, h, http.MethodGet, refPath+"/latest", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "recipe not found")

	w = uploadBundle(t, h, "", map[string]string{"conanfile.py": "v1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodGet, refPath+"/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var latest struct {
		Revision string `json:"revision"`
		Time     string `json:"time"`
	}
	decode(t, w, &latest)
	assert.NotEmpty(t, latest.Revision)
	_, err := time.Parse(time.RFC3339, latest.Time)
	assert.NoError(t, err)
}

func TestPackageFlow(t *testing.T) {
	h := newTestHandler(t)

	// A binary cannot land before its recipe.
	w := uploadBundle(t, h, "?kind=package&package_id=pkgX", map[string]string{"lib/libz.a": "bits"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = uploadBundle(t, h, "", map[string]string{"conanfile.py": "v1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var recipe struct {
		Revision string `json:"revision"`
	}
	decode(t, w, &recipe)

	w = uploadBundle(t, h, "?kind=package&package_id=pkgX&fingerprint=os%3DLinux", map[string]string{"lib/libz.a": "bits"})
	require.Equal(t, http.StatusCreated, w.Code)
	var pkg struct {
		Revision string `json:"revision"`
	}
	decode(t, w, &pkg)

	base := refPath + "/revisions/" + recipe.Revision + "/packages/pkgX"
	w = do(t, h, http.MethodGet, base+"/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Nested bundle paths route through the remainder wildcard.
	w = do(t, h, http.MethodGet, base+"/revisions/"+pkg.Revision+"/files/lib/libz.a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bits", w.Body.String())

	// The other settings combination was never built.
	w = do(t, h, http.MethodGet, refPath+"/revisions/"+recipe.Revision+"/packages/pkgY/latest", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "package not found")
}

func TestCommitValidation(t *testing.T) {
	h := newTestHandler(t)

	w := uploadBundle(t, h, "?kind=package", map[string]string{"lib/libz.a": "bits"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = uploadBundle(t, h, "?kind=flatpak", map[string]string{"f": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/uploads/no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPut, "/v1/uploads/no-such-session/file", []byte("x"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemove(t *testing.T) {
	h := newTestHandler(t)

	w := uploadBundle(t, h, "", map[string]string{"conanfile.py": "v1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodDelete, refPath, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, refPath+"/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Removal of an absent reference stays quiet.
	w = do(t, h, http.MethodDelete, refPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRemoveBinariesOnly(t *testing.T) {
	h := newTestHandler(t)

	w := uploadBundle(t, h, "", map[string]string{"conanfile.py": "v1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = uploadBundle(t, h, "?kind=package&package_id=pkgX", map[string]string{"lib/libz.a": "bits"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodDelete, refPath+"?packages_only=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, refPath+"/latest", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSearch(t *testing.T) {
	h := newTestHandler(t)

	w := uploadBundle(t, h, "", map[string]string{"conanfile.py": "v1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodGet, "/v1/conans/search?q=zlib", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results struct {
		Results []string `json:"results"`
	}
	decode(t, w, &results)
	require.Len(t, results.Results, 1)
	assert.Contains(t, results.Results[0], "zlib/")

	w = do(t, h, http.MethodGet, "/v1/conans/search?q=nothing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &results)
	assert.Empty(t, results.Results)
}

func TestDownloadURLs(t *testing.T) {
	h := newTestHandler(t)

	w := uploadBundle(t, h, "", map[string]string{"conanfile.py": "v1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodGet, refPath+"/download_urls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var urls map[string]string
	decode(t, w, &urls)
	require.Contains(t, urls, "conanfile.py")
	assert.Contains(t, urls["conanfile.py"], refPath+"/revisions/")
}

func TestForeignChannelForbidden(t *testing.T) {
	h := newTestHandler(t)
	w := do(t, h, http.MethodGet, "/v1/conans/zlib/1.0/stable/me/latest", nil)
	// Channel without the github marker: the reference parses but names a
	// stream this registry cannot serve.
	assert.Equal(t, http.StatusForbidden, w.Code)
}
