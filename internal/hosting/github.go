package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/google/go-github/v66/github"
	"github.com/sourcegraph/conc/pool"
)

// GitHub implements Host on top of the GitHub REST API: git refs as tags,
// repository releases as storage units, release assets as blobs.
type GitHub struct {
	token   string // fallback credential for requests without their own
	baseURL string // override for GHE or tests; "" means api.github.com
	http    *http.Client
	policy  BackoffPolicy

	mu      sync.Mutex
	clients map[string]*github.Client
}

// GitHubOption configures a GitHub host.
type GitHubOption func(*GitHub)

// WithDefaultToken sets the credential used when the request context
// carries none.
func WithDefaultToken(token string) GitHubOption {
	return func(h *GitHub) { h.token = token }
}

// WithBaseURL points the client at a different API endpoint. The URL must
// end with a slash.
func WithBaseURL(base string) GitHubOption {
	return func(h *GitHub) { h.baseURL = base }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(c *http.Client) GitHubOption {
	return func(h *GitHub) { h.http = c }
}

// NewGitHub creates a GitHub-backed Host with the given retry policy.
func NewGitHub(policy BackoffPolicy, opts ...GitHubOption) *GitHub {
	h := &GitHub{
		http:    http.DefaultClient,
		clients: make(map[string]*github.Client),
		policy:  policy,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *GitHub) client(ctx context.Context) (*github.Client, error) {
	token, ok := TokenFrom(ctx)
	if !ok {
		token = h.token
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[token]; ok {
		return c, nil
	}

	c := github.NewClient(h.http)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if h.baseURL != "" {
		base, err := url.Parse(h.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		c.BaseURL = base
		c.UploadURL = base
	}
	h.clients[token] = c
	return c, nil
}

func status(resp *github.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func (h *GitHub) EnsureRef(ctx context.Context, repo Repo, tag, commit string) error {
	c, err := h.client(ctx)
	if err != nil {
		return err
	}
	refName := "tags/" + tag
	return retry(ctx, h.policy, func() error {
		existing, resp, err := c.Git.GetRef(ctx, repo.Owner, repo.Name, refName)
		if err == nil {
			if existing.GetObject().GetSHA() == commit {
				return nil
			}
			return fmt.Errorf("%w: %s/%s", ErrRefConflict, repo, tag)
		}
		if status(resp) != http.StatusNotFound {
			return err
		}

		_, resp, err = c.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/" + refName),
			Object: &github.GitObject{SHA: github.String(commit)},
		})
		if err == nil {
			return nil
		}
		if status(resp) == http.StatusUnprocessableEntity {
			// Lost the creation race. Converge on the winner's ref.
			existing, _, err := c.Git.GetRef(ctx, repo.Owner, repo.Name, refName)
			if err != nil {
				return err
			}
			if existing.GetObject().GetSHA() == commit {
				return nil
			}
			return fmt.Errorf("%w: %s/%s", ErrRefConflict, repo, tag)
		}
		return err
	})
}

func (h *GitHub) DeleteRef(ctx context.Context, repo Repo, tag string) error {
	c, err := h.client(ctx)
	if err != nil {
		return err
	}
	return retry(ctx, h.policy, func() error {
		resp, err := c.Git.DeleteRef(ctx, repo.Owner, repo.Name, "tags/"+tag)
		if err != nil && (status(resp) == http.StatusNotFound || status(resp) == http.StatusUnprocessableEntity) {
			return nil
		}
		return err
	})
}

func (h *GitHub) EnsureRelease(ctx context.Context, repo Repo, tag string) (*Release, error) {
	c, err := h.client(ctx)
	if err != nil {
		return nil, err
	}
	var release *Release
	err = retry(ctx, h.policy, func() error {
		got, resp, err := c.Repositories.GetReleaseByTag(ctx, repo.Owner, repo.Name, tag)
		if err == nil {
			release = fromRepositoryRelease(got)
			return nil
		}
		if status(resp) != http.StatusNotFound {
			return err
		}

		created, resp, err := c.Repositories.CreateRelease(ctx, repo.Owner, repo.Name, &github.RepositoryRelease{
			TagName: github.String(tag),
		})
		if err == nil {
			release = fromRepositoryRelease(created)
			return nil
		}
		if status(resp) == http.StatusUnprocessableEntity {
			// Another creator won. Use its release.
			got, _, err := c.Repositories.GetReleaseByTag(ctx, repo.Owner, repo.Name, tag)
			if err != nil {
				return err
			}
			release = fromRepositoryRelease(got)
			return nil
		}
		return err
	})
	return release, err
}

func (h *GitHub) GetReleaseByTag(ctx context.Context, repo Repo, tag string) (*Release, error) {
	c, err := h.client(ctx)
	if err != nil {
		return nil, err
	}
	var release *Release
	err = retry(ctx, h.policy, func() error {
		got, resp, err := c.Repositories.GetReleaseByTag(ctx, repo.Owner, repo.Name, tag)
		if err != nil {
			if status(resp) == http.StatusNotFound {
				return fmt.Errorf("%w: release %s/%s", ErrNotFound, repo, tag)
			}
			return err
		}
		release = fromRepositoryRelease(got)
		return nil
	})
	return release, err
}

func (h *GitHub) UpdateReleaseBody(ctx context.Context, repo Repo, releaseID int64, body string) error {
	c, err := h.client(ctx)
	if err != nil {
		return err
	}
	return retry(ctx, h.policy, func() error {
		_, resp, err := c.Repositories.EditRelease(ctx, repo.Owner, repo.Name, releaseID, &github.RepositoryRelease{
			Body: github.String(body),
		})
		if err != nil && status(resp) == http.StatusNotFound {
			return fmt.Errorf("%w: release %d", ErrNotFound, releaseID)
		}
		return err
	})
}

func (h *GitHub) DeleteRelease(ctx context.Context, repo Repo, releaseID int64) error {
	c, err := h.client(ctx)
	if err != nil {
		return err
	}
	return retry(ctx, h.policy, func() error {
		resp, err := c.Repositories.DeleteRelease(ctx, repo.Owner, repo.Name, releaseID)
		if err != nil && status(resp) == http.StatusNotFound {
			return nil
		}
		return err
	})
}

func (h *GitHub) UploadAsset(ctx context.Context, repo Repo, releaseID int64, name string, data []byte) (*Asset, error) {
	c, err := h.client(ctx)
	if err != nil {
		return nil, err
	}

	// The upload endpoint wants a file with a known size.
	tmp, err := os.CreateTemp("", "redirectory-asset-*")
	if err != nil {
		return nil, fmt.Errorf("stage asset: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return nil, fmt.Errorf("stage asset: %w", err)
	}

	var asset *Asset
	err = retry(ctx, h.policy, func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		uploaded, resp, err := c.Repositories.UploadReleaseAsset(ctx, repo.Owner, repo.Name, releaseID, &github.UploadOptions{
			Name:      name,
			MediaType: "application/gzip",
		}, tmp)
		if err != nil {
			if status(resp) == http.StatusUnprocessableEntity {
				return fmt.Errorf("%w: %s", ErrAssetExists, name)
			}
			return err
		}
		asset = fromReleaseAsset(uploaded)
		return nil
	})
	return asset, err
}

func (h *GitHub) ListAssets(ctx context.Context, repo Repo, releaseID int64) ([]Asset, error) {
	c, err := h.client(ctx)
	if err != nil {
		return nil, err
	}
	var assets []Asset
	err = retry(ctx, h.policy, func() error {
		assets = assets[:0]
		opts := &github.ListOptions{PerPage: 100}
		for {
			page, resp, err := c.Repositories.ListReleaseAssets(ctx, repo.Owner, repo.Name, releaseID, opts)
			if err != nil {
				if status(resp) == http.StatusNotFound {
					return fmt.Errorf("%w: release %d", ErrNotFound, releaseID)
				}
				return err
			}
			for _, a := range page {
				assets = append(assets, *fromReleaseAsset(a))
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return assets, err
}

func (h *GitHub) DownloadAsset(ctx context.Context, repo Repo, assetID int64) ([]byte, error) {
	c, err := h.client(ctx)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = retry(ctx, h.policy, func() error {
		rc, _, err := c.Repositories.DownloadReleaseAsset(ctx, repo.Owner, repo.Name, assetID, h.http)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: asset %d", ErrNotFound, assetID)
			}
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	return data, err
}

func (h *GitHub) DeleteAsset(ctx context.Context, repo Repo, assetID int64) error {
	c, err := h.client(ctx)
	if err != nil {
		return err
	}
	return retry(ctx, h.policy, func() error {
		resp, err := c.Repositories.DeleteReleaseAsset(ctx, repo.Owner, repo.Name, assetID)
		if err != nil && status(resp) == http.StatusNotFound {
			return nil
		}
		return err
	})
}

func (h *GitHub) DefaultBranchHead(ctx context.Context, repo Repo) (string, error) {
	c, err := h.client(ctx)
	if err != nil {
		return "", err
	}
	var sha string
	err = retry(ctx, h.policy, func() error {
		r, resp, err := c.Repositories.Get(ctx, repo.Owner, repo.Name)
		if err != nil {
			if status(resp) == http.StatusNotFound {
				return fmt.Errorf("%w: repository %s", ErrNotFound, repo)
			}
			return err
		}
		sha, _, err = c.Repositories.GetCommitSHA1(ctx, repo.Owner, repo.Name, r.GetDefaultBranch(), "")
		return err
	})
	return sha, err
}

func (h *GitHub) SearchReleases(ctx context.Context, query string) ([]SearchResult, error) {
	c, err := h.client(ctx)
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	err = retry(ctx, h.policy, func() error {
		results = results[:0]
		found, _, err := c.Search.Repositories(ctx, query+" in:name topic:redirectory", &github.SearchOptions{
			Sort:  "stars",
			Order: "desc",
		})
		if err != nil {
			return err
		}

		// One ListReleases round trip per repository; a repo that fails to
		// list just contributes nothing.
		var mu sync.Mutex
		p := pool.New().WithMaxGoroutines(4)
		for _, r := range found.Repositories {
			repo := Repo{Owner: r.GetOwner().GetLogin(), Name: r.GetName()}
			p.Go(func() {
				releases, _, err := c.Repositories.ListReleases(ctx, repo.Owner, repo.Name, nil)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, release := range releases {
					results = append(results, SearchResult{Repo: repo, Tag: release.GetTagName()})
				}
			})
		}
		p.Wait()
		return nil
	})
	return results, err
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

func fromRepositoryRelease(r *github.RepositoryRelease) *Release {
	return &Release{
		ID:   r.GetID(),
		Tag:  r.GetTagName(),
		Body: r.GetBody(),
	}
}

func fromReleaseAsset(a *github.ReleaseAsset) *Asset {
	return &Asset{
		ID:          a.GetID(),
		Name:        a.GetName(),
		Size:        int64(a.GetSize()),
		DownloadURL: a.GetBrowserDownloadURL(),
	}
}
