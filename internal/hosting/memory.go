package hosting

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is a map-backed Host with the same semantics as the GitHub
// implementation: race-convergent creation, unique asset names, releases
// that take their assets with them. It backs tests and the `memory`
// server backend.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	refs     map[string]string // repo/tag -> commit
	releases map[string]*memRelease
	byID     map[int64]*memRelease
}

type memRelease struct {
	release Release
	repo    Repo
	assets  []*memAsset
}

type memAsset struct {
	asset Asset
	data  []byte
}

// NewMemory creates an empty in-memory host.
func NewMemory() *Memory {
	return &Memory{
		refs:     make(map[string]string),
		releases: make(map[string]*memRelease),
		byID:     make(map[int64]*memRelease),
	}
}

func refKey(repo Repo, tag string) string { return repo.String() + "/" + tag }

func (m *Memory) EnsureRef(_ context.Context, repo Repo, tag, commit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey(repo, tag)
	if existing, ok := m.refs[key]; ok {
		if existing == commit {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRefConflict, key)
	}
	m.refs[key] = commit
	return nil
}

func (m *Memory) DeleteRef(_ context.Context, repo Repo, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refs, refKey(repo, tag))
	return nil
}

func (m *Memory) EnsureRelease(_ context.Context, repo Repo, tag string) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey(repo, tag)
	if r, ok := m.releases[key]; ok {
		release := r.release
		return &release, nil
	}
	m.nextID++
	r := &memRelease{
		release: Release{ID: m.nextID, Tag: tag},
		repo:    repo,
	}
	m.releases[key] = r
	m.byID[r.release.ID] = r
	release := r.release
	return &release, nil
}

func (m *Memory) GetReleaseByTag(_ context.Context, repo Repo, tag string) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.releases[refKey(repo, tag)]
	if !ok {
		return nil, fmt.Errorf("%w: release %s/%s", ErrNotFound, repo, tag)
	}
	release := r.release
	return &release, nil
}

func (m *Memory) UpdateReleaseBody(_ context.Context, _ Repo, releaseID int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[releaseID]
	if !ok {
		return fmt.Errorf("%w: release %d", ErrNotFound, releaseID)
	}
	r.release.Body = body
	return nil
}

func (m *Memory) DeleteRelease(_ context.Context, _ Repo, releaseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[releaseID]
	if !ok {
		return nil
	}
	delete(m.byID, releaseID)
	delete(m.releases, refKey(r.repo, r.release.Tag))
	return nil
}

func (m *Memory) UploadAsset(_ context.Context, _ Repo, releaseID int64, name string, data []byte) (*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[releaseID]
	if !ok {
		return nil, fmt.Errorf("%w: release %d", ErrNotFound, releaseID)
	}
	for _, a := range r.assets {
		if a.asset.Name == name {
			return nil, fmt.Errorf("%w: %s", ErrAssetExists, name)
		}
	}
	m.nextID++
	a := &memAsset{
		asset: Asset{
			ID:          m.nextID,
			Name:        name,
			Size:        int64(len(data)),
			DownloadURL: fmt.Sprintf("memory://%s/%s/%s", r.repo, r.release.Tag, name),
		},
		data: append([]byte(nil), data...),
	}
	r.assets = append(r.assets, a)
	asset := a.asset
	return &asset, nil
}

func (m *Memory) ListAssets(_ context.Context, _ Repo, releaseID int64) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[releaseID]
	if !ok {
		return nil, fmt.Errorf("%w: release %d", ErrNotFound, releaseID)
	}
	assets := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		assets = append(assets, a.asset)
	}
	return assets, nil
}

func (m *Memory) DownloadAsset(_ context.Context, _ Repo, assetID int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		for _, a := range r.assets {
			if a.asset.ID == assetID {
				return append([]byte(nil), a.data...), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: asset %d", ErrNotFound, assetID)
}

func (m *Memory) DeleteAsset(_ context.Context, _ Repo, assetID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		for i, a := range r.assets {
			if a.asset.ID == assetID {
				r.assets = append(r.assets[:i], r.assets[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *Memory) DefaultBranchHead(_ context.Context, _ Repo) (string, error) {
	return "0000000000000000000000000000000000000000", nil
}

func (m *Memory) SearchReleases(_ context.Context, query string) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []SearchResult
	for _, r := range m.releases {
		if query == "" || strings.Contains(r.repo.Name, query) {
			results = append(results, SearchResult{Repo: r.repo, Tag: r.release.Tag})
		}
	}
	return results, nil
}

// Corrupt replaces the stored bytes of the named asset without touching
// anything else. Test hook for checksum verification.
func (m *Memory) Corrupt(repo Repo, tag, name string, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.releases[refKey(repo, tag)]
	if !ok {
		return false
	}
	for _, a := range r.assets {
		if a.asset.Name == name {
			a.data = append([]byte(nil), data...)
			return true
		}
	}
	return false
}
