package docs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Registry string

const (
	RegistryPyPI   Registry = "pypi"
	RegistryNPM    Registry = "npm"
	RegistryGitHub Registry = "github"
)

// ErrPackageNotFound is returned when the registry has no such package.
var ErrPackageNotFound = errors.New("package not found")

const maxBodySize = 8 << 20

func ParseRegistry(s string) (Registry, error) {
	switch r := Registry(s); r {
	case RegistryPyPI, RegistryNPM, RegistryGitHub:
		return r, nil
	default:
		return "", fmt.Errorf("unsupported registry %q", s)
	}
}

// Package is the registry metadata returned to callers.
type Package struct {
	Registry    Registry `json:"registry"`
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	License     string   `json:"license,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	RetrievedAt string   `json:"retrieved_at"`
}

// Fetcher looks up package metadata in an upstream registry.
type Fetcher interface {
	Fetch(ctx context.Context, registry Registry, name string) (*Package, error)
}

// HTTPFetcher queries the public registry JSON APIs.
type HTTPFetcher struct {
	client *http.Client
	bases  map[Registry]string
	now    func() time.Time
}

// NewHTTPFetcher builds a fetcher. Base URLs have no trailing slash, e.g.
// https://pypi.org/pypi.
func NewHTTPFetcher(client *http.Client, pypiURL, npmURL, githubURL string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		client: client,
		bases: map[Registry]string{
			RegistryPyPI:   strings.TrimRight(pypiURL, "/"),
			RegistryNPM:    strings.TrimRight(npmURL, "/"),
			RegistryGitHub: strings.TrimRight(githubURL, "/"),
		},
		now: time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, registry Registry, name string) (*Package, error) {
	var (
		pkg *Package
		err error
	)
	switch registry {
	case RegistryPyPI:
		pkg, err = f.fetchPyPI(ctx, name)
	case RegistryNPM:
		pkg, err = f.fetchNPM(ctx, name)
	case RegistryGitHub:
		pkg, err = f.fetchGitHub(ctx, name)
	default:
		return nil, fmt.Errorf("unsupported registry %q", registry)
	}
	if err != nil {
		return nil, err
	}
	pkg.Registry = registry
	pkg.RetrievedAt = f.now().UTC().Format(time.RFC3339)
	return pkg, nil
}

func (f *HTTPFetcher) fetchPyPI(ctx context.Context, name string) (*Package, error) {
	var body struct {
		Info struct {
			Name     string `json:"name"`
			Version  string `json:"version"`
			Summary  string `json:"summary"`
			HomePage string `json:"home_page"`
			License  string `json:"license"`
			Keywords string `json:"keywords"`
		} `json:"info"`
	}
	if err := f.getJSON(ctx, f.bases[RegistryPyPI]+"/"+url.PathEscape(name)+"/json", &body); err != nil {
		return nil, err
	}
	return &Package{
		Name:     body.Info.Name,
		Version:  body.Info.Version,
		Summary:  body.Info.Summary,
		Homepage: body.Info.HomePage,
		License:  body.Info.License,
		Keywords: strings.FieldsFunc(body.Info.Keywords, func(r rune) bool { return r == ',' || r == ' ' }),
	}, nil
}

func (f *HTTPFetcher) fetchNPM(ctx context.Context, name string) (*Package, error) {
	var body struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Homepage    string            `json:"homepage"`
		License     json.RawMessage   `json:"license"`
		Keywords    []string          `json:"keywords"`
		DistTags    map[string]string `json:"dist-tags"`
	}
	// Scoped names are requested as @scope%2Fname.
	if err := f.getJSON(ctx, f.bases[RegistryNPM]+"/"+url.PathEscape(name), &body); err != nil {
		return nil, err
	}
	return &Package{
		Name:     body.Name,
		Version:  body.DistTags["latest"],
		Summary:  body.Description,
		Homepage: body.Homepage,
		License:  npmLicense(body.License),
		Keywords: body.Keywords,
	}, nil
}

func (f *HTTPFetcher) fetchGitHub(ctx context.Context, name string) (*Package, error) {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("github package must be owner/repo, got %q", name)
	}
	var body struct {
		FullName    string   `json:"full_name"`
		Description string   `json:"description"`
		HTMLURL     string   `json:"html_url"`
		Topics      []string `json:"topics"`
		License     *struct {
			SPDXID string `json:"spdx_id"`
		} `json:"license"`
	}
	if err := f.getJSON(ctx, f.bases[RegistryGitHub]+"/"+url.PathEscape(owner)+"/"+url.PathEscape(repo), &body); err != nil {
		return nil, err
	}
	pkg := &Package{
		Name:     body.FullName,
		Summary:  body.Description,
		Homepage: body.HTMLURL,
		Keywords: body.Topics,
	}
	if body.License != nil {
		pkg.License = body.License.SPDXID
	}
	return pkg, nil
}

func (f *HTTPFetcher) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "docgate/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrPackageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", req.URL.Host, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Host, err)
	}
	return nil
}

// npmLicense accepts both the string and the legacy {"type": ...} forms.
func npmLicense(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Type
	}
	return ""
}
