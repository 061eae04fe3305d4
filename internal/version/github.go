package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubSource resolves the latest release tag of a GitHub repository.
type GitHubSource struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Retries is the number of additional attempts on transient failures.
	Retries uint64
	// RetryInterval is the wait between attempts.
	RetryInterval time.Duration
}

// NewGitHubSource creates a source with a bounded request timeout.
func NewGitHubSource(token string, timeout time.Duration) *GitHubSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GitHubSource{
		BaseURL:       DefaultGitHubAPI,
		Token:         token,
		HTTPClient:    &http.Client{Timeout: timeout},
		Retries:       2,
		RetryInterval: time.Second,
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name"`
	Prerelease bool   `json:"prerelease"`
	Draft      bool   `json:"draft"`
}

// Latest returns the tag of the latest release of repo ("owner/name").
func (g *GitHubSource) Latest(ctx context.Context, repo string) (string, error) {
	if repo == "" {
		return "", fmt.Errorf("no upstream repository configured")
	}
	base := strings.TrimRight(g.BaseURL, "/")
	if base == "" {
		base = DefaultGitHubAPI
	}
	url := fmt.Sprintf("%s/repos/%s/releases/latest", base, repo)

	var release githubRelease
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if g.Token != "" {
			req.Header.Set("Authorization", "token "+g.Token)
		}
		req.Header.Set("Accept", "application/vnd.github.v3+json")

		client := g.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch release: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("github API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(g.RetryInterval)
	b = backoff.WithMaxRetries(b, g.Retries)
	if err := backoff.Retry(fetch, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	if release.TagName == "" {
		return "", fmt.Errorf("release of %s has no tag", repo)
	}
	return release.TagName, nil
}
