package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/kmanoj03/repopulse/internal/errs"
)

// maxGetRetries bounds idempotent GET retries (spec §4.A: "≤3 attempts").
const maxGetRetries = 3

// Client is a thin, installation-scoped wrapper over the upstream
// platform's REST surface.
type Client struct {
	broker     *Broker
	apiBaseURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient builds a Client that mints installation tokens from b on demand.
func NewClient(b *Broker, apiBaseURL string) *Client {
	return &Client{
		broker:     b,
		apiBaseURL: apiBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "platform-api",
			MaxRequests: 2,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// PRRef identifies a pull request on the upstream platform.
type PRRef struct {
	InstallationID int64
	RepoFullName   string
	Number         int
}

// PRMetadata is the subset of upstream PR fields this system cares about.
type PRMetadata struct {
	Title      string
	Author     string
	BranchFrom string
	BranchTo   string
	State      string
	Merged     bool
	HTMLURL    string
}

// PRFile is one file changed in a pull request, as returned by the upstream
// platform's file-list endpoint.
type PRFile struct {
	Filename  string
	Additions int
	Deletions int
	Patch     string
}

// RepoRef identifies a repository accessible to an installation.
type RepoRef struct {
	RepoID       string
	RepoFullName string
	Private      bool
}

// GetPR fetches pull request metadata (spec §4.A.3 getPR).
func (c *Client) GetPR(ctx context.Context, ref PRRef) (PRMetadata, error) {
	var out PRMetadata
	path := fmt.Sprintf("/repos/%s/pulls/%d", ref.RepoFullName, ref.Number)

	var raw struct {
		Title string `json:"title"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
		HTMLURL string `json:"html_url"`
	}

	if err := c.getJSON(ctx, ref.InstallationID, path, &raw); err != nil {
		return out, err
	}

	out = PRMetadata{
		Title:      raw.Title,
		Author:     raw.User.Login,
		BranchFrom: raw.Head.Ref,
		BranchTo:   raw.Base.Ref,
		State:      raw.State,
		Merged:     raw.Merged,
		HTMLURL:    raw.HTMLURL,
	}
	return out, nil
}

// ListPRFiles fetches up to 100 changed files for a pull request (spec §4.A.3
// listPRFiles, spec §4.E step 4: "≤100 files").
func (c *Client) ListPRFiles(ctx context.Context, ref PRRef) ([]PRFile, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100", ref.RepoFullName, ref.Number)

	var raw []struct {
		Filename  string `json:"filename"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Patch     string `json:"patch"`
	}
	if err := c.getJSON(ctx, ref.InstallationID, path, &raw); err != nil {
		return nil, err
	}

	files := make([]PRFile, 0, len(raw))
	for _, f := range raw {
		files = append(files, PRFile{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions, Patch: f.Patch})
	}
	return files, nil
}

// ListReposAccessibleToInstallation lists repositories granted to installationID.
func (c *Client) ListReposAccessibleToInstallation(ctx context.Context, installationID int64) ([]RepoRef, error) {
	var raw struct {
		Repositories []struct {
			ID       int64  `json:"id"`
			FullName string `json:"full_name"`
			Private  bool   `json:"private"`
		} `json:"repositories"`
	}
	if err := c.getJSON(ctx, installationID, "/installation/repositories?per_page=100", &raw); err != nil {
		return nil, err
	}

	repos := make([]RepoRef, 0, len(raw.Repositories))
	for _, r := range raw.Repositories {
		repos = append(repos, RepoRef{RepoID: fmt.Sprintf("%d", r.ID), RepoFullName: r.FullName, Private: r.Private})
	}
	return repos, nil
}

// ListOrgMembers pages an organization's public+private members, falling
// back to listPublicMembers if access is forbidden (spec §4.H).
func (c *Client) ListOrgMembers(ctx context.Context, installationID int64, org string) ([]string, error) {
	var raw []struct {
		Login string `json:"login"`
	}

	err := c.getJSON(ctx, installationID, fmt.Sprintf("/orgs/%s/members?per_page=100", org), &raw)
	if err != nil && isForbidden(err) {
		raw = nil
		err = c.getJSON(ctx, installationID, fmt.Sprintf("/orgs/%s/public_members?per_page=100", org), &raw)
	}
	if err != nil {
		return nil, err
	}

	logins := make([]string, 0, len(raw))
	for _, m := range raw {
		logins = append(logins, m.Login)
	}
	return logins, nil
}

// GetInstallation fetches installation-level metadata (account type, login).
func (c *Client) GetInstallation(ctx context.Context, installationID int64) (accountType, accountLogin, avatarURL string, err error) {
	var raw struct {
		Account struct {
			Login     string `json:"login"`
			Type      string `json:"type"`
			AvatarURL string `json:"avatar_url"`
		} `json:"account"`
	}
	if err := c.getJSON(ctx, installationID, "/app/installations", &raw); err != nil {
		return "", "", "", err
	}

	accountType = "user"
	if raw.Account.Type == "Organization" {
		accountType = "organization"
	}
	return accountType, raw.Account.Login, raw.Account.AvatarURL, nil
}

type httpStatusError struct {
	status int
	err    error
}

func (e *httpStatusError) Error() string { return e.err.Error() }
func (e *httpStatusError) Unwrap() error { return e.err }

func isForbidden(err error) bool {
	var statusErr *httpStatusError
	return asStatusError(err, &statusErr) && statusErr.status == http.StatusForbidden
}

func asStatusError(err error, target **httpStatusError) bool {
	for err != nil {
		if se, ok := err.(*httpStatusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// getJSON performs an installation-authenticated GET, retrying idempotent
// 5xx responses with capped exponential backoff through a circuit breaker
// (spec §4.A: "MAY retry idempotent GETs on 5xx with capped exponential
// backoff (≤3 attempts)").
func (c *Client) getJSON(ctx context.Context, installationID int64, path string, out any) error {
	op := func() (*http.Response, error) {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, installationID, path)
		})
		if err != nil {
			return nil, err
		}
		return result.(*http.Response), nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxGetRetries),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSON(resp, out)
}

func (c *Client) doGet(ctx context.Context, installationID int64, path string) (*http.Response, error) {
	tok, err := c.broker.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.UpstreamTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("upstream status %d: %w", resp.StatusCode, errs.UpstreamTransient)
	case resp.StatusCode == http.StatusForbidden:
		status := resp.StatusCode
		resp.Body.Close()
		return nil, backoff.Permanent(&httpStatusError{status: status, err: fmt.Errorf("upstream status %d: %w", status, errs.UpstreamPermanent)})
	case resp.StatusCode >= 400:
		status := resp.StatusCode
		resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("upstream status %d: %w", status, errs.UpstreamPermanent))
	}

	return resp, nil
}

func decodeJSON(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
