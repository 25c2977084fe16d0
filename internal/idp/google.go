package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://admin.googleapis.com"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	usersPageSize  = 500
)

// GoogleClient reads the Workspace admin directory: the user list and the
// per-user OAuth token list. Access tokens are minted from the refresh
// token on demand; all requests share one rate limiter so a large
// directory cannot burn the admin API quota in a burst.
type GoogleClient struct {
	base    string
	httpc   *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ Client = (*GoogleClient)(nil)

// NewGoogle creates a client with default pacing (5 req/s, burst 10).
func NewGoogle() *GoogleClient {
	return &GoogleClient{
		base:    defaultBaseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		log:     slog.Default().With("component", "idp.google"),
	}
}

// WithBaseURL overrides the API endpoint. Used by tests.
func (g *GoogleClient) WithBaseURL(u string) *GoogleClient {
	if u != "" {
		g.base = u
	}
	return g
}

// WithRateLimit overrides request pacing. Values <= 0 are ignored.
func (g *GoogleClient) WithRateLimit(perSecond float64, burst int) *GoogleClient {
	if perSecond > 0 && burst > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return g
}

// WithLogger overrides the client logger.
func (g *GoogleClient) WithLogger(l *slog.Logger) *GoogleClient {
	if l != nil {
		g.log = l
	}
	return g
}

// authClient builds an http.Client whose transport injects and refreshes
// the access token derived from creds.
func (g *GoogleClient) authClient(ctx context.Context, creds Credentials) *http.Client {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpc)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	return oauth2.NewClient(ctx, ts)
}

type googleUser struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	Name         struct {
		FullName string `json:"fullName"`
	} `json:"name"`
	Suspended bool `json:"suspended"`
}

type usersPage struct {
	Users         []googleUser `json:"users"`
	NextPageToken string       `json:"nextPageToken"`
}

type tokenItem struct {
	ClientID     string       `json:"clientId"`
	DisplayText  string       `json:"displayText"`
	Scopes       []string     `json:"scopes"`
	ScopeData    []ScopeDatum `json:"scopeData"`
	RawScopeText string       `json:"scopeText"`
	OAuthScopes  string       `json:"oauthScopes"`
}

type tokensPage struct {
	Items []tokenItem `json:"items"`
}

// FetchUsers lists every user in the customer directory, following pages.
func (g *GoogleClient) FetchUsers(ctx context.Context, creds Credentials) ([]DirectoryUser, error) {
	hc := g.authClient(ctx, creds)

	var out []DirectoryUser
	pageToken := ""
	for {
		endpoint := fmt.Sprintf("%s/admin/directory/v1/users?customer=my_customer&maxResults=%d", g.base, usersPageSize)
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page usersPage
		if err := g.getJSON(ctx, hc, endpoint, &page); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, u := range page.Users {
			out = append(out, DirectoryUser{
				Key:       u.ID,
				Email:     u.PrimaryEmail,
				Name:      u.Name.FullName,
				Suspended: u.Suspended,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// FetchGrantRecords lists the OAuth tokens of every active directory user.
// Auth and quota errors abort the fetch; a failure against a single user
// is logged and that user is skipped.
func (g *GoogleClient) FetchGrantRecords(ctx context.Context, creds Credentials) ([]GrantRecord, error) {
	users, err := g.FetchUsers(ctx, creds)
	if err != nil {
		return nil, err
	}

	hc := g.authClient(ctx, creds)

	var out []GrantRecord
	for _, u := range users {
		if u.Suspended {
			continue
		}

		endpoint := fmt.Sprintf("%s/admin/directory/v1/users/%s/tokens", g.base, url.PathEscape(u.Key))
		var page tokensPage
		if err := g.getJSON(ctx, hc, endpoint, &page); err != nil {
			if isFatal(err) {
				return nil, fmt.Errorf("list tokens for %s: %w", u.Email, err)
			}
			g.log.Warn("skipping user token list", "user", u.Email, "error", err)
			continue
		}

		for _, it := range page.Items {
			out = append(out, GrantRecord{
				UserKey:      u.Key,
				UserEmail:    u.Email,
				DisplayText:  it.DisplayText,
				ClientID:     it.ClientID,
				Scopes:       it.Scopes,
				ScopeData:    it.ScopeData,
				RawScopeText: it.RawScopeText,
				OAuthScopes:  it.OAuthScopes,
			})
		}
	}
	return out, nil
}

func isFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrQuota)
}

func (g *GoogleClient) getJSON(ctx context.Context, hc *http.Client, endpoint string, dst any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(dst)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, snippet(resp.Body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuota, snippet(resp.Body))
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(resp.Body))
	}
}

// snippet reads a bounded prefix of an error body for log context.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(b)
}
