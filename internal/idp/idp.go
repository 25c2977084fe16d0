// Package idp talks to workspace identity providers. It exposes the two
// calls the import pipeline needs: the organization's user directory and
// the OAuth grant records (third-party app tokens) issued against it.
//
// Providers disagree about where a grant's scopes live. A record may carry
// them as a string list, as nested permission objects, as free-text
// space-delimited blobs, or in provider-specific alternate fields.
// GrantRecord keeps every variant it saw so downstream normalization can
// union them instead of guessing shapes at call sites.
package idp

import (
	"context"
	"errors"
)

var (
	// ErrAuth indicates the provider rejected the supplied credentials.
	ErrAuth = errors.New("idp: authentication failed")
	// ErrQuota indicates the provider throttled or exhausted the API quota.
	ErrQuota = errors.New("idp: quota exceeded")
)

// Credentials selects and authenticates a provider connection.
type Credentials struct {
	Provider     string `json:"provider"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// DirectoryUser is one row of the provider's user directory.
type DirectoryUser struct {
	Key       string
	Email     string
	Name      string
	Suspended bool
}

// ScopeDatum is a nested permission object attached to a grant.
type ScopeDatum struct {
	Scope string `json:"scope"`
	Value string `json:"value"`
}

// GrantRecord is one OAuth grant as returned by the provider, untouched.
// The four scope-bearing fields are alternates; any subset may be set.
type GrantRecord struct {
	UserKey     string
	UserEmail   string
	DisplayText string
	ClientID    string

	Scopes       []string
	ScopeData    []ScopeDatum
	RawScopeText string
	OAuthScopes  string
}

// Client fetches directory and grant data for one organization.
//
// Both calls may fail with ErrAuth or ErrQuota; callers treat any error
// as fatal for the stage that issued the call. Retrying is the caller's
// decision, not the client's.
type Client interface {
	FetchUsers(ctx context.Context, creds Credentials) ([]DirectoryUser, error)
	FetchGrantRecords(ctx context.Context, creds Credentials) ([]GrantRecord, error)
}
