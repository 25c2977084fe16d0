package idp

import (
	"context"
	"slices"
	"sync"
)

// Mock is an in-memory Client for tests and for running the worker without
// provider credentials.
type Mock struct {
	mu sync.Mutex

	Users  []DirectoryUser
	Grants []GrantRecord

	UsersErr  error
	GrantsErr error

	FetchUserCalls  int
	FetchGrantCalls int
}

var _ Client = (*Mock)(nil)

func (m *Mock) FetchUsers(_ context.Context, _ Credentials) ([]DirectoryUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchUserCalls++
	if m.UsersErr != nil {
		return nil, m.UsersErr
	}
	return slices.Clone(m.Users), nil
}

func (m *Mock) FetchGrantRecords(_ context.Context, _ Credentials) ([]GrantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchGrantCalls++
	if m.GrantsErr != nil {
		return nil, m.GrantsErr
	}
	return slices.Clone(m.Grants), nil
}

// SampleMock returns a Mock preloaded with a small plausible workspace:
// three users and a spread of grants exercising every scope field shape.
func SampleMock() *Mock {
	return &Mock{
		Users: []DirectoryUser{
			{Key: "u-100", Email: "ana@example.com", Name: "Ana Alvarez"},
			{Key: "u-101", Email: "bo@example.com", Name: "Bo Lindqvist"},
			{Key: "u-102", Email: "cam@example.com", Name: "Cam Osei"},
		},
		Grants: []GrantRecord{
			{
				UserKey: "u-100", UserEmail: "ana@example.com",
				DisplayText: "Slack", ClientID: "slack.example.apps.googleusercontent.com",
				Scopes: []string{"openid", "email", "https://www.googleapis.com/auth/drive.readonly"},
			},
			{
				UserKey: "u-101", UserEmail: "bo@example.com",
				DisplayText: "Slack", ClientID: "slack.example.apps.googleusercontent.com",
				RawScopeText: "openid https://www.googleapis.com/auth/drive",
			},
			{
				UserKey: "u-101", UserEmail: "bo@example.com",
				DisplayText: "Figma", ClientID: "figma.example.apps.googleusercontent.com",
				ScopeData: []ScopeDatum{
					{Scope: "https://www.googleapis.com/auth/userinfo.profile"},
					{Scope: "https://www.googleapis.com/auth/userinfo.email"},
				},
			},
			{
				UserKey: "u-102", UserEmail: "cam@example.com",
				DisplayText: "Zoom", ClientID: "zoom.example.apps.googleusercontent.com",
				OAuthScopes: "openid, https://www.googleapis.com/auth/calendar",
			},
			{
				UserKey: "u-102", UserEmail: "cam@example.com",
				DisplayText: "legacy-sync-tool", ClientID: "legacy.example.apps.googleusercontent.com",
			},
		},
	}
}
