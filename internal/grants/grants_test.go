package grants_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/idp"
)

func TestScopeSet_UnionsEveryFieldShape(t *testing.T) {
	rec := idp.GrantRecord{
		Scopes: []string{"openid", "email"},
		ScopeData: []idp.ScopeDatum{
			{Scope: "https://www.googleapis.com/auth/drive"},
			{Value: "https://www.googleapis.com/auth/calendar"},
		},
		RawScopeText: "openid profile",
		OAuthScopes:  "email, https://www.googleapis.com/auth/contacts",
	}

	got := grants.ScopeSet(rec)

	require.Equal(t, []string{
		"email",
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/contacts",
		"https://www.googleapis.com/auth/drive",
		"openid",
		"profile",
	}, got)
}

func TestScopeSet_NoScopesYieldsUnknownSentinel(t *testing.T) {
	got := grants.ScopeSet(idp.GrantRecord{DisplayText: "Mystery App"})
	require.Equal(t, []string{grants.ScopeUnknown}, got)
}

func TestScopeSet_WhitespaceOnlyFieldsYieldUnknown(t *testing.T) {
	got := grants.ScopeSet(idp.GrantRecord{RawScopeText: "   ", OAuthScopes: " , "})
	require.Equal(t, []string{grants.ScopeUnknown}, got)
}

func TestUnionScopes(t *testing.T) {
	got := grants.UnionScopes([]string{"b", "a"}, []string{"c", "a"})
	require.Equal(t, []string{"a", "b", "c"}, got)

	require.Nil(t, grants.UnionScopes(nil, nil))
}

func TestScoreRisk(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   grants.RiskLevel
	}{
		{"identity only", []string{"openid", "email", "profile"}, grants.RiskLow},
		{"unknown sentinel", []string{grants.ScopeUnknown}, grants.RiskLow},
		{"broad read", []string{"https://www.googleapis.com/auth/drive.readonly"}, grants.RiskMedium},
		{"calendar read", []string{"https://www.googleapis.com/auth/calendar"}, grants.RiskMedium},
		{"directory admin", []string{"https://www.googleapis.com/auth/admin.directory.user"}, grants.RiskHigh},
		{"gmail send", []string{"https://www.googleapis.com/auth/gmail.send"}, grants.RiskHigh},
		{"full mailbox", []string{"https://mail.google.com/"}, grants.RiskHigh},
		{"high beats medium", []string{"https://www.googleapis.com/auth/drive.readonly", "https://www.googleapis.com/auth/drive.file.write"}, grants.RiskHigh},
		{"empty", nil, grants.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, grants.ScoreRisk(tt.scopes))
		})
	}
}

func TestMaxRisk(t *testing.T) {
	require.Equal(t, grants.RiskHigh, grants.MaxRisk(grants.RiskLow, grants.RiskHigh))
	require.Equal(t, grants.RiskHigh, grants.MaxRisk(grants.RiskHigh, grants.RiskMedium))
	require.Equal(t, grants.RiskMedium, grants.MaxRisk(grants.RiskMedium, grants.RiskLow))
	require.Equal(t, grants.RiskLow, grants.MaxRisk("", grants.RiskLow))
}

func TestRiskRankOrdering(t *testing.T) {
	require.Less(t, grants.RiskLow.Rank(), grants.RiskMedium.Rank())
	require.Less(t, grants.RiskMedium.Rank(), grants.RiskHigh.Rank())
	require.Less(t, grants.RiskLevel("bogus").Rank(), grants.RiskLow.Rank())
}

func TestNormalizeAppName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Slack", "slack"},
		{"  slack  ", "slack"},
		{"Slàck", "slack"},
		{"Notion (Beta)", "notion beta"},
		{"Google   Drive", "google drive"},
		{"Café-Tool", "cafe tool"},
		{"ZOOM.US", "zoom us"},
		{"", ""},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, grants.NormalizeAppName(tt.in), "input %q", tt.in)
	}
}
