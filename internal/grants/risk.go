package grants

import "strings"

// RiskLevel classifies how much damage a grant's scope set could do.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank orders risk levels for comparison: LOW < MEDIUM < HIGH.
// Unrecognized levels rank below LOW.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Scope keywords that indicate the grant can change or exfiltrate data.
var highRiskMarkers = []string{
	"admin",
	"write",
	"modify",
	"delete",
	"compose",
	"send",
	"full_access",
	"security",
	"directory",
	"mail.google.com",
}

// Scope keywords that indicate broad read access.
var mediumRiskMarkers = []string{
	"readonly",
	"read",
	"drive",
	"calendar",
	"contacts",
	"gmail",
	"metadata",
	"activity",
}

// ScoreRisk classifies a normalized scope set. Any high marker wins, then
// any medium marker; basic identity scopes and unknown score LOW.
func ScoreRisk(scopes []string) RiskLevel {
	level := RiskLow
	for _, scope := range scopes {
		s := strings.ToLower(scope)
		for _, marker := range highRiskMarkers {
			if strings.Contains(s, marker) {
				return RiskHigh
			}
		}
		for _, marker := range mediumRiskMarkers {
			if strings.Contains(s, marker) {
				level = RiskMedium
				break
			}
		}
	}
	return level
}
