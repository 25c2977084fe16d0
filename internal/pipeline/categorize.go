package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
)

// CategoryOther is assigned when no keyword rule matches.
const CategoryOther = "Other"

// categoryRules map normalized-name keywords to a category. First match
// wins, so more specific rules sit before broader ones.
var categoryRules = []struct {
	category string
	keywords []string
}{
	{"Communication", []string{"slack", "zoom", "teams", "discord", "meet", "webex", "telegram"}},
	{"Design", []string{"figma", "sketch", "canva", "miro", "invision"}},
	{"Developer Tools", []string{"github", "gitlab", "bitbucket", "sentry", "postman", "jira", "circleci", "vercel"}},
	{"Productivity", []string{"notion", "asana", "trello", "airtable", "monday", "clickup", "todoist", "calendly"}},
	{"Storage & Files", []string{"drive", "dropbox", "box", "onedrive"}},
	{"CRM & Sales", []string{"salesforce", "hubspot", "pipedrive", "intercom", "zendesk"}},
	{"Analytics", []string{"amplitude", "mixpanel", "looker", "tableau", "datadog"}},
}

// Categorize assigns a category to every application of the organization
// that does not have one yet. It runs fire-and-forget after a completed
// import but can also be invoked on demand; failures never affect any
// run's terminal status.
func (o *Orchestrator) Categorize(ctx context.Context, orgID string) error {
	apps, err := o.store.ApplicationsByOrg(ctx, orgID)
	if err != nil {
		return fmt.Errorf("pipeline: categorize: list applications: %w", err)
	}

	assigned := 0
	for _, app := range apps {
		if app.Category != "" {
			continue
		}
		if err := o.store.SetApplicationCategory(ctx, app.ID, categorize(app.Name)); err != nil {
			return fmt.Errorf("pipeline: categorize %s: %w", app.ID, err)
		}
		assigned++
	}

	if assigned > 0 {
		o.log.Info("categorization finished", "org", orgID, "assigned", assigned)
	}
	return nil
}

// categorize matches the normalized application name against the rules.
func categorize(name string) string {
	key := grants.NormalizeAppName(name)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(key, kw) {
				return rule.category
			}
		}
	}
	return CategoryOther
}
