package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// actionPatterns are checked in order; the first match wins. Cost questions
// come first because they often embed a provisioning verb ("how much would
// it cost to create...").
var actionPatterns = []struct {
	action  Action
	pattern *regexp.Regexp
}{
	{ActionEstimateCost, regexp.MustCompile(`(?i)\b(cost|price|pricing|how much|estimate)\b`)},
	{ActionDestroy, regexp.MustCompile(`(?i)\b(destroy|delete|terminate|remove|tear down|teardown|drop)\b`)},
	{ActionModify, regexp.MustCompile(`(?i)\b(modify|update|change|resize|increase|decrease|scale|rename)\b`)},
	{ActionList, regexp.MustCompile(`(?i)\b(list|show|display|view|enumerate)\b`)},
	{ActionCreate, regexp.MustCompile(`(?i)\b(create|launch|provision|spin up|make|set up|setup|deploy|build|add)\b`)},
	{ActionQuery, regexp.MustCompile(`(?i)\b(what|how|why|which|explain|describe|tell me)\b`)},
}

// resourcePatterns map tokens to resource types. Strong tokens are
// unambiguous service names; weak tokens are generic words that can collide
// across types.
var resourcePatterns = []struct {
	resourceType string
	strong       *regexp.Regexp
	weak         *regexp.Regexp
}{
	{
		resourceType: "compute-instance",
		strong:       regexp.MustCompile(`(?i)\b(ec2|compute instances?)\b`),
		weak:         regexp.MustCompile(`(?i)\b(instances?|servers?|vms?|virtual machines?|machines?)\b`),
	},
	{
		resourceType: "object-store",
		strong:       regexp.MustCompile(`(?i)\b(s3|object stores?|object storage)\b`),
		weak:         regexp.MustCompile(`(?i)\b(buckets?|storage)\b`),
	},
	{
		resourceType: "relational-db",
		strong:       regexp.MustCompile(`(?i)\b(rds|postgres|postgresql|mysql|mariadb|relational)\b`),
		weak:         regexp.MustCompile(`(?i)\b(databases?|db)\b`),
	},
	{
		resourceType: "nosql-table",
		strong:       regexp.MustCompile(`(?i)\b(dynamodb|dynamo|nosql)\b`),
		weak:         regexp.MustCompile(`(?i)\b(tables?|key.values?)\b`),
	},
	{
		resourceType: "identity-principal",
		strong:       regexp.MustCompile(`(?i)\b(iam users?)\b`),
		weak:         regexp.MustCompile(`(?i)\b(users?|principals?|accounts?)\b`),
	},
	{
		resourceType: "identity-role",
		strong:       regexp.MustCompile(`(?i)\b(iam roles?)\b`),
		weak:         regexp.MustCompile(`(?i)\b(roles?)\b`),
	},
	{
		resourceType: "identity-policy",
		strong:       regexp.MustCompile(`(?i)\b(iam polic(?:y|ies))\b`),
		weak:         regexp.MustCompile(`(?i)\b(polic(?:y|ies)|permissions?)\b`),
	},
}

// Classifier resolves utterances into intents.
type Classifier struct{}

// NewClassifier returns a ready classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify resolves one utterance. active is the session's current intent,
// nil when idle. recentTypes lists resource types the session touched, most
// recent first; it breaks ties between weak resource matches.
func (c *Classifier) Classify(utterance string, active *Intent, recentTypes []string) Result {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return Result{
			NeedsClarification: true,
			Question:           "I didn't catch that. What would you like to do?",
		}
	}

	action, hasAction := matchAction(text)

	// An utterance without a provisioning verb while an intent is in flight
	// is material for that intent, not a new one.
	if active != nil && (!hasAction || action == ActionQuery) {
		return Result{Continuation: true}
	}

	if !hasAction {
		return Result{
			NeedsClarification: true,
			Question:           "I can create, modify, destroy or list infrastructure, or estimate costs. What would you like to do?",
		}
	}

	resourceType, resolved := matchResource(text, recentTypes)
	if !resolved {
		// Free-form questions don't need a resource type.
		if action == ActionQuery || action == ActionEstimateCost {
			return Result{Intent: &Intent{Action: action}}
		}
		return Result{
			NeedsClarification: true,
			Question: fmt.Sprintf(
				"What kind of resource would you like to %s? For example a compute instance, a storage bucket, or a relational database.",
				action),
		}
	}

	return Result{Intent: &Intent{Action: action, ResourceType: resourceType}}
}

func matchAction(text string) (Action, bool) {
	for _, ap := range actionPatterns {
		if ap.pattern.MatchString(text) {
			return ap.action, true
		}
	}
	return "", false
}

// matchResource returns the single best resource type match. Strong tokens
// beat weak ones; among equal weak matches the session's most recently used
// type wins, then the alphabetically first.
func matchResource(text string, recentTypes []string) (string, bool) {
	var strong, weak []string
	for _, rp := range resourcePatterns {
		if rp.strong.MatchString(text) {
			strong = append(strong, rp.resourceType)
			continue
		}
		if rp.weak.MatchString(text) {
			weak = append(weak, rp.resourceType)
		}
	}

	pick := func(candidates []string) string {
		if len(candidates) == 1 {
			return candidates[0]
		}
		for _, recent := range recentTypes {
			for _, c := range candidates {
				if c == recent {
					return c
				}
			}
		}
		sort.Strings(candidates)
		return candidates[0]
	}

	if len(strong) > 0 {
		return pick(strong), true
	}
	if len(weak) > 0 {
		return pick(weak), true
	}
	return "", false
}
