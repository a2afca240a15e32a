package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name         string
		utterance    string
		active       *Intent
		recentTypes  []string
		wantAction   Action
		wantResource string
		wantContinue bool
		wantClarify  bool
	}{
		{
			name:         "create bucket",
			utterance:    "create a storage bucket named archive-logs",
			wantAction:   ActionCreate,
			wantResource: "object-store",
		},
		{
			name:         "create database",
			utterance:    "create a database",
			wantAction:   ActionCreate,
			wantResource: "relational-db",
		},
		{
			name:         "launch server",
			utterance:    "launch a new server for the staging environment",
			wantAction:   ActionCreate,
			wantResource: "compute-instance",
		},
		{
			name:         "destroy by service name",
			utterance:    "terminate the ec2 instance",
			wantAction:   ActionDestroy,
			wantResource: "compute-instance",
		},
		{
			name:         "list plural",
			utterance:    "list my buckets",
			wantAction:   ActionList,
			wantResource: "object-store",
		},
		{
			name:         "modify",
			utterance:    "resize the instance",
			wantAction:   ActionModify,
			wantResource: "compute-instance",
		},
		{
			name:         "cost beats embedded create verb",
			utterance:    "how much would it cost to create a postgres database",
			wantAction:   ActionEstimateCost,
			wantResource: "relational-db",
		},
		{
			name:         "strong token beats weak collision",
			utterance:    "create a dynamodb table",
			wantAction:   ActionCreate,
			wantResource: "nosql-table",
		},
		{
			name:         "weak tie broken by recent type",
			utterance:    "delete that one",
			wantAction:   ActionDestroy,
			wantClarify:  true,
		},
		{
			name:         "continuation while collecting",
			utterance:    "name it web-01",
			active:       &Intent{Action: ActionCreate, ResourceType: "compute-instance"},
			wantContinue: true,
		},
		{
			name:         "new intent replaces active one",
			utterance:    "actually, delete the bucket instead",
			active:       &Intent{Action: ActionCreate, ResourceType: "compute-instance"},
			wantAction:   ActionDestroy,
			wantResource: "object-store",
		},
		{
			name:        "action without resource asks",
			utterance:   "create something",
			wantClarify: true,
		},
		{
			name:        "no action asks",
			utterance:   "banana",
			wantClarify: true,
		},
		{
			name:        "empty asks",
			utterance:   "   ",
			wantClarify: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.utterance, tt.active, tt.recentTypes)
			if tt.wantContinue {
				assert.True(t, res.Continuation)
				assert.Nil(t, res.Intent)
				return
			}
			if tt.wantClarify {
				assert.True(t, res.NeedsClarification)
				assert.NotEmpty(t, res.Question)
				return
			}
			require.NotNil(t, res.Intent)
			assert.Equal(t, tt.wantAction, res.Intent.Action)
			assert.Equal(t, tt.wantResource, res.Intent.ResourceType)
		})
	}
}

func TestClassifyTieBreaks(t *testing.T) {
	c := NewClassifier()

	// 1. "user" is weak for identity-principal only, resolves directly.
	res := c.Classify("create a user", nil, nil)
	require.NotNil(t, res.Intent)
	assert.Equal(t, "identity-principal", res.Intent.ResourceType)

	// 2. A weak collision goes to the session's most recent type.
	res = c.Classify("list db tables", nil, []string{"relational-db"})
	require.NotNil(t, res.Intent)
	assert.Equal(t, "relational-db", res.Intent.ResourceType)

	// 3. With no history the alphabetically first candidate wins, so the
	// same utterance always resolves the same way.
	res = c.Classify("list db tables", nil, nil)
	require.NotNil(t, res.Intent)
	assert.Equal(t, "nosql-table", res.Intent.ResourceType)
}
