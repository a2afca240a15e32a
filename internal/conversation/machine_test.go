package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat-io/terrachat/internal/cloud"
	"github.com/terrachat-io/terrachat/internal/executor"
	"github.com/terrachat-io/terrachat/internal/extract"
	"github.com/terrachat-io/terrachat/internal/intent"
	"github.com/terrachat-io/terrachat/internal/plan"
	"github.com/terrachat-io/terrachat/internal/recovery"
	"github.com/terrachat-io/terrachat/internal/schema"
	"github.com/terrachat-io/terrachat/internal/store"
	"github.com/terrachat-io/terrachat/internal/suggest"
)

// stubRunner serves canned results, one per run, and can hold a run open
// until released.
type stubRunner struct {
	mu      sync.Mutex
	results []stubResult
	runs    []*plan.Plan
	block   chan struct{}
}

type stubResult struct {
	outputs map[string]string
	err     error
}

func (r *stubRunner) Run(ctx context.Context, p *plan.Plan, emit executor.EventCallback) (*executor.RunResult, error) {
	r.mu.Lock()
	idx := len(r.runs)
	r.runs = append(r.runs, p)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := stubResult{outputs: map[string]string{}}
	if idx < len(r.results) {
		res = r.results[idx]
	}
	if res.err != nil {
		return nil, res.err
	}
	return &executor.RunResult{Outputs: res.outputs}, nil
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type stubAnswerer struct {
	answer string
	err    error
}

func (a *stubAnswerer) Answer(ctx context.Context, utterance, contextNote string) (string, error) {
	return a.answer, a.err
}

type testEnv struct {
	machine *Machine
	runner  *stubRunner
	store   *store.MemoryStore
	reg     *schema.Registry
}

func newTestEnv(t *testing.T, runner *stubRunner) *testEnv {
	t.Helper()
	reg, err := schema.NewRegistry()
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	m := NewMachine(Config{
		Registry:    reg,
		Classifier:  intent.NewClassifier(),
		Extractor:   extract.New(reg, nil),
		Suggester:   suggest.NewEngine(),
		Compiler:    plan.NewCompiler(reg),
		Coordinator: executor.NewCoordinator(runner, time.Minute),
		Advisor:     recovery.NewAdvisor(0),
		Querier:     &cloud.FakeQuerier{},
		Answerer:    &stubAnswerer{answer: "roughly $30 per month"},
		Store:       mem,
	})
	return &testEnv{machine: m, runner: runner, store: mem, reg: reg}
}

func (e *testEnv) turn(t *testing.T, sid, utterance string) *Reply {
	t.Helper()
	reply, err := e.machine.HandleTurn(context.Background(), sid, utterance, nil)
	require.NoError(t, err)
	return reply
}

func (e *testEnv) session(t *testing.T, sid string) *Session {
	t.Helper()
	data, err := e.store.Get(context.Background(), sid)
	require.NoError(t, err)
	sess, err := DecodeSession(data)
	require.NoError(t, err)
	return sess
}

func TestSingleTurnBucketToConfirming(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	// One utterance fills the only required field; no questions asked.
	reply := env.turn(t, "s1", "create a storage bucket named archive-logs")
	assert.Contains(t, reply.Text, "archive-logs")
	assert.Contains(t, reply.Text, "Proceed?")

	sess := env.session(t, "s1")
	assert.Equal(t, StateConfirming, sess.State)
	require.NotNil(t, sess.ActiveIntent)
	assert.Equal(t, intent.ActionCreate, sess.ActiveIntent.Action)
	assert.Equal(t, "object-store", sess.ActiveIntent.ResourceType)

	ps, err := sess.ParamSet(env.reg)
	require.NoError(t, err)
	v, ok := ps.Get("bucketName")
	require.True(t, ok)
	assert.Equal(t, "archive-logs", v)
}

func TestCreateDatabasePromptsEngineFirst(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	reply := env.turn(t, "s1", "create a database")
	require.NotNil(t, reply.Prompt)
	assert.Equal(t, "engine", reply.Prompt.Field)
	assert.NotEmpty(t, reply.Prompt.Suggestions)

	sess := env.session(t, "s1")
	assert.Equal(t, StateCollecting, sess.State)
	assert.Equal(t, "engine", sess.PendingField)
}

func TestCollectingNeverConfirmsWithOutstandingFields(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	env.turn(t, "s1", "create a database")
	answers := []string{"postgres", "16.3", "orders-db", "db.t3.micro", "100", "appadmin"}
	for _, a := range answers {
		env.turn(t, "s1", a)
		sess := env.session(t, "s1")
		assert.Equal(t, StateCollecting, sess.State, "after %q", a)
	}

	// The last required field flips the state.
	reply := env.turn(t, "s1", "s3cretpass")
	assert.Contains(t, reply.Text, "Proceed?")
	sess := env.session(t, "s1")
	assert.Equal(t, StateConfirming, sess.State)

	// Sensitive values never appear in the confirmation summary.
	assert.NotContains(t, reply.Text, "s3cretpass")
}

func TestConfirmRunsAndRecordsHistory(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{outputs: map[string]string{"bucket_arn": "arn:aws:s3:::archive-logs"}},
	}}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	reply := env.turn(t, "s1", "yes")
	assert.True(t, reply.ExecutionStarted)
	assert.NotEmpty(t, reply.PlanID)

	sess := env.session(t, "s1")
	assert.Equal(t, StateExecuting, sess.State)

	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, outcome.Text, "archive-logs is ready")
	assert.Contains(t, outcome.Text, "bucket_arn")

	sess = env.session(t, "s1")
	assert.Equal(t, StateIdle, sess.State)
	assert.Nil(t, sess.ActiveIntent)
	require.Len(t, sess.ResourceHistory, 1)
	assert.Equal(t, "archive-logs", sess.ResourceHistory[0].Name)
	assert.Equal(t, "object-store", sess.ResourceHistory[0].ResourceType)
	assert.Equal(t, "arn:aws:s3:::archive-logs", sess.ResourceHistory[0].Attributes["bucket_arn"])
}

func TestPlanIDStableAcrossPersistence(t *testing.T) {
	runner := &stubRunner{}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create an instance named web-1 from ami-0abcdef1 as a t3.medium in us-east-1a on a gp3 root volume with 20 GB")
	reply := env.turn(t, "s1", "yes")
	require.True(t, reply.ExecutionStarted)

	// The plan compiled from the reloaded session must hash identically to
	// one compiled from freshly typed values.
	ps := schema.NewParameterSet("compute-instance")
	ps.Set("name", "web-1")
	ps.Set("ami", "ami-0abcdef1")
	ps.Set("instanceType", "t3.medium")
	ps.Set("availabilityZone", "us-east-1a")
	ps.Set("rootVolumeType", "gp3")
	ps.Set("rootVolumeSize", 20)
	expected, err := plan.NewCompiler(env.reg).Compile(intent.ActionCreate, ps)
	require.NoError(t, err)
	assert.Equal(t, expected.ID, reply.PlanID)
}

func TestSafetyGateNeedsSecondConfirmation(t *testing.T) {
	runner := &stubRunner{}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a postgres database")
	for _, a := range []string{"16.3", "orders-db", "db.t3.micro", "100", "appadmin", "s3cretpass"} {
		env.turn(t, "s1", a)
	}
	require.Equal(t, StateConfirming, env.session(t, "s1").State)

	// Flag the database public; the re-confirmation must mention the gate.
	reply := env.turn(t, "s1", "publiclyAccessible=true")
	assert.Contains(t, reply.Text, "extra confirmation")
	require.Equal(t, StateConfirming, env.session(t, "s1").State)

	// First yes only arms the gate, nothing runs.
	reply = env.turn(t, "s1", "yes")
	assert.False(t, reply.ExecutionStarted)
	assert.Contains(t, reply.Text, "publiclyAccessible=true")
	sess := env.session(t, "s1")
	assert.Equal(t, StateConfirming, sess.State)
	assert.True(t, sess.AwaitingGate)
	assert.Equal(t, 0, runner.runCount())

	// Second yes executes.
	reply = env.turn(t, "s1", "yes")
	assert.True(t, reply.ExecutionStarted)
	assert.Equal(t, StateExecuting, env.session(t, "s1").State)
}

func TestInvalidParameterFailureReopensField(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{err: errors.New("exit status 1: Error: InvalidParameterValue: invalid instance type 't9.mega'")},
	}}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create an instance named web-1 from ami-0abcdef1 as a t3.medium in us-east-1a on a gp3 root volume")
	reply := env.turn(t, "s1", "yes")
	require.True(t, reply.ExecutionStarted)

	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, outcome.Text, "instanceType")

	sess := env.session(t, "s1")
	assert.Equal(t, StateRecovering, sess.State)
	require.NotNil(t, sess.LastAdvice)
	assert.Equal(t, recovery.ClassInvalidParameter, sess.LastAdvice.Class)
	assert.Equal(t, "instanceType", sess.LastAdvice.Field)
	// The offending field is reopened as outstanding.
	_, filled := sess.Params.Values["instanceType"]
	assert.False(t, filled)

	// The user opts to correct it: recovering -> collecting with the field
	// prompted.
	reply = env.turn(t, "s1", "yes")
	require.NotNil(t, reply.Prompt)
	assert.Equal(t, "instanceType", reply.Prompt.Field)
	assert.Equal(t, StateCollecting, env.session(t, "s1").State)

	// A valid replacement value completes collection again.
	reply = env.turn(t, "s1", "t3.small")
	assert.Contains(t, reply.Text, "Proceed?")
	assert.Equal(t, StateConfirming, env.session(t, "s1").State)
}

func TestCorrectedValueDirectlyFromRecovering(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{err: errors.New("Error: InvalidParameterValue: invalid instance type")},
	}}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create an instance named web-1 from ami-0abcdef1 as a t3.medium in us-east-1a on a gp3 root volume")
	env.turn(t, "s1", "yes")
	_, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, StateRecovering, env.session(t, "s1").State)

	// Supplying the corrected value straight away skips the extra prompt.
	reply := env.turn(t, "s1", "t3.small")
	assert.Contains(t, reply.Text, "Proceed?")
	sess := env.session(t, "s1")
	assert.Equal(t, StateConfirming, sess.State)
	ps, err := sess.ParamSet(env.reg)
	require.NoError(t, err)
	v, _ := ps.Get("instanceType")
	assert.Equal(t, "t3.small", v)
}

func TestTransientFailureRetryAndCap(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{err: errors.New("Error: ThrottlingException: Rate exceeded")},
		{err: errors.New("Error: ThrottlingException: Rate exceeded")},
	}}
	env := newTestEnv(t, runner)
	// Cap of 1: the second transient failure advises abort.
	env.machine.advisor = recovery.NewAdvisor(1)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	env.turn(t, "s1", "yes")
	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, outcome.Text, "retry")

	sess := env.session(t, "s1")
	assert.Equal(t, StateRecovering, sess.State)
	assert.Equal(t, recovery.RemedyRetry, sess.LastAdvice.Remedy)
	assert.Equal(t, 1, sess.TransientAttempts)

	// Retry resubmits the identical plan.
	reply := env.turn(t, "s1", "retry")
	require.True(t, reply.ExecutionStarted)
	outcome, err = env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 2, runner.runCount())
	assert.Equal(t, runner.runs[0].ID, runner.runs[1].ID)

	sess = env.session(t, "s1")
	assert.Equal(t, StateRecovering, sess.State)
	assert.Equal(t, recovery.RemedyAbort, sess.LastAdvice.Remedy)

	// Abort resets to idle.
	env.turn(t, "s1", "abort")
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
}

func TestPermissionFailureAdvisesAbort(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{err: errors.New("Error: UnauthorizedOperation: You are not authorized to perform this operation")},
	}}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	env.turn(t, "s1", "yes")
	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, outcome.Text, "permissions")

	// Retry is refused for permission failures.
	reply := env.turn(t, "s1", "retry")
	assert.Contains(t, reply.Text, "Retrying won't help")
	assert.Equal(t, StateRecovering, env.session(t, "s1").State)

	env.turn(t, "s1", "abort")
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
}

func TestUnknownFailureSurfacesPayloadAndSticks(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{err: errors.New("Error: FluxCapacitorMisaligned: coil out of phase")},
	}}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	env.turn(t, "s1", "yes")
	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)

	// The raw payload reaches the user and stays on the stored session.
	assert.Contains(t, outcome.Text, "FluxCapacitorMisaligned: coil out of phase")
	sess := env.session(t, "s1")
	assert.Equal(t, StateRecovering, sess.State)
	assert.Contains(t, sess.LastError, "FluxCapacitorMisaligned")

	// Abandoning the request keeps the failure trace on the session.
	env.turn(t, "s1", "abort")
	sess = env.session(t, "s1")
	assert.Equal(t, StateIdle, sess.State)
	assert.Contains(t, sess.LastError, "FluxCapacitorMisaligned")
}

func TestConcurrentExecutionConflict(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{block: release}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	reply := env.turn(t, "s1", "yes")
	require.True(t, reply.ExecutionStarted)

	// The same plan from another session is rejected, not queued.
	env.turn(t, "s2", "create a storage bucket named archive-logs")
	reply = env.turn(t, "s2", "yes")
	assert.False(t, reply.ExecutionStarted)
	assert.Contains(t, reply.Text, "already being provisioned")
	assert.Equal(t, StateConfirming, env.session(t, "s2").State)

	close(release)
	_, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
	// Only the first session's run ever reached the runner.
	assert.Equal(t, 1, runner.runCount())
}

func TestTurnDuringExecutionAndCancel(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{block: release}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	env.turn(t, "s1", "yes")

	reply := env.turn(t, "s1", "what is taking so long")
	assert.Contains(t, reply.Text, "still in progress")

	reply = env.turn(t, "s1", "cancel")
	assert.Contains(t, reply.Text, "Cancellation requested")

	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, outcome.Text, "cancelled")
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
}

func TestDestroyResolvesTargetFromHistory(t *testing.T) {
	runner := &stubRunner{results: []stubResult{
		{outputs: map[string]string{"bucket_arn": "arn:aws:s3:::archive-logs"}},
		{},
	}}
	env := newTestEnv(t, runner)

	env.turn(t, "s1", "create a storage bucket named archive-logs")
	env.turn(t, "s1", "yes")
	_, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)

	// No identifier needed: the single history entry is the target.
	reply := env.turn(t, "s1", "destroy the bucket")
	assert.Contains(t, reply.Text, "destroy archive-logs")
	assert.Equal(t, StateConfirming, env.session(t, "s1").State)

	reply = env.turn(t, "s1", "yes")
	require.True(t, reply.ExecutionStarted)

	outcome, err := env.machine.AwaitExecution(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 2, runner.runCount())
	assert.Equal(t, intent.ActionDestroy, runner.runs[1].Action)
	assert.Contains(t, outcome.Text, "destroyed")
	assert.Empty(t, env.session(t, "s1").ResourceHistory)
}

func TestDestroyWithNothingTracked(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	reply := env.turn(t, "s1", "destroy the database")
	assert.Contains(t, reply.Text, "nothing I can destroy")
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
}

func TestListUsesCloudQuerier(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})
	env.machine.querier = &cloud.FakeQuerier{Resources: map[string][]cloud.Resource{
		"object-store": {{Name: "archive-logs"}, {Name: "backups"}},
	}}

	reply := env.turn(t, "s1", "list my buckets")
	assert.Contains(t, reply.Text, "archive-logs")
	assert.Contains(t, reply.Text, "backups")
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
}

func TestCostEstimateAnswersDirectly(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	reply := env.turn(t, "s1", "how much would a t3.medium instance cost")
	assert.Contains(t, reply.Text, "$30")
	// No intent is opened for estimates.
	assert.Equal(t, StateIdle, env.session(t, "s1").State)
	assert.Nil(t, env.session(t, "s1").ActiveIntent)
}

func TestRedirectDiscardsActiveIntent(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	env.turn(t, "s1", "create a database")
	require.Equal(t, StateCollecting, env.session(t, "s1").State)

	// A fresh goal mid-collection replaces the old intent.
	reply := env.turn(t, "s1", "create a storage bucket named archive-logs")
	assert.Contains(t, reply.Text, "Proceed?")
	sess := env.session(t, "s1")
	assert.Equal(t, StateConfirming, sess.State)
	assert.Equal(t, "object-store", sess.ActiveIntent.ResourceType)
}

func TestAbandonMidCollection(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	env.turn(t, "s1", "create a database")
	reply := env.turn(t, "s1", "never mind")
	assert.Contains(t, reply.Text, "dropped that request")

	sess := env.session(t, "s1")
	assert.Equal(t, StateIdle, sess.State)
	assert.Nil(t, sess.ActiveIntent)
	assert.Nil(t, sess.Params)
}

func TestInvalidValueNeverFillsParameterSet(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	env.turn(t, "s1", "create a database")
	env.turn(t, "s1", "postgres")
	env.turn(t, "s1", "16.3")
	// db_identifier forbids a trailing hyphen.
	reply := env.turn(t, "s1", "orders-db-")
	assert.Contains(t, reply.Text, "doesn't work")

	sess := env.session(t, "s1")
	assert.Equal(t, StateCollecting, sess.State)
	_, filled := sess.Params.Values["identifier"]
	assert.False(t, filled)
}

type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) Put(ctx context.Context, id string, data []byte) error {
	return store.ErrPersistenceUnavailable
}

func TestPersistenceFailureFailsTheTurn(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})
	env.machine.store = &failingStore{MemoryStore: store.NewMemoryStore()}

	_, err := env.machine.HandleTurn(context.Background(), "s1", "create a database", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrPersistenceUnavailable)
}

func TestSessionRoundtripPreservesTypes(t *testing.T) {
	reg, err := schema.NewRegistry()
	require.NoError(t, err)

	sess := NewSession()
	ps := schema.NewParameterSet("compute-instance")
	ps.Set("name", "web-1")
	ps.Set("rootVolumeSize", 20)
	require.NoError(t, sess.SetParams(ps))

	data, err := sess.Encode()
	require.NoError(t, err)
	loaded, err := DecodeSession(data)
	require.NoError(t, err)

	restored, err := loaded.ParamSet(reg)
	require.NoError(t, err)
	v, ok := restored.Get("rootVolumeSize")
	require.True(t, ok)
	assert.Equal(t, 20, v)
	name, _ := restored.Get("name")
	assert.Equal(t, "web-1", name)
}
