package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/terrachat-io/terrachat/internal/cloud"
	"github.com/terrachat-io/terrachat/internal/executor"
	"github.com/terrachat-io/terrachat/internal/extract"
	"github.com/terrachat-io/terrachat/internal/intent"
	"github.com/terrachat-io/terrachat/internal/logging"
	"github.com/terrachat-io/terrachat/internal/plan"
	"github.com/terrachat-io/terrachat/internal/recovery"
	"github.com/terrachat-io/terrachat/internal/schema"
	"github.com/terrachat-io/terrachat/internal/store"
	"github.com/terrachat-io/terrachat/internal/suggest"
)

// Answerer produces free-text answers for query and cost-estimation turns.
// *nlu.Client implements it.
type Answerer interface {
	Answer(ctx context.Context, utterance, contextNote string) (string, error)
}

// Prompt is a structured clarification question attached to a reply.
type Prompt struct {
	Field       string
	Question    string
	Suggestions []string
}

// Reply is what one turn produces for the user-facing surface.
type Reply struct {
	Text   string
	Prompt *Prompt
	// ExecutionStarted signals that a provisioning run was launched this
	// turn; AwaitExecution delivers its outcome.
	ExecutionStarted bool
	PlanID           string
}

// Config wires the machine's collaborators. Querier and Answerer may be nil;
// the corresponding actions then answer with a capability notice.
type Config struct {
	Registry    *schema.Registry
	Classifier  *intent.Classifier
	Extractor   *extract.Extractor
	Suggester   *suggest.Engine
	Compiler    *plan.Compiler
	Coordinator *executor.Coordinator
	Advisor     *recovery.Advisor
	Querier     cloud.Querier
	Answerer    Answerer
	Store       store.Store
}

// Machine processes turns. One session is strictly serial; distinct
// sessions run fully in parallel.
type Machine struct {
	registry    *schema.Registry
	classifier  *intent.Classifier
	extractor   *extract.Extractor
	suggester   *suggest.Engine
	compiler    *plan.Compiler
	coordinator *executor.Coordinator
	advisor     *recovery.Advisor
	querier     cloud.Querier
	answerer    Answerer
	store       store.Store

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string]<-chan executor.Record
}

// NewMachine builds a machine from its collaborators.
func NewMachine(cfg Config) *Machine {
	return &Machine{
		registry:    cfg.Registry,
		classifier:  cfg.Classifier,
		extractor:   cfg.Extractor,
		suggester:   cfg.Suggester,
		compiler:    cfg.Compiler,
		coordinator: cfg.Coordinator,
		advisor:     cfg.Advisor,
		querier:     cfg.Querier,
		answerer:    cfg.Answerer,
		store:       cfg.Store,
	}
}

var (
	affirmativePat = regexp.MustCompile(`(?i)^\s*(yes|y|yeah|yep|sure|ok|okay|confirm|proceed|go ahead|do it)\s*[.!]?\s*$`)
	negativePat    = regexp.MustCompile(`(?i)^\s*(no|n|nope|cancel|stop|abort|never ?mind|forget it|quit)\s*[.!]?\s*$`)
	retryPat       = regexp.MustCompile(`(?i)^\s*(retry|try again|re-?run)\s*[.!]?\s*$`)
)

func (m *Machine) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// HandleTurn processes one utterance for one session. The session is
// persisted before the reply is returned; a persistence failure fails the
// turn rather than losing progress silently. emit receives execution
// progress lines when a run is launched.
func (m *Machine) HandleTurn(ctx context.Context, sessionID, utterance string, emit executor.EventCallback) (*Reply, error) {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.reconcileExecution(sess)
	sess.AddTurn(SpeakerUser, utterance)

	var reply *Reply
	switch sess.State {
	case StateIdle:
		reply = m.handleIdle(ctx, sess, utterance, emit)
	case StateCollecting:
		reply = m.handleCollecting(ctx, sess, utterance, emit)
	case StateConfirming:
		reply = m.handleConfirming(ctx, sess, utterance, emit)
	case StateExecuting:
		reply = m.handleExecuting(sess, utterance)
	case StateRecovering:
		reply = m.handleRecovering(ctx, sess, utterance, emit)
	default:
		logging.Error("session in unknown state", "sessionId", sess.ID, "state", sess.State)
		sess.State = StateIdle
		sess.ClearIntent()
		reply = &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}

	sess.AddTurn(SpeakerAssistant, reply.Text)
	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	return reply, nil
}

// AwaitExecution blocks until the session's in-flight execution reaches a
// terminal status, reconciles it into the session and returns the outcome
// reply. It returns immediately when nothing is running.
func (m *Machine) AwaitExecution(ctx context.Context, sessionID string) (*Reply, error) {
	m.mu.Lock()
	ch, ok := m.pending[sessionID]
	m.mu.Unlock()
	if !ok {
		return &Reply{Text: "No provisioning run is in progress."}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec, ok := <-ch:
		l := m.sessionLock(sessionID)
		l.Lock()
		defer l.Unlock()

		sess, err := m.loadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		var reply *Reply
		if ok {
			m.clearPending(sessionID)
			reply = m.applyRecord(sess, rec)
		} else {
			// Someone else consumed the record; the session already
			// reflects the outcome.
			reply = &Reply{Text: fmt.Sprintf("The run has finished; the conversation is now %s.", sess.State)}
		}
		sess.AddTurn(SpeakerAssistant, reply.Text)
		if err := m.persist(ctx, sess); err != nil {
			return nil, err
		}
		return reply, nil
	}
}

func (m *Machine) loadSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		sess := NewSession()
		sess.ID = sessionID
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return DecodeSession(data)
}

func (m *Machine) persist(ctx context.Context, sess *Session) error {
	data, err := sess.Encode()
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, sess.ID, data); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// reconcileExecution folds a finished asynchronous run back into the
// session, without blocking when the run is still going.
func (m *Machine) reconcileExecution(sess *Session) {
	if sess.State != StateExecuting {
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[sess.ID]
	m.mu.Unlock()
	if !ok {
		// Process restarted while an execution was in flight; its outcome
		// is unknowable, so treat it as a failure the user can retry.
		sess.State = StateRecovering
		sess.LastAdvice = &recovery.Advice{
			Class:   recovery.ClassUnknown,
			Remedy:  recovery.RemedyAbort,
			Message: "The previous run was interrupted and its outcome is unknown.",
		}
		return
	}
	select {
	case rec, open := <-ch:
		m.clearPending(sess.ID)
		if open {
			reply := m.applyRecord(sess, rec)
			sess.AddTurn(SpeakerAssistant, reply.Text)
		}
	default:
	}
}

func (m *Machine) clearPending(sessionID string) {
	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()
}

// handleIdle classifies a fresh utterance and dispatches per action.
func (m *Machine) handleIdle(ctx context.Context, sess *Session, utterance string, emit executor.EventCallback) *Reply {
	res := m.classifier.Classify(utterance, nil, sess.RecentResourceTypes())
	if res.NeedsClarification {
		return &Reply{Text: res.Question}
	}

	it := res.Intent
	switch it.Action {
	case intent.ActionList:
		return m.listResources(ctx, sess, it.ResourceType)
	case intent.ActionQuery, intent.ActionEstimateCost:
		return m.freeTextAnswer(ctx, sess, utterance)
	case intent.ActionCreate:
		return m.startCreate(ctx, sess, it, utterance)
	case intent.ActionDestroy:
		return m.startDestroy(sess, it, utterance)
	case intent.ActionModify:
		return m.startModify(ctx, sess, it, utterance)
	}
	return &Reply{Text: "I'm not sure what you'd like me to do. You can create, modify, destroy or list resources."}
}

func (m *Machine) startCreate(ctx context.Context, sess *Session, it *intent.Intent, utterance string) *Reply {
	sch, ok := m.registry.Get(it.ResourceType)
	if !ok {
		return &Reply{Text: fmt.Sprintf("I don't know how to provision %s resources.", it.ResourceType)}
	}

	sess.ActiveIntent = it
	ps := schema.NewParameterSet(it.ResourceType)

	res, err := m.extractor.Extract(ctx, extract.Request{
		ResourceType: it.ResourceType,
		Utterance:    utterance,
		RecentTurns:  sess.RecentTurns(6),
	})
	if err != nil {
		logging.Error("extraction failed", "sessionId", sess.ID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "I had trouble understanding that. Could you rephrase your request?"}
	}
	for _, u := range res.Updates {
		ps.Set(u.Field, u.Value)
	}

	return m.progressCollection(sess, sch, ps, res.Rejected)
}

func (m *Machine) startDestroy(sess *Session, it *intent.Intent, utterance string) *Reply {
	history := sess.HistoryOfType(it.ResourceType)
	if len(history) == 0 {
		return &Reply{Text: fmt.Sprintf("I haven't provisioned any %s resources in this session, so there is nothing I can destroy.", displayType(m.registry, it.ResourceType))}
	}

	// An identifier in the utterance picks the target directly.
	if target, ok := matchHistoryName(history, utterance); ok {
		return m.adoptDestroyTarget(sess, it, target)
	}
	if len(history) == 1 {
		return m.adoptDestroyTarget(sess, it, history[0])
	}

	sess.ActiveIntent = it
	sess.State = StateCollecting
	names := make([]string, 0, len(history))
	for _, r := range history {
		names = append(names, r.Name)
	}
	sess.DestroyChoices = names
	return &Reply{Text: fmt.Sprintf("Which one should I destroy?\n  - %s", strings.Join(names, "\n  - "))}
}

func (m *Machine) adoptDestroyTarget(sess *Session, it *intent.Intent, target ProvisionedResource) *Reply {
	vars, err := materializeVariables(m.registry, target.ResourceType, target.Variables)
	if err != nil {
		logging.Error("failed to rebuild destroy variables", "sessionId", sess.ID, "planId", target.PlanID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}
	ps := schema.NewParameterSet(target.ResourceType)
	for k, v := range vars {
		ps.Set(k, v)
	}
	sess.ActiveIntent = it
	sess.DestroyChoices = nil
	if err := sess.SetParams(ps); err != nil {
		logging.Error("failed to store parameters", "sessionId", sess.ID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}
	sess.State = StateConfirming
	sess.AwaitingGate = false
	return &Reply{Text: fmt.Sprintf("This will destroy %s (%s). Proceed? (yes/no)", target.Name, displayType(m.registry, target.ResourceType))}
}

func (m *Machine) startModify(ctx context.Context, sess *Session, it *intent.Intent, utterance string) *Reply {
	history := sess.HistoryOfType(it.ResourceType)
	if len(history) == 0 {
		return &Reply{Text: fmt.Sprintf("I haven't provisioned any %s resources in this session, so there is nothing I can modify.", displayType(m.registry, it.ResourceType))}
	}

	target := history[0]
	if t, ok := matchHistoryName(history, utterance); ok {
		target = t
	} else if len(history) > 1 {
		names := make([]string, 0, len(history))
		for _, r := range history {
			names = append(names, r.Name)
		}
		return &Reply{Text: fmt.Sprintf("Which one would you like to modify?\n  - %s", strings.Join(names, "\n  - "))}
	}

	sch, _ := m.registry.Get(it.ResourceType)
	vars, err := materializeVariables(m.registry, target.ResourceType, target.Variables)
	if err != nil {
		logging.Error("failed to rebuild variables for modify", "sessionId", sess.ID, "planId", target.PlanID, "error", err)
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}
	ps := schema.NewParameterSet(target.ResourceType)
	for k, v := range vars {
		ps.Set(k, v)
	}

	sess.ActiveIntent = it
	// The utterance may already carry the change ("increase the volume size
	// to 50"). No Have filter: modifications overwrite existing values.
	res, err := m.extractor.Extract(ctx, extract.Request{
		ResourceType: it.ResourceType,
		Utterance:    utterance,
		RecentTurns:  sess.RecentTurns(6),
	})
	if err == nil && len(res.Updates) > 0 {
		for _, u := range res.Updates {
			ps.Set(u.Field, u.Value)
		}
		if err := sess.SetParams(ps); err == nil {
			return m.progressCollection(sess, sch, ps, res.Rejected)
		}
	}

	if err := sess.SetParams(ps); err != nil {
		logging.Error("failed to store parameters", "sessionId", sess.ID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}
	sess.State = StateCollecting
	return &Reply{Text: fmt.Sprintf("Here is %s as currently provisioned:\n%s\nWhat would you like to change?", target.Name, ps.Summary(sch))}
}

// handleCollecting folds an utterance into the active collection.
func (m *Machine) handleCollecting(ctx context.Context, sess *Session, utterance string, emit executor.EventCallback) *Reply {
	if negativePat.MatchString(utterance) {
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Okay, I've dropped that request. What would you like to do instead?"}
	}

	res := m.classifier.Classify(utterance, sess.ActiveIntent, sess.RecentResourceTypes())
	if res.Intent != nil && !res.Continuation {
		// The user redirected to a new goal mid-collection.
		sess.ClearIntent()
		sess.State = StateIdle
		return m.handleIdle(ctx, sess, utterance, emit)
	}
	if res.NeedsClarification {
		return &Reply{Text: res.Question}
	}

	// Destroy target selection has no schema fields to extract.
	if len(sess.DestroyChoices) > 0 {
		history := sess.HistoryOfType(sess.ActiveIntent.ResourceType)
		if target, ok := matchHistoryName(history, utterance); ok {
			return m.adoptDestroyTarget(sess, sess.ActiveIntent, target)
		}
		return &Reply{Text: fmt.Sprintf("I didn't recognize that one. Please pick one of:\n  - %s", strings.Join(sess.DestroyChoices, "\n  - "))}
	}

	sch, ok := m.registry.Get(sess.ActiveIntent.ResourceType)
	if !ok {
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}
	ps, err := sess.ParamSet(m.registry)
	if err != nil {
		logging.Error("failed to rebuild parameter set", "sessionId", sess.ID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}

	// During modify the user changes already-filled values, so nothing is
	// held back from extraction.
	have := ps.Values
	if sess.ActiveIntent.Action == intent.ActionModify {
		have = nil
	}
	extRes, err := m.extractor.Extract(ctx, extract.Request{
		ResourceType: sess.ActiveIntent.ResourceType,
		Utterance:    utterance,
		RecentTurns:  sess.RecentTurns(6),
		PendingField: sess.PendingField,
		Have:         have,
	})
	if err != nil {
		logging.Error("extraction failed", "sessionId", sess.ID, "error", err)
		return &Reply{Text: "I had trouble understanding that. Could you rephrase?"}
	}
	for _, u := range extRes.Updates {
		ps.Set(u.Field, u.Value)
	}

	if sess.ActiveIntent.Action == intent.ActionModify && len(extRes.Updates) == 0 && len(extRes.Rejected) == 0 {
		return &Reply{Text: "Tell me the new value, for example \"set the volume size to 50\"."}
	}

	return m.progressCollection(sess, sch, ps, extRes.Rejected)
}

// progressCollection decides the next step after parameters changed: prompt
// the first outstanding required field, or move to confirmation when the
// set is complete.
func (m *Machine) progressCollection(sess *Session, sch *schema.Schema, ps *schema.ParameterSet, rejected []extract.Rejection) *Reply {
	if err := sess.SetParams(ps); err != nil {
		logging.Error("failed to store parameters", "sessionId", sess.ID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}

	var feedback strings.Builder
	for _, r := range rejected {
		fmt.Fprintf(&feedback, "%q doesn't work for %s: %s.\n", r.Raw, r.Field, r.Reason)
	}

	missing := ps.Missing(sch)
	if len(missing) == 0 {
		p, err := m.compiler.Compile(sess.ActiveIntent.Action, ps)
		if err != nil {
			var sv *plan.SchemaViolationError
			if errors.As(err, &sv) {
				logging.Error("plan compilation rejected parameters", "sessionId", sess.ID, "detail", sv.Detail)
			} else {
				logging.Error("plan compilation failed", "sessionId", sess.ID, "error", err)
			}
			sess.ClearIntent()
			sess.State = StateIdle
			return &Reply{Text: "I'm sorry, something went wrong while preparing that request. Let's start over."}
		}

		sess.State = StateConfirming
		sess.AwaitingGate = false
		sess.PendingField = ""
		text := fmt.Sprintf("%sHere is what I'll provision:\n%s\nProceed? (yes/no)", feedback.String(), ps.Summary(sch))
		if len(p.SafetyGates) > 0 {
			text += fmt.Sprintf("\nNote: %s requires an extra confirmation before I run this.", strings.Join(p.SafetyGates, ", "))
		}
		return &Reply{Text: text}
	}

	f := missing[0]
	sess.State = StateCollecting
	sess.PendingField = f.Name
	suggestions := m.suggester.ForField(&f, sess.HistoryVariables())

	text := feedback.String() + f.Prompt
	if len(suggestions) > 0 {
		text += fmt.Sprintf(" (e.g. %s)", strings.Join(suggestions, ", "))
	}
	return &Reply{
		Text: text,
		Prompt: &Prompt{
			Field:       f.Name,
			Question:    f.Prompt,
			Suggestions: suggestions,
		},
	}
}

// handleConfirming waits for an explicit go-ahead, a change, or a cancel.
func (m *Machine) handleConfirming(ctx context.Context, sess *Session, utterance string, emit executor.EventCallback) *Reply {
	if negativePat.MatchString(utterance) {
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Okay, I've cancelled that request."}
	}

	sch, _ := m.registry.Get(sess.ActiveIntent.ResourceType)
	ps, err := sess.ParamSet(m.registry)
	if err != nil {
		logging.Error("failed to rebuild parameter set", "sessionId", sess.ID, "error", err)
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
	}

	if affirmativePat.MatchString(utterance) {
		p, err := m.compiler.Compile(sess.ActiveIntent.Action, ps)
		if err != nil {
			logging.Error("plan compilation failed at confirmation", "sessionId", sess.ID, "error", err)
			sess.ClearIntent()
			sess.State = StateIdle
			return &Reply{Text: "I'm sorry, something went wrong while preparing that request. Let's start over."}
		}

		// A gated plan needs a second, separate confirmation turn.
		if len(p.SafetyGates) > 0 && !sess.AwaitingGate {
			sess.AwaitingGate = true
			return &Reply{Text: fmt.Sprintf("Before I proceed: this sets %s, which has security implications. Confirm once more to run it. (yes/no)", describeGates(sch, p.SafetyGates, ps))}
		}

		return m.launch(ctx, sess, p, emit)
	}

	// Anything else is treated as a change request; updates reopen
	// collection and re-confirm with the new values.
	res, err := m.extractor.Extract(ctx, extract.Request{
		ResourceType: sess.ActiveIntent.ResourceType,
		Utterance:    utterance,
		RecentTurns:  sess.RecentTurns(6),
	})
	if err == nil && (len(res.Updates) > 0 || len(res.Rejected) > 0) {
		for _, u := range res.Updates {
			ps.Set(u.Field, u.Value)
		}
		sess.State = StateCollecting
		return m.progressCollection(sess, sch, ps, res.Rejected)
	}
	return &Reply{Text: "Please answer yes or no, or tell me what to change (for example \"use t3.small instead\")."}
}

// launch starts the asynchronous execution and moves to executing.
func (m *Machine) launch(ctx context.Context, sess *Session, p *plan.Plan, emit executor.EventCallback) *Reply {
	// The run must outlive the turn that started it.
	runCtx := context.WithoutCancel(ctx)
	ch, err := m.coordinator.Start(runCtx, p, emit)
	if err != nil {
		if errors.Is(err, executor.ErrConcurrentExecution) {
			return &Reply{Text: "That exact request is already being provisioned. Wait for it to finish before resubmitting."}
		}
		logging.Error("failed to start execution", "sessionId", sess.ID, "planId", p.ID, "error", err)
		return &Reply{Text: "I couldn't start the provisioning run. Please try again."}
	}

	m.mu.Lock()
	if m.pending == nil {
		m.pending = make(map[string]<-chan executor.Record)
	}
	m.pending[sess.ID] = ch
	m.mu.Unlock()

	sess.State = StateExecuting
	sess.ActivePlanID = p.ID
	sess.AwaitingGate = false

	verb := "Provisioning"
	if p.Action == intent.ActionDestroy {
		verb = "Destroying"
	}
	return &Reply{
		Text:             fmt.Sprintf("%s now (%s). I'll report progress as it happens.", verb, p.ID),
		ExecutionStarted: true,
		PlanID:           p.ID,
	}
}

// handleExecuting serves turns that arrive while a run is in flight.
func (m *Machine) handleExecuting(sess *Session, utterance string) *Reply {
	if negativePat.MatchString(utterance) {
		if m.coordinator.Cancel(sess.ActivePlanID) {
			return &Reply{Text: "Cancellation requested. I'll confirm once the run has actually stopped."}
		}
		return &Reply{Text: "The run is no longer cancellable; it is about to finish."}
	}
	return &Reply{Text: "Provisioning is still in progress. Say cancel to stop it, or wait for it to finish."}
}

// applyRecord folds a terminal execution record into the session.
func (m *Machine) applyRecord(sess *Session, rec executor.Record) *Reply {
	sess.ActivePlanID = ""

	if rec.Status == executor.StatusSucceeded {
		reply := m.applySuccess(sess, rec)
		sess.ClearIntent()
		sess.LastError = ""
		sess.State = StateIdle
		return reply
	}

	if rec.Cancelled {
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "The run was cancelled. Nothing further will change."}
	}

	advice := m.advisor.Advise(rec.ResourceType, rec.LastError, sess.TransientAttempts)
	if advice.Class == recovery.ClassTransient {
		sess.TransientAttempts++
	}
	sess.State = StateRecovering
	sess.LastAdvice = &advice
	sess.LastError = rec.LastError
	sess.ActivePlanID = rec.PlanID

	switch advice.Remedy {
	case recovery.RemedyRetry:
		return &Reply{Text: fmt.Sprintf("The run failed with what looks like a temporary problem: %s\nSay retry to try again unchanged, or abort to give up.", advice.Message)}
	case recovery.RemedyCorrectField:
		// Reopen the offending field so the corrected value can land.
		if sess.Params != nil {
			delete(sess.Params.Values, advice.Field)
		}
		return &Reply{Text: fmt.Sprintf("The provider rejected the value for %s: %s\nGive me a new value for it, or say abort.", advice.Field, advice.Message)}
	default:
		if advice.Class == recovery.ClassPermission {
			return &Reply{Text: fmt.Sprintf("The run failed due to a permissions problem: %s\nThis needs a credentials or policy fix outside this conversation. Say abort to drop the request.", advice.Message)}
		}
		if advice.Class == recovery.ClassTransient {
			return &Reply{Text: fmt.Sprintf("The run kept failing with temporary errors: %s\nI won't retry again automatically. Say abort to give up.", advice.Message)}
		}
		return &Reply{Text: fmt.Sprintf("The run failed: %s\nSay retry to try again, or abort to give up.", advice.Message)}
	}
}

func (m *Machine) applySuccess(sess *Session, rec executor.Record) *Reply {
	if rec.Action == intent.ActionDestroy {
		name := displayNameFromParams(m.registry, sess)
		for _, r := range sess.HistoryOfType(rec.ResourceType) {
			if r.Name == name {
				sess.RemoveFromHistory(r.PlanID)
				break
			}
		}
		return &Reply{Text: fmt.Sprintf("Done — %s has been destroyed.", name)}
	}

	name := displayNameFromParams(m.registry, sess)
	if sess.Params != nil {
		entry := ProvisionedResource{
			ResourceType:  rec.ResourceType,
			Name:          name,
			PlanID:        rec.PlanID,
			Variables:     sess.Params.Values,
			Attributes:    rec.Outputs,
			ProvisionedAt: rec.FinishedAt,
		}
		// A modify re-applies an existing resource; replace its entry.
		sess.RemoveFromHistory(rec.PlanID)
		for _, r := range sess.HistoryOfType(rec.ResourceType) {
			if r.Name == name {
				sess.RemoveFromHistory(r.PlanID)
				break
			}
		}
		sess.ResourceHistory = append(sess.ResourceHistory, entry)
	}

	text := fmt.Sprintf("Done — %s is ready.", name)
	if len(rec.Outputs) > 0 {
		keys := make([]string, 0, len(rec.Outputs))
		for k := range rec.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "\n  %s: %s", k, rec.Outputs[k])
		}
		text += b.String()
	}
	return &Reply{Text: text}
}

// handleRecovering waits for the user's decision after a failed run.
func (m *Machine) handleRecovering(ctx context.Context, sess *Session, utterance string, emit executor.EventCallback) *Reply {
	if negativePat.MatchString(utterance) {
		sess.ClearIntent()
		sess.State = StateIdle
		return &Reply{Text: "Okay, I've abandoned that request. What would you like to do?"}
	}

	advice := sess.LastAdvice
	if advice == nil {
		advice = &recovery.Advice{Class: recovery.ClassUnknown, Remedy: recovery.RemedyAbort}
	}

	if retryPat.MatchString(utterance) {
		if advice.Class == recovery.ClassPermission {
			return &Reply{Text: "Retrying won't help with a permissions failure. Fix the credentials or policy, or say abort."}
		}
		ps, err := sess.ParamSet(m.registry)
		if err != nil {
			logging.Error("failed to rebuild parameter set for retry", "sessionId", sess.ID, "error", err)
			sess.ClearIntent()
			sess.State = StateIdle
			return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
		}
		p, err := m.compiler.Compile(sess.ActiveIntent.Action, ps)
		if err != nil {
			logging.Error("recompilation failed for retry", "sessionId", sess.ID, "error", err)
			sess.ClearIntent()
			sess.State = StateIdle
			return &Reply{Text: "I'm sorry, something went wrong while preparing the retry. Let's start over."}
		}
		return m.launch(ctx, sess, p, emit)
	}

	if advice.Remedy == recovery.RemedyCorrectField && advice.Field != "" {
		sch, ok := m.registry.Get(sess.ActiveIntent.ResourceType)
		if !ok {
			sess.ClearIntent()
			sess.State = StateIdle
			return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
		}
		ps, err := sess.ParamSet(m.registry)
		if err != nil {
			logging.Error("failed to rebuild parameter set", "sessionId", sess.ID, "error", err)
			sess.ClearIntent()
			sess.State = StateIdle
			return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
		}

		res, err := m.extractor.Extract(ctx, extract.Request{
			ResourceType: sess.ActiveIntent.ResourceType,
			Utterance:    utterance,
			RecentTurns:  sess.RecentTurns(6),
			PendingField: advice.Field,
			Have:         ps.Values,
		})
		if err == nil && len(res.Updates) > 0 {
			for _, u := range res.Updates {
				ps.Set(u.Field, u.Value)
			}
			sess.State = StateCollecting
			sess.LastAdvice = nil
			sess.TransientAttempts = 0
			return m.progressCollection(sess, sch, ps, res.Rejected)
		}

		if affirmativePat.MatchString(utterance) {
			// The user wants to correct the field; prompt it explicitly.
			f, ok := sch.Field(advice.Field)
			if !ok {
				sess.ClearIntent()
				sess.State = StateIdle
				return &Reply{Text: "Something went wrong on my side. Let's start over — what would you like to do?"}
			}
			sess.State = StateCollecting
			sess.PendingField = f.Name
			sess.LastAdvice = nil
			suggestions := m.suggester.ForField(f, sess.HistoryVariables())
			text := f.Prompt
			if len(suggestions) > 0 {
				text += fmt.Sprintf(" (e.g. %s)", strings.Join(suggestions, ", "))
			}
			return &Reply{
				Text:   text,
				Prompt: &Prompt{Field: f.Name, Question: f.Prompt, Suggestions: suggestions},
			}
		}
		if len(res.Rejected) > 0 {
			r := res.Rejected[0]
			return &Reply{Text: fmt.Sprintf("%q doesn't work for %s: %s. Try another value or say abort.", r.Raw, r.Field, r.Reason)}
		}
		return &Reply{Text: fmt.Sprintf("Give me a new value for %s, or say abort.", advice.Field)}
	}

	return &Reply{Text: "Say retry to run it again, abort to give up, or give me a corrected value."}
}

func (m *Machine) listResources(ctx context.Context, sess *Session, resourceType string) *Reply {
	if m.querier == nil {
		return &Reply{Text: "Resource listing isn't available: no cloud credentials are configured."}
	}
	resources, err := m.querier.List(ctx, resourceType)
	if err != nil {
		logging.Error("resource listing failed", "sessionId", sess.ID, "resourceType", resourceType, "error", err)
		if m.advisor.ClassifyError(err) == recovery.ClassPermission {
			return &Reply{Text: "I couldn't list those resources: the configured credentials aren't allowed to read them."}
		}
		return &Reply{Text: "I couldn't list those resources right now. Please try again in a moment."}
	}
	if len(resources) == 0 {
		return &Reply{Text: fmt.Sprintf("No %s resources found.", displayType(m.registry, resourceType))}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s resource(s):", len(resources), displayType(m.registry, resourceType))
	for _, r := range resources {
		fmt.Fprintf(&b, "\n  - %s", r.Name)
		if r.Status != "" {
			fmt.Fprintf(&b, " (%s)", r.Status)
		}
	}
	return &Reply{Text: b.String()}
}

func (m *Machine) freeTextAnswer(ctx context.Context, sess *Session, utterance string) *Reply {
	if m.answerer == nil {
		return &Reply{Text: "I can't answer that right now: the language model isn't configured."}
	}
	note := historyNote(sess)
	answer, err := m.answerer.Answer(ctx, utterance, note)
	if err != nil {
		logging.Warn("free-text answer failed", "sessionId", sess.ID, "error", err)
		return &Reply{Text: "I couldn't work that out right now. Please try again in a moment."}
	}
	return &Reply{Text: answer}
}

// historyNote summarizes the session's resources as model context.
func historyNote(sess *Session) string {
	if len(sess.ResourceHistory) == 0 {
		return "No resources have been provisioned in this session."
	}
	var b strings.Builder
	b.WriteString("Resources provisioned in this session:")
	for _, r := range sess.ResourceHistory {
		fmt.Fprintf(&b, " %s (%s);", r.Name, r.ResourceType)
	}
	return b.String()
}

// matchHistoryName finds the history entry whose name appears in the
// utterance. Longer names are checked first so "orders-db-replica" is not
// shadowed by "orders-db".
func matchHistoryName(history []ProvisionedResource, utterance string) (ProvisionedResource, bool) {
	lower := strings.ToLower(utterance)
	sorted := make([]ProvisionedResource, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Name) > len(sorted[j].Name) })
	for _, r := range sorted {
		if r.Name != "" && strings.Contains(lower, strings.ToLower(r.Name)) {
			return r, true
		}
	}
	return ProvisionedResource{}, false
}

// displayNameFromParams derives the user-facing name of the active
// resource from its identifying parameter.
func displayNameFromParams(reg *schema.Registry, sess *Session) string {
	if sess.Params == nil {
		return "the resource"
	}
	sch, ok := reg.Get(sess.Params.ResourceType)
	if !ok {
		return "the resource"
	}
	for _, f := range sch.Fields {
		if !strings.Contains(strings.ToLower(f.Name), "name") && f.Name != "identifier" {
			continue
		}
		if raw, ok := sess.Params.Values[f.Name]; ok {
			var v string
			if err := json.Unmarshal(raw, &v); err == nil && v != "" {
				return v
			}
		}
	}
	return "the " + displayType(reg, sess.Params.ResourceType)
}

func displayType(reg *schema.Registry, resourceType string) string {
	if sch, ok := reg.Get(resourceType); ok && sch.DisplayName != "" {
		return sch.DisplayName
	}
	return resourceType
}

// describeGates renders the gated values for the secondary confirmation.
func describeGates(sch *schema.Schema, gates []string, ps *schema.ParameterSet) string {
	parts := make([]string, 0, len(gates))
	for _, g := range gates {
		if v, ok := ps.Get(g); ok {
			parts = append(parts, fmt.Sprintf("%s=%v", g, v))
		} else {
			parts = append(parts, g)
		}
	}
	return strings.Join(parts, ", ")
}
