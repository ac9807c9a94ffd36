// Package engine runs the configured actions of a form against one
// submission and records the outcome in the submission log.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/formbridge/internal/actions"
	"github.com/rendis/formbridge/internal/expressions"
	"github.com/rendis/formbridge/internal/logging"
	"github.com/rendis/formbridge/internal/nonce"
	"github.com/rendis/formbridge/internal/outputs"
	"github.com/rendis/formbridge/internal/store"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/internal/tags"
	"github.com/rendis/formbridge/pkg/schema"
)

// Skip reasons recorded for actions that did not run.
const (
	SkipConditional = "conditional"
	SkipCondition   = "condition"
)

// Result is the outcome of processing one submission.
type Result struct {
	SubmissionID string                  `json:"submission_id"`
	Form         string                  `json:"form"`
	Status       schema.SubmissionStatus `json:"status"`
	Actions      []*ActionResult         `json:"actions"`
	Outputs      map[string]any          `json:"outputs,omitempty"`
	Error        *schema.Error           `json:"error,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// Action returns the result of the named action.
func (r *Result) Action(name string) (*ActionResult, bool) {
	for _, a := range r.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Name       string              `json:"name"`
	Type       string              `json:"type"`
	Position   int                 `json:"position"`
	Status     schema.ActionStatus `json:"status"`
	Output     map[string]any      `json:"output,omitempty"`
	Error      *schema.Error       `json:"error,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Ignored    bool                `json:"ignored,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// Config holds the processor's collaborators.
type Config struct {
	Registry actions.ActionRegistry
	Store    store.Store    // nil disables the submission log
	Events   EventAppender  // defaults to Store
	Nonces   *nonce.Issuer  // nil disables nonce checks
	Breaker  *BreakerConfig // nil = defaults
	Logger   *slog.Logger
}

// Processor runs form actions sequentially for each submission.
type Processor struct {
	registry actions.ActionRegistry
	store    store.Store
	fsm      *SubmissionFSM
	events   EventAppender
	nonces   *nonce.Issuer
	breakers *Breakers
	cel      *expressions.CELEngine
	jq       *expressions.GoJQEngine
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "processor needs an action registry")
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil && cfg.Store != nil {
		events = cfg.Store
	}
	bc := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		bc = *cfg.Breaker
	}

	return &Processor{
		registry: cfg.Registry,
		store:    cfg.Store,
		fsm:      NewSubmissionFSM(events),
		events:   events,
		nonces:   cfg.Nonces,
		breakers: NewBreakers(bc),
		cel:      celEngine,
		jq:       expressions.NewGoJQEngine(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// NonceAction is the nonce action string of a form.
func NonceAction(formName string) string {
	return "formbridge_submit_" + formName
}

// Nonce issues a nonce for rendering the form to user. It returns "" when
// nonce checks are disabled.
func (p *Processor) Nonce(formName, user string) string {
	if p.nonces == nil {
		return ""
	}
	return p.nonces.Create(NonceAction(formName), user, p.now())
}

// Process runs every action of form against sub in order. A rejected nonce
// returns an error without recording anything. Any other failure is
// recorded and returned together with the partial result.
func (p *Processor) Process(ctx context.Context, form *schema.FormDefinition, sub *submission.Submission) (*Result, error) {
	if form == nil || sub == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "form and submission are required")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Form = form
	sub.FormName = form.Name
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = p.now()
	}

	ctx = logging.WithIDs(ctx, form.Name, sub.ID)
	log := logging.LogWith(ctx, p.logger)

	if p.nonces != nil && p.nonces.Verify(sub.Nonce, NonceAction(form.Name), sub.UserID, p.now()) == nonce.Invalid {
		log.Warn("nonce rejected", "user_id", sub.UserID)
		return nil, schema.NewErrorf(schema.ErrCodeNonce, "nonce for form %q is invalid or expired", form.Name)
	}

	res := &Result{
		SubmissionID: sub.ID,
		Form:         form.Name,
		Status:       schema.SubmissionPending,
		StartedAt:    p.now(),
	}
	p.recordReceived(ctx, sub)
	log.Info("submission received", "actions", len(form.Actions))

	if missing := sub.MissingRequired(); len(missing) > 0 {
		err := schema.NewErrorf(schema.ErrCodeValidation, "required fields are empty: %v", missing).
			WithDetails(map[string]any{"fields": missing})
		p.finish(ctx, res, nil, err)
		return res, err
	}

	out := outputs.NewStore(p.jq)
	r := tags.NewResolver(sub, out)

	for i := range form.Actions {
		def := &form.Actions[i]
		ar, err := p.runAction(ctx, i, def, sub, r)
		res.Actions = append(res.Actions, ar)

		if err != nil && def.OnError == schema.OnErrorIgnore {
			ar.Ignored = true
			logging.LogWith(logging.WithAction(ctx, def.Name), p.logger).
				Warn("action failed, continuing", "error", err)
		}
		p.recordAction(ctx, sub.ID, ar)

		if err != nil && !ar.Ignored {
			p.finish(ctx, res, out, ar.Error)
			return res, ar.Error
		}
	}

	p.finish(ctx, res, out, nil)
	return res, nil
}

// runAction runs one action. The returned error is also stored in the result.
func (p *Processor) runAction(ctx context.Context, pos int, def *schema.ActionDefinition, sub *submission.Submission, r *tags.Resolver) (*ActionResult, error) {
	ctx = logging.WithAction(ctx, def.Name)
	log := logging.LogWith(ctx, p.logger)
	start := time.Now()

	ar := &ActionResult{Name: def.Name, Type: def.Type, Position: pos}
	fail := func(err error) (*ActionResult, error) {
		ar.Status = schema.ActionFailed
		ar.Error = asError(err, def.Name)
		ar.DurationMs = time.Since(start).Milliseconds()
		return ar, ar.Error
	}
	skip := func(reason string) (*ActionResult, error) {
		ar.Status = schema.ActionSkipped
		ar.Reason = reason
		log.Debug("action skipped", "reason", reason)
		return ar, nil
	}

	if !r.ConditionalCheck(ctx, def.Conditional) {
		return skip(SkipConditional)
	}
	if def.Condition != "" {
		ok, err := p.cel.EvaluateBool(ctx, def.Condition, r.Env())
		if err != nil {
			return fail(err)
		}
		if !ok {
			return skip(SkipCondition)
		}
	}

	action, err := p.registry.Get(def.Type)
	if err != nil {
		return fail(err)
	}

	input := actions.ActionInput{Definition: def, Submission: sub, Resolver: r}
	if err := action.Validate(ctx, input); err != nil {
		return fail(err)
	}

	// Allow claims the half-open probe; Record right after Execute releases it.
	if err := p.breakers.Allow(def.Type); err != nil {
		return fail(err)
	}

	output, err := action.Execute(ctx, input)
	if state := p.breakers.Record(def.Type, err); state == CircuitOpen && err != nil {
		log.Error("CRM circuit opened", "action_type", def.Type)
	}
	if err != nil {
		return fail(err)
	}

	data := map[string]any{}
	if output != nil && output.Data != nil {
		data = output.Data
	}
	if err := r.Outputs().Set(def.Name, data); err != nil {
		return fail(err)
	}
	ar.Output, _ = r.Outputs().Get(def.Name)
	ar.Status = schema.ActionCompleted
	ar.DurationMs = time.Since(start).Milliseconds()
	log.Info("action completed", "duration_ms", ar.DurationMs)
	return ar, nil
}

// finish marks the submission completed or failed.
func (p *Processor) finish(ctx context.Context, res *Result, out *outputs.Store, failure error) {
	now := p.now()
	res.CompletedAt = &now
	if out != nil {
		res.Outputs = out.Snapshot()
	}

	to := schema.SubmissionCompleted
	var payload any
	if failure != nil {
		to = schema.SubmissionFailed
		res.Error = asError(failure, "")
		payload = res.Error
	}
	res.Status = to

	log := logging.LogWith(ctx, p.logger)
	if err := p.fsm.Transition(ctx, res.SubmissionID, schema.SubmissionPending, to, payload); err != nil {
		log.Error("record submission transition", "error", err)
	}
	if failure != nil {
		log.Warn("submission failed", "error", failure)
	} else {
		log.Info("submission completed")
	}

	if p.store == nil {
		return
	}
	update := store.SubmissionUpdate{Status: &to, CompletedAt: &now}
	if len(res.Outputs) > 0 {
		update.Outputs = marshalOrNil(res.Outputs)
	}
	if res.Error != nil {
		update.Error = marshalOrNil(res.Error)
	}
	if err := p.store.UpdateSubmission(ctx, res.SubmissionID, update); err != nil {
		log.Error("update submission log", "error", err)
	}
}

// recordReceived writes the submission row and its first event. Log
// failures never fail the submission.
func (p *Processor) recordReceived(ctx context.Context, sub *submission.Submission) {
	log := logging.LogWith(ctx, p.logger)
	if p.store != nil {
		err := p.store.CreateSubmission(ctx, &store.Submission{
			ID:        sub.ID,
			FormName:  sub.FormName,
			UserID:    sub.UserID,
			Status:    schema.SubmissionPending,
			Values:    sub.Values,
			CreatedAt: sub.SubmittedAt,
		})
		if err != nil {
			log.Error("create submission log", "error", err)
		}
	}
	if p.events != nil {
		payload := marshalOrNil(map[string]any{"form": sub.FormName, "user_id": sub.UserID})
		if err := p.events.AppendEvent(ctx, &store.Event{
			SubmissionID: sub.ID,
			Type:         schema.EventSubmissionReceived,
			Payload:      payload,
		}); err != nil {
			log.Error("append submission event", "error", err)
		}
	}
}

func (p *Processor) recordAction(ctx context.Context, submissionID string, ar *ActionResult) {
	log := logging.LogWith(logging.WithAction(ctx, ar.Name), p.logger)
	now := p.now()

	var output, errJSON json.RawMessage
	if ar.Output != nil {
		output = marshalOrNil(ar.Output)
	}
	if ar.Error != nil {
		errJSON = marshalOrNil(ar.Error)
	}

	if p.events != nil {
		payload := marshalOrNil(store.ActionEventPayload{
			Type:       ar.Type,
			Position:   ar.Position,
			Output:     output,
			Error:      errJSON,
			Reason:     ar.Reason,
			DurationMs: ar.DurationMs,
		})
		if err := p.events.AppendEvent(ctx, &store.Event{
			SubmissionID: submissionID,
			ActionName:   ar.Name,
			Type:         actionEventType(ar.Status, ar.Ignored),
			Payload:      payload,
			Timestamp:    now,
		}); err != nil {
			log.Error("append action event", "error", err)
		}
	}

	if p.store == nil {
		return
	}
	reason := ar.Reason
	if ar.Ignored && reason == "" {
		reason = "error ignored"
	}
	if err := p.store.UpsertActionResult(ctx, &store.ActionResult{
		SubmissionID: submissionID,
		ActionName:   ar.Name,
		ActionType:   ar.Type,
		Position:     ar.Position,
		Status:       ar.Status,
		Output:       output,
		Error:        errJSON,
		Reason:       reason,
		DurationMs:   ar.DurationMs,
		CompletedAt:  &now,
	}); err != nil {
		log.Error("record action result", "error", err)
	}
}

// asError converts err to a *schema.Error carrying the action name.
func asError(err error, action string) *schema.Error {
	var se *schema.Error
	if !errors.As(err, &se) {
		se = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}
	if action != "" && se.Action == "" {
		se.Action = action
	}
	return se
}

func marshalOrNil(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
