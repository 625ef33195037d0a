package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/audit"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/telemetry"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/tracker"
)

// Executed action names.
const (
	ActionAddLabels    = "add_labels"
	ActionAddAssignees = "add_assignees"
)

// #region apply
// Apply performs the allow-listed side effects of plan: the plan's non-status
// labels plus status:executed, replacing any prior status label, then the
// plan's assignees. It returns nothing when the issue is already executed.
func Apply(ctx context.Context, tr tracker.Tracker, issue int, plan gate.ProposedActionStruct) ([]string, error) {
	current, err := tr.GetLabels(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("get labels: %w", err)
	}
	if slices.Contains(current, gate.StatusExecuted) {
		return []string{}, nil
	}

	var labels []string
	for _, l := range plan.LabelsToAdd {
		if !strings.HasPrefix(l, gate.StatusPrefix) {
			labels = append(labels, l)
		}
	}
	labels = append(labels, gate.StatusExecuted)

	executed := []string{}
	if err := tr.AddLabels(ctx, issue, labels, gate.StatusPrefix); err != nil {
		return executed, fmt.Errorf("add labels: %w", err)
	}
	executed = append(executed, ActionAddLabels)
	if len(plan.Assignees) > 0 {
		if err := tr.AddAssignees(ctx, issue, plan.Assignees); err != nil {
			return executed, fmt.Errorf("add assignees: %w", err)
		}
		executed = append(executed, ActionAddAssignees)
	}

	body, _ := json.MarshalIndent(map[string][]string{"executed": executed}, "", "  ")
	if err := tr.PostComment(ctx, issue, "## Executed actions\n\n"+string(body)); err != nil {
		return executed, fmt.Errorf("post executed comment: %w", err)
	}
	return executed, nil
}

// #endregion apply

// #region executor
// Outcome is what one execute run decided.
type Outcome struct {
	ApprovalStatus     string   `json:"approval_status"`
	ApprovalActorLogin string   `json:"approval_actor_login"`
	ApprovalActorRole  string   `json:"approval_actor_role"`
	ExecutedActions    []string `json:"executed_actions"`
	ExecutionResult    Result   `json:"execution_result"`
	Error              string   `json:"error,omitempty"`
}

func outcome(status string, result Result) Outcome {
	return Outcome{ApprovalStatus: status, ExecutedActions: []string{}, ExecutionResult: result}
}

// Executor runs the execute stage for one repository.
type Executor struct {
	tracker tracker.Tracker
	dir     *directory.Directory
	claimer Claimer
	sink    audit.Sink
	metrics *telemetry.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewExecutor wires an executor. A nil claimer claims in-process; a nil
// sink drops audit records.
func NewExecutor(tr tracker.Tracker, dir *directory.Directory, claimer Claimer, sink audit.Sink, metrics *telemetry.Metrics, logger *slog.Logger) *Executor {
	if claimer == nil {
		claimer = NewMemoryClaimer()
	}
	if sink == nil {
		sink = audit.Discard
	}
	if logger == nil {
		logger = logging.New("approval")
	}
	return &Executor{tracker: tr, dir: dir, claimer: claimer, sink: sink, metrics: metrics, log: logger, now: time.Now}
}

// Execute checks the latest plan on issue for a valid approval and applies
// it at most once. Every call writes exactly one audit record. Collaborator
// failures become ResultError; the returned error is only set when the audit
// record itself could not be written.
func (e *Executor) Execute(ctx context.Context, issue int) (Outcome, error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "approval.execute")
	defer span.End()

	out, err := e.run(ctx, issue)
	if err != nil {
		partial := out
		out = outcome(StatusRejected, ResultError)
		out.ApprovalActorLogin, out.ApprovalActorRole = partial.ApprovalActorLogin, partial.ApprovalActorRole
		// side effects that landed before the failure stay on the record
		if len(partial.ExecutedActions) > 0 {
			out.ApprovalStatus = partial.ApprovalStatus
			out.ExecutedActions = partial.ExecutedActions
		}
		out.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error("execute failed", "issue", issue, "err", err)
	}
	span.SetAttributes(attribute.String("result", string(out.ExecutionResult)))
	e.metrics.Executed(string(out.ExecutionResult))
	e.log.Info("execute finished", "issue", issue, "result", out.ExecutionResult, "approval", out.ApprovalStatus)

	rec := audit.NewRecord(audit.StageExecute, e.now())
	rec.Repo = e.tracker.Repo()
	rec.IssueNumber = issue
	rec.AllowedTiers = []string{string(kb.TierPublic)}
	rec.ApprovalStatus = out.ApprovalStatus
	rec.ApprovalActorLogin = out.ApprovalActorLogin
	rec.ApprovalActorRole = out.ApprovalActorRole
	rec.ExecutedActions = out.ExecutedActions
	rec.ExecutionResult = string(out.ExecutionResult)
	rec.Error = out.Error
	rec.Finish(start)
	if err := e.sink.Append(ctx, rec); err != nil {
		return out, fmt.Errorf("write audit record: %w", err)
	}
	return out, nil
}

// Exclusive runs fn while holding the issue's execution claim, and only if
// the issue is not executed yet. When fn is skipped the returned result says
// why (ResultAlreadyExecuted or ResultInProgress); it is empty when fn ran.
func (e *Executor) Exclusive(ctx context.Context, issue int, fn func(context.Context) error) (Result, error) {
	if done, err := e.executed(ctx, issue); err != nil {
		return "", err
	} else if done {
		return ResultAlreadyExecuted, nil
	}

	release, ok, err := e.claimer.Claim(ctx, ClaimKey(e.tracker.Repo(), issue))
	if err != nil {
		return "", err
	}
	if !ok {
		return ResultInProgress, nil
	}
	defer release()

	// a concurrent run may have finished between the first check and the claim
	if done, err := e.executed(ctx, issue); err != nil {
		return "", err
	} else if done {
		return ResultAlreadyExecuted, nil
	}
	return "", fn(ctx)
}

func (e *Executor) run(ctx context.Context, issue int) (Outcome, error) {
	var out Outcome
	skipped, err := e.Exclusive(ctx, issue, func(ctx context.Context) error {
		var rerr error
		out, rerr = e.claimed(ctx, issue)
		return rerr
	})
	if skipped != "" {
		return outcome(StatusNotApplicable, skipped), nil
	}
	return out, err
}

// claimed scans the issue for the latest plan and approval and acts on them.
func (e *Executor) claimed(ctx context.Context, issue int) (Outcome, error) {
	comments, err := e.tracker.ListComments(ctx, issue)
	if err != nil {
		return Outcome{}, fmt.Errorf("list comments: %w", err)
	}
	scan := FindLatestPlanAndApproval(comments)

	var out Outcome
	switch {
	case scan.Plan == nil:
		out = outcome(StatusNotApplicable, ResultNoPlan)
	default:
		plan, perr := ParsePlan(scan.Plan.Body)
		if perr != nil {
			e.log.Warn("plan unreadable", "issue", issue, "reason", perr)
			out = outcome(StatusRejected, ResultInvalidPlan)
			break
		}
		if !plan.NeedsApproval {
			return outcome(StatusNotApplicable, ResultL1Noop), nil
		}
		out, err = e.decide(ctx, issue, plan, scan.Approval)
		if err != nil {
			return out, err
		}
	}

	if msg, ok := RejectionMessage(out.ExecutionResult); ok {
		if err := e.tracker.PostComment(ctx, issue, msg); err != nil {
			return Outcome{}, fmt.Errorf("post rejection: %w", err)
		}
	}
	return out, nil
}

// decide authorizes the approval, if any, and applies the plan.
func (e *Executor) decide(ctx context.Context, issue int, plan gate.ProposedActionStruct, approve *tracker.Comment) (Outcome, error) {
	if approve == nil {
		return outcome(StatusPending, ResultNoApproval), nil
	}
	out := outcome(StatusRejected, "")
	out.ApprovalActorLogin = approve.Author

	entry, err := e.dir.ByLogin(approve.Author)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			return Outcome{}, err
		}
		out.ExecutionResult = ResultNotInDirectory
		return out, nil
	}
	out.ApprovalActorRole = entry.Role
	if code := Authorize(plan, entry.Role); code != "" {
		out.ExecutionResult = code
		return out, nil
	}

	out.ApprovalStatus = StatusApproved
	executed, err := Apply(ctx, e.tracker, issue, plan)
	out.ExecutedActions = executed
	if err != nil {
		out.ExecutionResult = ResultError
		return out, err
	}
	out.ExecutionResult = ResultSuccess
	if len(executed) == 0 {
		out.ExecutionResult = ResultAlreadyApprovedSkip
	}
	return out, nil
}

func (e *Executor) executed(ctx context.Context, issue int) (bool, error) {
	labels, err := e.tracker.GetLabels(ctx, issue)
	if err != nil {
		return false, fmt.Errorf("get labels: %w", err)
	}
	return slices.Contains(labels, gate.StatusExecuted), nil
}

// #endregion executor
