package approval

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/audit"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/tracker"
)

const repo = "acme/helpdesk"

func l2Plan() gate.ProposedActionStruct {
	return gate.ProposedActionStruct{
		RiskLevel:            gate.RiskL2,
		NeedsApproval:        true,
		ApprovalRoleRequired: directory.RoleITAdmin,
		LabelsToAdd:          []string{"cat:Access", "prio:Medium", gate.StatusPendingApproval},
		Assignees:            []string{"it-oncall"},
		CommentSummary:       "Proposed: Grant access",
	}
}

func testDirectory() *directory.Directory {
	return directory.New([]directory.Entry{
		{UserID: "u1", Role: directory.RoleEmployee, GitHubUsername: "emp"},
		{UserID: "u2", Role: directory.RoleEngineer, GitHubUsername: "eng"},
		{UserID: "u3", Role: directory.RoleITAdmin, GitHubUsername: "Admin"},
	})
}

type recordingSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (s *recordingSink) Append(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

type fixture struct {
	tr   *tracker.Memory
	sink *recordingSink
	exec *Executor
}

func newFixture(t *testing.T, labels []string, comments ...[2]string) fixture {
	t.Helper()
	tr := tracker.NewMemory(repo)
	tr.AddIssue(tracker.Issue{Number: 1, Title: "Need access", Author: "emp", Labels: labels})
	for _, c := range comments {
		tr.AddComment(1, c[0], c[1])
	}
	sink := &recordingSink{}
	return fixture{
		tr:   tr,
		sink: sink,
		exec: NewExecutor(tr, testDirectory(), nil, sink, nil, logging.Discard()),
	}
}

func planBody(p gate.ProposedActionStruct) string {
	return RenderPlan(PlanInput{Actions: p, Answer: "Here’s what the runbooks suggest (ACL-filtered):"})
}

// #region plan
func TestRenderPlan_RoundTrip(t *testing.T) {
	body := planBody(l2Plan())
	assert.True(t, strings.HasPrefix(body, "## "+TitlePending+"\n\nProposed: Grant access\n\n"))
	assert.Contains(t, body, "<details><summary>Details (evidence + struct)</summary>")
	assert.True(t, strings.HasSuffix(body, "\n</details>\n"))
	assert.True(t, IsPlan(body))

	got, err := ParsePlan(body)
	require.NoError(t, err)
	assert.Equal(t, l2Plan(), got)
}

func TestRenderPlan_SourcesMap(t *testing.T) {
	c := evidence.NewCatalog(nil)
	body := RenderPlan(PlanInput{Actions: l2Plan(), Catalog: c})
	assert.NotContains(t, body, "### Sources map")
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"no heading", "## Proposed Plan (TRIAGED)\n\nnothing", "missing_struct_heading"},
		{"no fence", "### Proposed actions (struct)\n\n{}", "missing_struct_block"},
		{"bad json", "### Proposed actions (struct)\n\n```json\n{not json\n```", "invalid_json"},
		{"missing needs_approval", "### Proposed actions (struct)\n\n```json\n" +
			`{"risk_level":"L2","approval_role_required":"IT Admin","labels_to_add":["a"]}` + "\n```", "missing_needs_approval"},
		{"bad role", "### Proposed actions (struct)\n\n```json\n" +
			`{"risk_level":"L2","needs_approval":true,"approval_role_required":"Engineer","labels_to_add":["a"]}` + "\n```", "bad_approval_role_required"},
		{"empty labels", "### Proposed actions (struct)\n\n```json\n" +
			`{"risk_level":"L1","needs_approval":false,"approval_role_required":"N/A","labels_to_add":[]}` + "\n```", "bad_labels_to_add"},
		{"non-string label", "### Proposed actions (struct)\n\n```json\n" +
			`{"risk_level":"L1","needs_approval":false,"approval_role_required":"N/A","labels_to_add":[1]}` + "\n```", "bad_labels_to_add"},
		{"string needs_approval", "### Proposed actions (struct)\n\n```json\n" +
			`{"risk_level":"L1","needs_approval":"no","approval_role_required":"N/A","labels_to_add":["a"]}` + "\n```", "bad_needs_approval"},
		{"bad risk", "### Proposed actions (struct)\n\n```json\n" +
			`{"risk_level":"L3","needs_approval":true,"approval_role_required":"N/A","labels_to_add":["a"]}` + "\n```", "bad_risk_level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlan(tc.body)
			var pe *PlanError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.reason, pe.Reason)
		})
	}
}

func TestParsePlan_LenientHeadingAndFence(t *testing.T) {
	body := "### proposed ACTIONS (struct):\n```JSON\n" +
		`{"risk_level":"L1","needs_approval":false,"approval_role_required":"N/A","labels_to_add":["cat:VPN"]}` +
		"\n```"
	got, err := ParsePlan(body)
	require.NoError(t, err)
	assert.Equal(t, gate.RiskL1, got.RiskLevel)
	assert.Equal(t, []string{"cat:VPN"}, got.LabelsToAdd)
}

// #endregion plan

// #region fold
func comments(bodies ...string) []tracker.Comment {
	out := make([]tracker.Comment, len(bodies))
	for i, b := range bodies {
		out[i] = tracker.Comment{ID: int64(i + 1), Author: "u", Body: b}
	}
	return out
}

func TestFindLatestPlanAndApproval(t *testing.T) {
	plan := "## " + TitlePending
	tests := []struct {
		name      string
		bodies    []string
		planIdx   int
		approveID int64
	}{
		{"empty", nil, -1, 0},
		{"approve without plan", []string{"APPROVE"}, -1, 0},
		{"plan only", []string{"hi", plan}, 1, 0},
		{"approve after plan", []string{plan, "thanks", " approve \n"}, 0, 3},
		{"approve before plan ignored", []string{"APPROVE", plan}, 1, 0},
		{"latest plan wins", []string{plan, "APPROVE", "## " + TitleTriaged}, 2, 0},
		{"latest approval after plan", []string{plan, "APPROVE", "APPROVE"}, 0, 3},
		{"approve must be whole body", []string{plan, "I APPROVE this"}, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := FindLatestPlanAndApproval(comments(tc.bodies...))
			assert.Equal(t, tc.planIdx, s.PlanIndex)
			assert.Equal(t, tc.planIdx >= 0, s.Plan != nil)
			if tc.approveID == 0 {
				assert.Nil(t, s.Approval)
			} else {
				require.NotNil(t, s.Approval)
				assert.Equal(t, tc.approveID, s.Approval.ID)
			}
		})
	}
}

// #endregion fold

// #region authorize
func TestAuthorize(t *testing.T) {
	l1 := gate.ProposedActionStruct{RiskLevel: gate.RiskL1, NeedsApproval: true}
	tests := []struct {
		plan gate.ProposedActionStruct
		role string
		want Result
	}{
		{l2Plan(), directory.RoleEmployee, ResultEmployeeRejected},
		{l2Plan(), directory.RoleEngineer, ResultL2NeedsITAdmin},
		{l2Plan(), directory.RoleITAdmin, ""},
		{l1, directory.RoleEmployee, ResultEmployeeRejected},
		{l1, directory.RoleEngineer, ""},
		{l1, directory.RoleITAdmin, ""},
		{l1, "Contractor", ResultL1NeedsEngineer},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Authorize(tc.plan, tc.role), "%s/%s", tc.plan.RiskLevel, tc.role)
	}
}

func TestMessages(t *testing.T) {
	_, ok := RejectionMessage(ResultNoApproval)
	assert.False(t, ok)
	assert.Equal(t, defaultRejectionMessage, Message(ResultError))
	msg, ok := RejectionMessage(ResultEmployeeRejected)
	require.True(t, ok)
	assert.Contains(t, msg, "Employees cannot approve execution")
}

// #endregion authorize

// #region executor
func TestExecute_EmployeeApprovalRejected(t *testing.T) {
	f := newFixture(t, []string{gate.StatusPendingApproval},
		[2]string{"helpdesk-bot", planBody(l2Plan())},
		[2]string{"emp", "APPROVE"},
	)
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultEmployeeRejected, out.ExecutionResult)
	assert.Equal(t, StatusRejected, out.ApprovalStatus)
	assert.Equal(t, "emp", out.ApprovalActorLogin)
	assert.Equal(t, directory.RoleEmployee, out.ApprovalActorRole)

	labels, _ := f.tr.GetLabels(context.Background(), 1)
	assert.Equal(t, []string{gate.StatusPendingApproval}, labels)
	assert.Empty(t, f.tr.Assignees(1))
	assert.Equal(t, 1, f.tr.Mutations)
	cs := f.tr.Comments(1)
	assert.Contains(t, cs[len(cs)-1].Body, "Employees cannot approve")

	require.Len(t, f.sink.recs, 1)
	assert.Equal(t, string(ResultEmployeeRejected), f.sink.recs[0].ExecutionResult)
	assert.Equal(t, audit.StageExecute, f.sink.recs[0].Stage)
	assert.Equal(t, repo, f.sink.recs[0].Repo)
}

func TestExecute_InvalidPlanFormat(t *testing.T) {
	body := "## " + TitlePending + "\n\n### Proposed actions (struct)\n\n```json\n{broken\n```"
	f := newFixture(t, []string{gate.StatusPendingApproval},
		[2]string{"helpdesk-bot", body},
		[2]string{"Admin", "APPROVE"},
	)
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultInvalidPlan, out.ExecutionResult)
	assert.Equal(t, StatusRejected, out.ApprovalStatus)
	assert.Empty(t, out.ExecutedActions)

	labels, _ := f.tr.GetLabels(context.Background(), 1)
	assert.Equal(t, []string{gate.StatusPendingApproval}, labels)
	assert.Equal(t, 1, f.tr.Mutations)
}

func TestExecute_NoPlan(t *testing.T) {
	f := newFixture(t, nil, [2]string{"Admin", "APPROVE"})
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultNoPlan, out.ExecutionResult)
	assert.Equal(t, StatusNotApplicable, out.ApprovalStatus)
	cs := f.tr.Comments(1)
	assert.Contains(t, cs[len(cs)-1].Body, "No proposed plan found")
}

func TestExecute_NoApprovalYet(t *testing.T) {
	f := newFixture(t, nil, [2]string{"helpdesk-bot", planBody(l2Plan())})
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultNoApproval, out.ExecutionResult)
	assert.Equal(t, StatusPending, out.ApprovalStatus)
	assert.Zero(t, f.tr.Mutations)
}

func TestExecute_ApproverNotInDirectory(t *testing.T) {
	f := newFixture(t, nil,
		[2]string{"helpdesk-bot", planBody(l2Plan())},
		[2]string{"stranger", "APPROVE"},
	)
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultNotInDirectory, out.ExecutionResult)
	assert.Equal(t, "stranger", out.ApprovalActorLogin)
	assert.Empty(t, out.ApprovalActorRole)
}

func TestExecute_L1PlanIsNoop(t *testing.T) {
	p := l2Plan()
	p.RiskLevel, p.NeedsApproval, p.ApprovalRoleRequired = gate.RiskL1, false, gate.NotApplicable
	f := newFixture(t, nil, [2]string{"helpdesk-bot", planBody(p)}, [2]string{"Admin", "APPROVE"})
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultL1Noop, out.ExecutionResult)
	assert.Zero(t, f.tr.Mutations)
}

func TestExecute_ApprovedThenIdempotent(t *testing.T) {
	f := newFixture(t, []string{"cat:Access", gate.StatusPendingApproval},
		[2]string{"helpdesk-bot", planBody(l2Plan())},
		[2]string{"admin", "APPROVE"},
	)
	ctx := context.Background()

	out, err := f.exec.Execute(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, out.ExecutionResult)
	assert.Equal(t, StatusApproved, out.ApprovalStatus)
	assert.Equal(t, []string{ActionAddLabels, ActionAddAssignees}, out.ExecutedActions)

	labels, _ := f.tr.GetLabels(ctx, 1)
	assert.Equal(t, []string{"cat:Access", "prio:Medium", gate.StatusExecuted}, labels)
	assert.Equal(t, []string{"it-oncall"}, f.tr.Assignees(1))
	cs := f.tr.Comments(1)
	assert.Equal(t, "## Executed actions\n\n{\n  \"executed\": [\n    \"add_labels\",\n    \"add_assignees\"\n  ]\n}", cs[len(cs)-1].Body)

	mutations := f.tr.Mutations
	for range 2 {
		again, err := f.exec.Execute(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, ResultAlreadyExecuted, again.ExecutionResult)
		assert.Equal(t, StatusNotApplicable, again.ApprovalStatus)
		assert.Empty(t, again.ExecutedActions)
	}
	assert.Equal(t, mutations, f.tr.Mutations)
	assert.Len(t, f.sink.recs, 3)
}

type busyClaimer struct{}

func (busyClaimer) Claim(context.Context, string) (func(), bool, error) { return nil, false, nil }

func TestExecute_ClaimHeldElsewhere(t *testing.T) {
	f := newFixture(t, nil,
		[2]string{"helpdesk-bot", planBody(l2Plan())},
		[2]string{"admin", "APPROVE"},
	)
	f.exec.claimer = busyClaimer{}
	out, err := f.exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultInProgress, out.ExecutionResult)
	assert.Zero(t, f.tr.Mutations)
	require.Len(t, f.sink.recs, 1)
}

type failingTracker struct {
	*tracker.Memory
}

func (failingTracker) ListComments(context.Context, int) ([]tracker.Comment, error) {
	return nil, errors.New("tracker unavailable")
}

func TestExecute_CollaboratorErrorIsAudited(t *testing.T) {
	tr := tracker.NewMemory(repo)
	tr.AddIssue(tracker.Issue{Number: 1})
	sink := &recordingSink{}
	exec := NewExecutor(failingTracker{tr}, testDirectory(), nil, sink, nil, logging.Discard())

	out, err := exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultError, out.ExecutionResult)
	require.Len(t, sink.recs, 1)
	assert.Contains(t, sink.recs[0].Error, "tracker unavailable")
	assert.Zero(t, tr.Mutations)
}

type assignFailTracker struct {
	*tracker.Memory
}

func (assignFailTracker) AddAssignees(context.Context, int, []string) error {
	return errors.New("assignees rejected")
}

func TestExecute_PartialApplyKeepsActions(t *testing.T) {
	tr := tracker.NewMemory(repo)
	tr.AddIssue(tracker.Issue{Number: 1, Author: "emp", Labels: []string{gate.StatusPendingApproval}})
	tr.AddComment(1, "helpdesk-bot", planBody(l2Plan()))
	tr.AddComment(1, "admin", "APPROVE")
	sink := &recordingSink{}
	exec := NewExecutor(assignFailTracker{tr}, testDirectory(), nil, sink, nil, logging.Discard())

	out, err := exec.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ResultError, out.ExecutionResult)
	assert.Equal(t, []string{ActionAddLabels}, out.ExecutedActions)
	assert.Equal(t, StatusApproved, out.ApprovalStatus)
	assert.Equal(t, directory.RoleITAdmin, out.ApprovalActorRole)

	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	assert.Equal(t, string(ResultError), rec.ExecutionResult)
	assert.Equal(t, []string{ActionAddLabels}, rec.ExecutedActions)
	assert.Equal(t, "admin", rec.ApprovalActorLogin)
	assert.Contains(t, rec.Error, "assignees rejected")

	labels, _ := tr.GetLabels(context.Background(), 1)
	assert.Contains(t, labels, gate.StatusExecuted)
}

func TestExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	calls := 0
	res, err := f.exec.Exclusive(ctx, 1, func(context.Context) error { calls++; return nil })
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 1, calls)

	require.NoError(t, f.tr.AddLabels(ctx, 1, []string{gate.StatusExecuted}, gate.StatusPrefix))
	res, err = f.exec.Exclusive(ctx, 1, func(context.Context) error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyExecuted, res)

	busy := newFixture(t, nil)
	busy.exec.claimer = busyClaimer{}
	res, err = busy.exec.Exclusive(ctx, 1, func(context.Context) error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, ResultInProgress, res)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = newFixture(t, nil).exec.Exclusive(ctx, 1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

// #endregion executor

// #region claimers
func TestMemoryClaimer(t *testing.T) {
	c := NewMemoryClaimer()
	ctx := context.Background()
	release, ok, err := c.Claim(ctx, ClaimKey(repo, 1))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = c.Claim(ctx, ClaimKey(repo, 1))
	assert.False(t, ok)
	_, ok, _ = c.Claim(ctx, ClaimKey(repo, 2))
	assert.True(t, ok)

	release()
	_, ok, _ = c.Claim(ctx, ClaimKey(repo, 1))
	assert.True(t, ok)
}

func TestRedisClaimer(t *testing.T) {
	addr := os.Getenv("HELPDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HELPDESK_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	key := ClaimKey(repo, int(time.Now().UnixNano()%1_000_000))

	c := NewRedisClaimer(rdb, time.Minute)
	release, ok, err := c.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := c.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

// #endregion claimers
