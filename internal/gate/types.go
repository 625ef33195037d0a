package gate

// #region triage-types
// Category is the triage category of a request.
type Category string

const (
	CategoryVPN        Category = "VPN"
	CategoryMFA        Category = "MFA"
	CategoryOnboarding Category = "Onboarding"
	CategoryAccess     Category = "Access"
	CategoryOther      Category = "Other"
)

// Priority is the triage priority of a request.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// Triage is the keyword classification of one request.
type Triage struct {
	Category Category `json:"category"`
	Priority Priority `json:"priority"`
}

// Source says where request text came from. Tracker issues carry form
// sections that are normalized and may state urgency explicitly.
type Source string

const (
	SourceCLI   Source = "cli_arg"
	SourceIssue Source = "github_issue"
)

// #endregion triage-types

// #region risk
// RiskLevel decides whether an action auto-executes.
type RiskLevel string

const (
	RiskL1 RiskLevel = "L1"
	RiskL2 RiskLevel = "L2"
)

// NotApplicable is the approval role recorded for L1 plans.
const NotApplicable = "N/A"

// Status labels. Only one status label is present on an issue at a time.
const (
	StatusPrefix          = "status:"
	StatusPendingApproval = "status:pending-approval"
	StatusTriaged         = "status:triaged"
	StatusExecuted        = "status:executed"
)

// #endregion risk

// #region proposed-action
// ProposedActionStruct is the gate's decision for one request. Only
// CommentSummary may change after Classify returns.
type ProposedActionStruct struct {
	RiskLevel            RiskLevel `json:"risk_level"`
	NeedsApproval        bool      `json:"needs_approval"`
	ApprovalRoleRequired string    `json:"approval_role_required"`
	AutoExecute          bool      `json:"auto_execute"`
	LabelsToAdd          []string  `json:"labels_to_add"`
	Assignees            []string  `json:"assignees"`
	CommentSummary       string    `json:"comment_summary"`
}

// #endregion proposed-action

// #region policy
// Policy holds the configurable parts of classification.
type Policy struct {
	// Assignees per category, added when a plan executes.
	Assignees map[Category][]string
}

// DefaultPolicy assigns nobody.
func DefaultPolicy() Policy {
	return Policy{}
}

// #endregion policy
