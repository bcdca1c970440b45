package schema

// WorkflowDefinition is the JSON document callers hand to the controller at
// start time. Steps run in order at the top level; composite step types nest
// further step lists beneath them.
type WorkflowDefinition struct {
	Name     string         `json:"name,omitempty"`
	Steps    []WorkflowStep `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAgent       StepType = "agent"
	StepTypeTransform   StepType = "transform"
	StepTypeConditional StepType = "conditional"
	StepTypeSequential  StepType = "sequential"
	StepTypeParallel    StepType = "parallel"
	StepTypeLoop        StepType = "loop"
	StepTypeHumanReview StepType = "humanReview"
)

// WorkflowStep is the tagged union describing a single node in the step tree,
// discriminated by Type. Only the fields relevant to the step's type are set;
// the validator rejects documents that mix variants.
type WorkflowStep struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Type           StepType `json:"type"`
	OutputVariable string   `json:"outputVariable,omitempty"`

	// agent
	AgentID       string       `json:"agentId,omitempty"`
	InputTemplate string       `json:"inputTemplate,omitempty"`
	Retry         *RetryPolicy `json:"retry,omitempty"`

	// transform
	TransformKind TransformKind `json:"transformKind,omitempty"`
	// Program holds the jq program (extractJson) or expr program (expression)
	// for transform kinds that take one.
	Program string `json:"program,omitempty"`

	// conditional
	Condition   *Condition     `json:"condition,omitempty"`
	TrueBranch  []WorkflowStep `json:"trueBranch,omitempty"`
	FalseBranch []WorkflowStep `json:"falseBranch,omitempty"`

	// sequential / parallel / loop
	Children []WorkflowStep `json:"children,omitempty"`

	// parallel
	ContinueOnChildFailure bool `json:"continueOnChildFailure,omitempty"`

	// loop
	MaxIterations  int        `json:"maxIterations,omitempty"`
	BreakCondition *Condition `json:"breakCondition,omitempty"`

	// humanReview
	PromptForReviewer string         `json:"promptForReviewer,omitempty"`
	TimeoutSeconds    int            `json:"timeoutSeconds,omitempty"`
	OnTimeout         TimeoutOutcome `json:"onTimeout,omitempty"`
}

// TransformKind enumerates the pure, synchronous transforms.
type TransformKind string

const (
	TransformTrim        TransformKind = "trim"
	TransformConcat      TransformKind = "concat"
	TransformUppercase   TransformKind = "uppercase"
	TransformLowercase   TransformKind = "lowercase"
	TransformExtractJSON TransformKind = "extractJson"
	TransformExpression  TransformKind = "expression"
)

// ConditionOperator enumerates the structured condition operators.
type ConditionOperator string

const (
	OpEquals       ConditionOperator = "equals"
	OpContains     ConditionOperator = "contains"
	OpMatchesRegex ConditionOperator = "matchesRegex"
	OpExists       ConditionOperator = "exists"
)

// Condition guards a conditional branch or terminates a loop. Either the
// structured Field/Operator/Value form or the Expression form (a CEL program
// over the variable scope) is set, never both.
type Condition struct {
	Field      string            `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      string            `json:"value,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// TimeoutOutcome is how an unanswered human review resolves.
type TimeoutOutcome string

const (
	TimeoutApprove TimeoutOutcome = "approve"
	TimeoutReject  TimeoutOutcome = "reject"
)

// RetryPolicy configures retries for agent steps. Zero value means the
// engine defaults apply (2 retries, exponential backoff from 500ms).
type RetryPolicy struct {
	Max     int    `json:"max"`
	Backoff string `json:"backoff,omitempty"` // constant | linear | exponential (default: exponential)
	Delay   string `json:"delay,omitempty"`   // initial delay (e.g. "500ms")
}
