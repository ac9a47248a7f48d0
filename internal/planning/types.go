package planning

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

type Project struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	ProductRequest string    `json:"product_request"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResearchAppendix is the persisted artifact of one research run. Its run id
// is a provenance pointer back to the run that produced it.
type ResearchAppendix struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id"`
	Markdown  string    `json:"markdown"`
	URLs      []string  `json:"urls"`
	Summary   string    `json:"summary"`
	Impact    string    `json:"impact"`
	CreatedAt time.Time `json:"created_at"`
}

type BatchStatus string

const (
	BatchGenerated BatchStatus = "generated"
	BatchApproved  BatchStatus = "approved"
)

type ItemStatus string

const (
	ItemProposed         ItemStatus = "proposed"
	ItemApproved         ItemStatus = "approved"
	ItemRejected         ItemStatus = "rejected"
	ItemChangesRequested ItemStatus = "changes_requested"
)

// EpicBatch groups the epics produced by one generation run. The batch and
// its epics commit together; a reader never sees one without the other.
type EpicBatch struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	RunID       string      `json:"run_id,omitempty"`
	Constraints string      `json:"constraints"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Epic struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	BatchID        string     `json:"batch_id"`
	Title          string     `json:"title"`
	Goal           string     `json:"goal"`
	InScope        string     `json:"in_scope"`
	OutOfScope     string     `json:"out_of_scope"`
	Priority       string     `json:"priority"`
	PriorityReason string     `json:"priority_reason"`
	Dependencies   []string   `json:"dependencies"`
	Risks          string     `json:"risks"`
	Assumptions    string     `json:"assumptions"`
	OpenQuestions  string     `json:"open_questions"`
	SuccessMetrics string     `json:"success_metrics"`
	Status         ItemStatus `json:"status"`
	Feedback       string     `json:"feedback,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type StoryBatch struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	EpicID      string      `json:"epic_id"`
	RunID       string      `json:"run_id,omitempty"`
	Constraints string      `json:"constraints"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Story struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	EpicID             string     `json:"epic_id"`
	BatchID            string     `json:"batch_id"`
	Statement          string     `json:"statement"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	EdgeCases          string     `json:"edge_cases"`
	NonFunctional      string     `json:"non_functional"`
	Estimate           string     `json:"estimate"`
	EstimateReason     string     `json:"estimate_reason"`
	Dependencies       []string   `json:"dependencies"`
	Status             ItemStatus `json:"status"`
	Feedback           string     `json:"feedback,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type SpecStatus string

const (
	SpecProposed SpecStatus = "proposed"
	SpecApproved SpecStatus = "approved"
	SpecRejected SpecStatus = "rejected"
)

// SpecDocument is one immutable version of a story's technical spec.
// Versions count up per story; regeneration appends a new version instead of
// mutating an old one.
type SpecDocument struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	StoryID   string     `json:"story_id"`
	Version   int        `json:"version"`
	Status    SpecStatus `json:"status"`

	Constraints string `json:"constraints,omitempty"`
	Feedback    string `json:"feedback,omitempty"`

	Overview               string           `json:"overview"`
	Goals                  string           `json:"goals"`
	FunctionalRequirements []map[string]any `json:"functional_requirements"`
	APIContracts           []map[string]any `json:"api_contracts"`
	DataModelChanges       []map[string]any `json:"data_model_changes"`
	SecurityConsiderations string           `json:"security_considerations"`
	ErrorHandling          string           `json:"error_handling"`
	Observability          string           `json:"observability"`
	TestPlan               []map[string]any `json:"test_plan"`
	ImplementationPlan     []map[string]any `json:"implementation_plan"`
	MermaidSequence        string           `json:"mermaid_sequence"`
	MermaidER              string           `json:"mermaid_er"`

	CreatedAt time.Time `json:"created_at"`
}
