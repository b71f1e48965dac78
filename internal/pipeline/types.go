package pipeline

import (
	"time"

	"github.com/mkarlsen/ticketscrub/internal/pii"
)

// RunStatus is the lifecycle state of a processing run.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusProcessing RunStatus = "processing"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

// Active reports whether the run is still pending or processing.
func (s RunStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Semantic target fields a source column can be mapped to.
const (
	TargetMessageContent = "message_content"
	TargetSenderName     = "sender_name"
	TargetSenderEmail    = "sender_email"
	TargetSenderRole     = "sender_role"
	TargetTimestamp      = "timestamp"
	TargetTicketID       = "ticket_id"
	TargetStatus         = "status"
	TargetSubject        = "subject"
)

// TargetFields returns every semantic target field.
func TargetFields() []string {
	return []string{
		TargetMessageContent,
		TargetSenderName,
		TargetSenderEmail,
		TargetSenderRole,
		TargetTimestamp,
		TargetTicketID,
		TargetStatus,
		TargetSubject,
	}
}

// Row is one tabular record from a source, column name → raw value.
type Row map[string]string

// Mapping assigns semantic target fields to source columns.
type Mapping map[string]string

// Source is an ingested tabular dataset attached to a project.
type Source struct {
	ID          int64   `json:"id" db:"id"`
	ProjectID   int64   `json:"projectId" db:"project_id"`
	Name        string  `json:"name" db:"name"`
	RecordCount int     `json:"recordCount" db:"record_count"`
	Mapping     Mapping `json:"mapping"`
}

// MessageColumn returns the column mapped to message content, if any.
func (s *Source) MessageColumn() (string, bool) {
	col, ok := s.Mapping[TargetMessageContent]
	return col, ok && col != ""
}

// ProcessingConfig holds per-project pipeline settings. It is read once at
// run start and treated as immutable for the duration of the run.
type ProcessingConfig struct {
	ProjectID               int64 `json:"projectId" db:"project_id"`
	DeIdentificationEnabled bool  `json:"deIdentificationEnabled" db:"de_identification_enabled"`

	DetectNames     bool `json:"detectNames" db:"detect_names"`
	DetectEmails    bool `json:"detectEmails" db:"detect_emails"`
	DetectPhones    bool `json:"detectPhones" db:"detect_phones"`
	DetectCompanies bool `json:"detectCompanies" db:"detect_companies"`
	DetectAddresses bool `json:"detectAddresses" db:"detect_addresses"`

	MinMessageLength    int        `json:"minMessageLength" db:"min_message_length"`
	MinCharacterCount   int        `json:"minCharacterCount" db:"min_character_count"`
	ResolvedStatusField string     `json:"resolvedStatusField" db:"resolved_status_field"`
	ResolvedStatusValue string     `json:"resolvedStatusValue" db:"resolved_status_value"`
	DateRangeStart      *time.Time `json:"dateRangeStart" db:"date_range_start"`
	DateRangeEnd        *time.Time `json:"dateRangeEnd" db:"date_range_end"`

	RoleIdentifierField string `json:"roleIdentifierField" db:"role_identifier_field"`
	AgentRoleValue      string `json:"agentRoleValue" db:"agent_role_value"`
	CustomerRoleValue   string `json:"customerRoleValue" db:"customer_role_value"`
}

// DetectionOptions translates the config toggles into detector options.
// De-identification disabled means no category is active.
func (c *ProcessingConfig) DetectionOptions() pii.Options {
	if !c.DeIdentificationEnabled {
		return pii.Options{}
	}
	return pii.Options{
		DetectNames:     c.DetectNames,
		DetectEmails:    c.DetectEmails,
		DetectPhones:    c.DetectPhones,
		DetectCompanies: c.DetectCompanies,
		DetectAddresses: c.DetectAddresses,
	}
}

// Role classifies the sender of a message.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
	RoleUnknown  Role = "unknown"
)

// Message is one role-tagged utterance in the de-identified output.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Metadata carries mapped auxiliary fields alongside the messages.
type Metadata struct {
	TicketID  string `json:"ticketId,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Content is the structured, de-identified payload of one processed row.
// It is the unit emitted per line in JSONL downloads.
type Content struct {
	Messages []Message `json:"messages"`
	Metadata Metadata  `json:"metadata"`
}

// ProcessedRecord is the persisted outcome of a single input row.
type ProcessedRecord struct {
	ID              int64             `json:"id"`
	RunID           int64             `json:"runId"`
	SourceRowNumber int               `json:"sourceRowNumber"`
	Content         Content           `json:"content"`
	PIIMappings     map[string]string `json:"piiMappings,omitempty"`
	WasFiltered     bool              `json:"wasFiltered"`
	FilterReason    string            `json:"filterReason,omitempty"`
	HasError        bool              `json:"hasError"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Filter reasons, also the keys of the filter breakdown.
const (
	ReasonMinLength      = "Below minimum message length"
	ReasonMinCharacters  = "Below minimum character count"
	ReasonStatus         = "Unresolved status"
	ReasonDateRange      = "Out of date range"
)

// FilterOutcome is the decision of the filter/classifier for one row.
type FilterOutcome struct {
	Filtered     bool
	FilterReason string
	Role         Role
	Content      string
}

// PIICounts aggregates distinct detected values per category for a run.
type PIICounts struct {
	Names     int `json:"names"`
	Emails    int `json:"emails"`
	Phones    int `json:"phones"`
	Companies int `json:"companies"`
	Addresses int `json:"addresses"`
}

// FilterBreakdown aggregates filtered rows per filter family.
type FilterBreakdown struct {
	MinLength int `json:"minLength"`
	Status    int `json:"status"`
	DateRange int `json:"dateRange"`
}

// RowError is one recorded row-level failure.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Statistics is the finalized aggregate blob of a terminal run.
type Statistics struct {
	PIICounts       PIICounts       `json:"piiCounts"`
	FilterBreakdown FilterBreakdown `json:"filterBreakdown"`
	Errors          []RowError      `json:"errors"`
}

// ProcessingRun is one execution attempt of the pipeline over a project.
type ProcessingRun struct {
	ID               int64       `json:"id" db:"id"`
	ProjectID        int64       `json:"projectId" db:"project_id"`
	TriggeredBy      int64       `json:"triggeredBy" db:"triggered_by_id"`
	Status           RunStatus   `json:"status" db:"status"`
	TotalRecords     int         `json:"totalRecords" db:"total_records"`
	ProcessedRecords int         `json:"processedRecords" db:"processed_records"`
	FilteredRecords  int         `json:"filteredRecords" db:"filtered_records"`
	ErrorRecords     int         `json:"errorRecords" db:"error_records"`
	Statistics       *Statistics `json:"statistics,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty" db:"error_message"`
	StartedAt        *time.Time  `json:"startedAt" db:"started_at"`
	CompletedAt      *time.Time  `json:"completedAt" db:"completed_at"`
	CreatedAt        time.Time   `json:"createdAt" db:"created_at"`
}

// Progress is the live counter snapshot flushed while a run is active.
type Progress struct {
	Status    RunStatus `json:"status"`
	Processed int       `json:"processed"`
	Filtered  int       `json:"filtered"`
	Errors    int       `json:"errors"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PreviewResult is one before/after sample from the preview generator.
type PreviewResult struct {
	Original  string            `json:"original"`
	Processed string            `json:"processed"`
	PIIFound  map[string]string `json:"piiFound"`
}

// RunEvent is broadcast to live subscribers on status changes and
// periodic progress flushes.
type RunEvent struct {
	Type      string    `json:"type"` // run_status or run_progress
	ProjectID int64     `json:"projectId"`
	RunID     int64     `json:"runId"`
	Status    RunStatus `json:"status"`
	Processed int       `json:"processed"`
	Filtered  int       `json:"filtered"`
	Errors    int       `json:"errors"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}
