package models

import "time"

const (
	ReconciliationRunStatusQueued    = "queued"
	ReconciliationRunStatusRunning   = "running"
	ReconciliationRunStatusCompleted = "completed"
	ReconciliationRunStatusPartial   = "partial"
	ReconciliationRunStatusFailed    = "failed"
)

const (
	ReconciliationTriggeredCron   = "cron"
	ReconciliationTriggeredManual = "manual"
	ReconciliationTriggeredSystem = "system"
)

const (
	IssueTypeDeleted       = "deleted"
	IssueTypeStatusChanged = "status_changed"
	IssueTypeDatesChanged  = "dates_changed"
	IssueTypeGuestChanged  = "guest_changed"
)

const (
	ActionCancelled = "cancelled"
	ActionUpdated   = "updated"
	ActionSkipped   = "skipped"
	ActionError     = "error"
)

// ReconciliationRun is one execution of the verify-and-correct pass. Created
// as running (or queued, for async triggers) and finalized exactly once into
// completed, partial or failed.
type ReconciliationRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	OrganizationId  string     `gorm:"index;size:36;not null" json:"organization_id"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	DryRun          bool       `gorm:"default:false" json:"dry_run"`
	TotalChecked    int        `json:"total_checked"`
	FoundDeleted    int        `json:"found_deleted"`
	FoundModified   int        `json:"found_modified"`
	FoundOrphan     int        `json:"found_orphan"`
	ActionCancelled int        `json:"action_cancelled"`
	ActionUpdated   int        `json:"action_updated"`
	ActionSkipped   int        `json:"action_skipped"`
	ErrorCount      int        `json:"error_count"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	SummaryJSON     []byte     `gorm:"type:json" json:"summary"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReconciliationItem records one non-trivial decision inside a run. Rows are
// append-only and never updated; at most one per reservation per run.
type ReconciliationItem struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	RunId          uint      `gorm:"index;not null" json:"run_id"`
	OrganizationId string    `gorm:"index;size:36;not null" json:"organization_id"`
	ReservationId  string    `gorm:"index;size:36;not null" json:"reservation_id"`
	ExternalId     string    `gorm:"size:128" json:"external_id"`
	PropertyId     string    `gorm:"size:36" json:"property_id"`
	IssueType      string    `gorm:"size:20;not null" json:"issue_type"`
	LocalStatus    string    `gorm:"size:20" json:"local_status"`
	RemoteStatus   string    `gorm:"size:50" json:"remote_status"`
	LocalDataJSON  []byte    `gorm:"type:json" json:"local_data"`
	RemoteDataJSON []byte    `gorm:"type:json" json:"remote_data"`
	ActionTaken    string    `gorm:"size:20;not null" json:"action_taken"`
	ActionReason   string    `gorm:"type:text" json:"action_reason"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ChannelImportIssue records reservations the import sweep could not bring in
// (typically an unmapped remote listing), for manual follow-up.
type ChannelImportIssue struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"index;size:36;not null" json:"organization_id"`
	IssueType      string    `gorm:"size:50;not null" json:"issue_type"`
	DetailsJSON    []byte    `gorm:"type:json" json:"details"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
