package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// JSON is a raw JSON document stored as text.
type JSON json.RawMessage

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}

	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}

	return nil
}

// MarshalJSON emits the stored document verbatim.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}

	return []byte(j), nil
}

// UnmarshalJSON stores the document verbatim.
func (j *JSON) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*j = nil

		return nil
	}

	*j = append((*j)[:0], b...)

	return nil
}

// GormDataType stores JSON as text on every dialect.
func (JSON) GormDataType() string {
	return "text"
}

// MustJSON marshals v, returning nil for nil input or on failure.
func MustJSON(v any) JSON {
	if v == nil {
		return nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}

	return JSON(b)
}

// RawLog wraps one run payload exactly as received. Only Processed,
// ProcessingError and ProcessedAt change after creation.
type RawLog struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Source          string     `gorm:"index" json:"source"`
	Payload         JSON       `gorm:"not null" json:"payload"`
	Platform        string     `gorm:"index" json:"platform"`
	Processed       bool       `gorm:"index;not null;default:false" json:"processed"`
	ProcessingError *string    `json:"processing_error"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// TableName implements gorm's Tabler.
func (RawLog) TableName() string { return string(ResourceRawLogs) }

// BeforeCreate assigns an id and derives the platform tag from the payload.
func (r *RawLog) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if r.Platform == "" && len(r.Payload) > 0 {
		r.Platform = gjson.GetBytes(r.Payload, "platform").String()
		if r.Platform == "" {
			r.Platform = gjson.GetBytes(r.Payload, "metadata.platform").String()
		}
	}

	r.Platform = strings.ToLower(r.Platform)

	return nil
}

// Run is one execution of the suite.
type Run struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	ReadableID      string     `gorm:"column:readable_id;index" json:"readable_id"`
	Framework       string     `json:"framework"`
	SuiteName       string     `json:"suite_name"`
	Environment     string     `json:"environment"`
	Platform        string     `gorm:"index" json:"platform"`
	System          string     `gorm:"index" json:"system"`
	StartedAt       time.Time  `gorm:"index" json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	TotalJourneys   int        `json:"total_journeys"`
	PassedJourneys  int        `json:"passed_journeys"`
	FailedJourneys  int        `json:"failed_journeys"`
	SkippedJourneys int        `json:"skipped_journeys"`
	TotalSteps      int        `json:"total_steps"`
	PassedSteps     int        `json:"passed_steps"`
	FailedSteps     int        `json:"failed_steps"`
	SkippedSteps    int        `json:"skipped_steps"`
	SuccessRate     float64    `json:"success_rate"`
	DurationMS      int64      `gorm:"column:duration_ms" json:"duration_ms"`
	BuildNumber     string     `json:"build_number"`
	BuildURL        string     `gorm:"column:build_url" json:"build_url"`
	JobName         string     `json:"job_name"`
	ReportURL       string     `gorm:"column:report_url" json:"report_url"`
	Metadata        JSON       `json:"metadata"`
	RawLogID        *string    `gorm:"column:raw_log_id;size:36;index" json:"raw_log_id"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
}

// TableName implements gorm's Tabler.
func (Run) TableName() string { return string(ResourceRuns) }

// BeforeCreate assigns ids and denormalizes the system tag.
func (r *Run) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	r.StartedAt = r.StartedAt.UTC()

	if r.System == "" && len(r.Metadata) > 0 {
		r.System = gjson.GetBytes(r.Metadata, "system").String()
	}

	r.System = strings.ToLower(r.System)
	r.Platform = strings.ToLower(r.Platform)

	if r.ReadableID == "" {
		r.ReadableID = ReadableRunID(r.Environment, r.StartedAt)
	}

	return nil
}

// ReadableRunID formats "<environment>-<YYYYMMDD-HHMMSS>" in UTC.
func ReadableRunID(environment string, startedAt time.Time) string {
	if environment == "" {
		environment = "run"
	}

	return fmt.Sprintf("%s-%s", environment, startedAt.UTC().Format("20060102-150405"))
}

// Journey is one scenario of a run.
type Journey struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	RunID          string     `gorm:"column:run_id;size:36;index;not null" json:"run_id"`
	JourneyNumber  int        `json:"journey_number"`
	Name           string     `gorm:"index" json:"name"`
	Description    string     `json:"description"`
	Status         string     `gorm:"index" json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	DurationMS     int64      `gorm:"column:duration_ms" json:"duration_ms"`
	FailureReason  string     `json:"failure_reason"`
	FailureType    string     `json:"failure_type"`
	FailureMessage string     `json:"failure_message"`
	FailureStack   string     `gorm:"type:text" json:"failure_stack"`
	Metadata       JSON       `json:"metadata"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

// TableName implements gorm's Tabler.
func (Journey) TableName() string { return string(ResourceJourneys) }

// BeforeCreate assigns an id.
func (j *Journey) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	return nil
}

// Step is one step of a journey.
type Step struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	RunID        string     `gorm:"column:run_id;size:36;index;not null" json:"run_id"`
	JourneyID    string     `gorm:"column:journey_id;size:36;index;not null" json:"journey_id"`
	StepNumber   int        `json:"step_number"`
	Name         string     `gorm:"index" json:"name"`
	Status       string     `gorm:"index" json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	DurationMS   int64      `gorm:"column:duration_ms" json:"duration_ms"`
	ErrorType    string     `json:"error_type"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	ErrorStack   string     `gorm:"type:text" json:"error_stack"`
	TabName      string     `gorm:"index" json:"tab_name"`
	APICalls     JSON       `gorm:"column:api_calls" json:"api_calls"`
	Metadata     JSON       `json:"metadata"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
}

// TableName implements gorm's Tabler.
func (Step) TableName() string { return string(ResourceSteps) }

// BeforeCreate assigns an id and denormalizes the tab name.
func (s *Step) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	if s.TabName == "" && len(s.Metadata) > 0 {
		s.TabName = gjson.GetBytes(s.Metadata, "tab_name").String()
	}

	return nil
}
