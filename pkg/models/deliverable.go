package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// DeliverableStatus tracks review state of a submitted deliverable. A new
// submission starts in pending; a reviewer moves it to approved,
// revision_requested, or rejected; when a revision is submitted the parent
// flips to revised.
type DeliverableStatus string

const (
	DeliverableStatusPending           DeliverableStatus = "pending"
	DeliverableStatusApproved          DeliverableStatus = "approved"
	DeliverableStatusRevisionRequested DeliverableStatus = "revision_requested"
	DeliverableStatusRevised           DeliverableStatus = "revised"
	DeliverableStatusRejected          DeliverableStatus = "rejected"
)

// Valid reports whether the status is a known deliverable state.
func (s DeliverableStatus) Valid() bool {
	switch s {
	case DeliverableStatusPending, DeliverableStatusApproved,
		DeliverableStatusRevisionRequested, DeliverableStatusRevised, DeliverableStatusRejected:
		return true
	}
	return false
}

// ContentType names the format of a deliverable's content body.
type ContentType string

const (
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeHTML     ContentType = "html"
	ContentTypeJSON     ContentType = "json"
	ContentTypeText     ContentType = "text"
	ContentTypeCode     ContentType = "code"
)

// Valid reports whether the content type is supported.
func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeMarkdown, ContentTypeHTML, ContentTypeJSON, ContentTypeText, ContentTypeCode:
		return true
	}
	return false
}

// ReviewDecision is the reviewer's verdict on a pending deliverable.
type ReviewDecision string

const (
	ReviewDecisionApproved          ReviewDecision = "approved"
	ReviewDecisionRevisionRequested ReviewDecision = "revision_requested"
	ReviewDecisionRejected          ReviewDecision = "rejected"
)

// Valid reports whether the decision is one of the three verdicts.
func (d ReviewDecision) Valid() bool {
	switch d {
	case ReviewDecisionApproved, ReviewDecisionRevisionRequested, ReviewDecisionRejected:
		return true
	}
	return false
}

// DeliverableFile describes one attachment stored beneath the uploads root.
// Stored in the deliverable's files JSON column.
type DeliverableFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"path,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
}

// FileList is the JSON array column holding a deliverable's attachments.
type FileList []DeliverableFile

// Value implements driver.Valuer.
func (l FileList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]DeliverableFile{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *FileList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported type for FileList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Deliverable is an agent's versioned work product for a task. Version is
// strictly monotonic per task, enforced by a partial unique index plus a
// retry loop on conflict. ParentID links a revision to the version it
// replaces.
type Deliverable struct {
	ID                 int64             `db:"id" json:"id"`
	TaskID             *int64            `db:"task_id" json:"taskId,omitempty"`
	ProjectID          *int64            `db:"project_id" json:"projectId,omitempty"`
	Version            int               `db:"version" json:"version"`
	ParentID           *int64            `db:"parent_id" json:"parentId,omitempty"`
	Status             DeliverableStatus `db:"status" json:"status"`
	ContentType        ContentType       `db:"content_type" json:"contentType"`
	Title              string            `db:"title" json:"title,omitempty"`
	Content            string            `db:"content" json:"content,omitempty"`
	Files              FileList          `db:"files" json:"files,omitempty"`
	Actions            JSONMap           `db:"actions" json:"actions,omitempty"`
	SubmittedByAgentID *int64            `db:"submitted_by_agent_id" json:"submittedByAgentId,omitempty"`
	ReviewNote         *string           `db:"review_note" json:"reviewNote,omitempty"`
	ReviewedBy         *int64            `db:"reviewed_by" json:"reviewedBy,omitempty"`
	ReviewedAt         *time.Time        `db:"reviewed_at" json:"reviewedAt,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updatedAt"`
}
