package types

import "time"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	EntityCount   int64  `json:"entity_count"`
	PendingJobs   int64  `json:"pending_jobs"`
	SchemaVersion int64  `json:"schema_version"`
}

// UpdateResult summarizes one UpdateData call.
type UpdateResult struct {
	SubjectID     int64          `json:"subject_id"`
	Redirect      bool           `json:"redirect"`
	Tables        []TableSummary `json:"tables"`
	Subobjects    int            `json:"subobjects"`
	RowsInserted  int            `json:"rows_inserted"`
	RowsDeleted   int            `json:"rows_deleted"`
	UnchangedHash bool           `json:"unchanged_hash"`
}

// TableSummary reports the row changes applied to one table.
type TableSummary struct {
	Table    string `json:"table"`
	Inserted int    `json:"inserted"`
	Deleted  int    `json:"deleted"`
}

// DeleteSubjectRequest is the body of POST /subjects/delete.
type DeleteSubjectRequest struct {
	Subject Subject `json:"subject"`
}

// RedirectRequest is the body of PUT /redirects. A nil target removes the
// redirect.
type RedirectRequest struct {
	Source Subject  `json:"source"`
	Target *Subject `json:"target,omitempty"`
}

// RedirectResponse carries the canonical identifier after a redirect update.
type RedirectResponse struct {
	ID int64 `json:"id"`
}

// MoveRequest is the body of POST /moves.
type MoveRequest struct {
	Source          Subject `json:"source"`
	Target          Subject `json:"target"`
	LeaveRedirect   bool    `json:"leave_redirect"`
	ForceUpdateJobs bool    `json:"force_update_jobs"`
}

// DisposeResponse reports whether an identifier was purged.
type DisposeResponse struct {
	ID       int64  `json:"id"`
	Disposed bool   `json:"disposed"`
	Table    string `json:"referenced_by,omitempty"`
}

// PropertyUsage is one row of the usage statistics.
type PropertyUsage struct {
	PropertyID int64  `json:"property_id"`
	Key        string `json:"key"`
	Usage      int64  `json:"usage"`
	Counted    *int64 `json:"counted,omitempty"`
}

// UpdateJob is a deferred request to re-index a page.
type UpdateJob struct {
	ID        string    `json:"id"`
	Subject   Subject   `json:"subject"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityResponse describes one identifier.
type EntityResponse struct {
	ID       int64     `json:"id"`
	Subject  Subject   `json:"subject"`
	SortKey  string    `json:"sort_key"`
	Marker   string    `json:"marker,omitempty"`
	Revision int64     `json:"revision"`
	Touched  time.Time `json:"touched"`
}

// DisposalPassResponse reports one window of a disposal sweep.
type DisposalPassResponse struct {
	LastID   int64 `json:"last_id"`
	Scanned  int   `json:"scanned"`
	Disposed int   `json:"disposed"`
}

// ClearJobsResponse reports how many queued jobs were dropped.
type ClearJobsResponse struct {
	Cleared int64 `json:"cleared"`
}

// ReferenceResponse reports where an identifier is still referenced.
type ReferenceResponse struct {
	ID         int64  `json:"id"`
	Referenced bool   `json:"referenced"`
	Table      string `json:"table,omitempty"`
	Column     string `json:"column,omitempty"`
}
