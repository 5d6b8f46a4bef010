package models

// TriageRequest is the ingress shape of a triage call. HTTP callers may also
// post the bare event array.
type TriageRequest struct {
	Events []RawLogEvent `json:"events"`
}

// ResolutionPlanRequest asks for an on-demand plan for an incident whose RCA
// the caller already holds.
type ResolutionPlanRequest struct {
	IncidentID string        `json:"incident_id"`
	RCATitle   string        `json:"rca_title"`
	RCASummary string        `json:"rca_summary"`
	Events     []RawLogEvent `json:"events,omitempty"`
}

// WorkflowQuery selects one workflow record or, with an empty id, the most
// recent ones.
type WorkflowQuery struct {
	IncidentID string `json:"incident_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// TaskQuery addresses a scheduled task.
type TaskQuery struct {
	TaskID string `json:"task_id,omitempty"`
}
