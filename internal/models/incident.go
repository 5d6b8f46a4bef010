package models

import "time"

// TriageResult is the synchronous answer to a triage request.
type TriageResult struct {
	Summary string `json:"triage_summary"`
	Title   string `json:"triage_title"`
	// IncidentID is set once the ledger has accepted the incident.
	IncidentID string `json:"incident_id,omitempty"`
	// Warnings lists best-effort steps that failed after the incident was created.
	Warnings []string `json:"warnings,omitempty"`
}

// Assignee identifies who owns an incident in the ledger.
type Assignee struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Incident mirrors the record created in the external ledger.
type Incident struct {
	ID               string    `json:"incident_id"`
	Title            string    `json:"title"`
	Summary          string    `json:"summary"`
	Assignee         Assignee  `json:"assignee"`
	Author           string    `json:"author"`
	Status           string    `json:"status"`
	AffectedServices []string  `json:"affected_services,omitempty"`
	AffectedRequests []string  `json:"affected_requests,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Batch            LogBatch  `json:"batch"`
}

// TimelineStage names the audit-trail bucket a timeline entry belongs to.
type TimelineStage string

const (
	StageIncidentDetected  TimelineStage = "incident-detected"
	StageRootCauseAnalysis TimelineStage = "root-cause-analysis"
	StageResolutionPlan    TimelineStage = "resolution-plan"
)

// TimelineStatus is the progress marker attached to a timeline entry.
type TimelineStatus string

const (
	TimelinePending    TimelineStatus = "pending"
	TimelineInProgress TimelineStatus = "in_progress"
	TimelineCompleted  TimelineStatus = "completed"
)

// TimelineEntry is an append-only note on an existing incident.
type TimelineEntry struct {
	IncidentID string         `json:"incident_id"`
	Author     string         `json:"author"`
	Timestamp  time.Time      `json:"timestamp"`
	Stage      TimelineStage  `json:"stage"`
	Status     TimelineStatus `json:"status"`
	Text       string         `json:"text"`
}

// RCA is the root-cause analysis attached to an incident.
type RCA struct {
	IncidentID string `json:"incident_id"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
}
