package analysis

import (
	"fmt"
	"strings"

	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/utils"
)

const (
	summarySystemPrompt = "You are a triage agent and an expert at root cause analysis. " +
		"You will be given a list of logs, and you need to provide a short summary " +
		"of the root cause of the issue and a short incident title."

	rcaSystemPrompt = "You are an expert site reliability engineer performing root cause analysis. " +
		"Use the incident triage, the knowledge base context and the log events to explain " +
		"why the incident occurred. Answer with a root cause title and summary."

	planSystemPrompt = "You are an expert site reliability engineer writing a resolution plan. " +
		"Produce ordered remediation steps numbered from 1 without gaps, each with a procedure " +
		"and an optional shell command, and a confidence score between 0 and 100."
)

// RCAInput is the incident context a root-cause analysis is requested for.
type RCAInput struct {
	IncidentID string
	Title      string
	Summary    string
	Batch      models.LogBatch
	Knowledge  []models.Document
}

// The builders below emit fields in a fixed order so identical inputs always
// produce byte-identical prompts.

func summaryPrompt(batch models.LogBatch) string {
	var b strings.Builder
	b.WriteString("The log events are as follows:\n\n")
	b.WriteString(batch.Snippet())
	return b.String()
}

func rcaPrompt(in RCAInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", in.IncidentID)
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	fmt.Fprintf(&b, "Triage summary: %s\n", in.Summary)
	if services := in.Batch.Services(); len(services) > 0 {
		fmt.Fprintf(&b, "Affected services: %s\n", strings.Join(services, ", "))
	}
	writeWindow(&b, in.Batch)
	b.WriteString("\nKnowledge base context:\n")
	if len(in.Knowledge) == 0 {
		b.WriteString("(none)\n")
	}
	for i, doc := range in.Knowledge {
		fmt.Fprintf(&b, "[%d] %s", i+1, doc.Title)
		if doc.Source != "" {
			fmt.Fprintf(&b, " (%s)", doc.Source)
		}
		b.WriteString("\n")
		if content := strings.TrimSpace(doc.Content); content != "" {
			b.WriteString(content)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nLog events:\n")
	b.WriteString(in.Batch.Snippet())
	return b.String()
}

func planPrompt(rca models.RCA, batch models.LogBatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", rca.IncidentID)
	fmt.Fprintf(&b, "Root cause: %s\n", rca.Title)
	fmt.Fprintf(&b, "Analysis: %s\n", rca.Summary)
	writeWindow(&b, batch)
	b.WriteString("\nLog events:\n")
	b.WriteString(batch.Snippet())
	return b.String()
}

// writeWindow notes the span of time the events cover.
func writeWindow(b *strings.Builder, batch models.LogBatch) {
	if batch.Len() == 0 {
		return
	}
	start, end := batch.Window()
	fmt.Fprintf(b, "Time window: %s to %s\n", utils.FormatLedgerTime(start), utils.FormatLedgerTime(end))
}

// correctivePrompt re-asks after a rejected reply, quoting the reason.
func correctivePrompt(original, reply string, reason error) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nYour previous reply was rejected: ")
	b.WriteString(reason.Error())
	b.WriteString("\nPrevious reply:\n")
	b.WriteString(reply)
	b.WriteString("\n\nAnswer again with a reply that satisfies the required structure exactly.")
	return b.String()
}
