// Package dispatch is the command entry point of the runtime: it authorizes,
// screens, routes, and audits every command before an agent sees it.
package dispatch

import (
	"context"
	"fmt"
	"strings"
)

// CommandKind discriminates the closed set of commands the runtime accepts.
type CommandKind string

const (
	KindAsk              CommandKind = "ask"
	KindCaseCreate       CommandKind = "case_create"
	KindCaseGet          CommandKind = "case_get"
	KindCaseActive       CommandKind = "case_active"
	KindMemoryLookup     CommandKind = "memory_lookup"
	KindIntakeStart      CommandKind = "intake_start"
	KindIntakeAnswer     CommandKind = "intake_answer"
	KindIntakeSkip       CommandKind = "intake_skip"
	KindIntakeStatus     CommandKind = "intake_status"
	KindIntakeCancel     CommandKind = "intake_cancel"
	KindIntakeResume     CommandKind = "intake_resume"
	KindGenerateLetter   CommandKind = "generate_letter"
	KindGeneratePetition CommandKind = "generate_petition"
	KindUploadExhibit    CommandKind = "upload_exhibit"
	KindPause            CommandKind = "pause"
	KindResume           CommandKind = "resume"
	KindGetPreview       CommandKind = "get_preview"
	KindDownloadPDF      CommandKind = "download_pdf"
)

// Payload shapes, one struct per command kind. Fields the schema does not
// cover travel in Command.Metadata.
type (
	AskPayload struct {
		Text string
	}
	CaseCreatePayload struct {
		Title       string
		Description string
	}
	CaseGetPayload struct {
		CaseID string
	}
	CaseActivePayload struct{}

	MemoryLookupPayload struct {
		Query string
	}

	IntakeStartPayload struct {
		Category string
	}
	IntakeAnswerPayload struct {
		Text string
	}
	IntakeSkipPayload   struct{}
	IntakeStatusPayload struct{}
	IntakeCancelPayload struct{}
	IntakeResumePayload struct{}

	GenerateLetterPayload struct {
		Title string
	}
	GeneratePetitionPayload struct {
		CaseID       string
		DocumentType string
	}
	UploadExhibitPayload struct {
		ThreadID  string
		ExhibitID string
		Bytes     []byte
		Filename  string
		MimeType  string
	}

	PausePayload struct {
		ThreadID string
	}
	ResumePayload struct {
		ThreadID string
	}
	GetPreviewPayload struct {
		ThreadID string
	}
	DownloadPDFPayload struct {
		ThreadID string
	}
)

// Command is one request into the dispatch layer.
type Command struct {
	CommandID string
	UserID    string
	Role      string
	Kind      CommandKind
	Payload   any
	Metadata  map[string]any
}

// screenText gathers the free-text surfaces of the payload for injection
// screening. Structured fields (ids, paths) are not screened.
func (c *Command) screenText() string {
	switch p := c.Payload.(type) {
	case AskPayload:
		return p.Text
	case CaseCreatePayload:
		return strings.TrimSpace(p.Title + " " + p.Description)
	case MemoryLookupPayload:
		return p.Query
	case IntakeAnswerPayload:
		return p.Text
	case GenerateLetterPayload:
		return p.Title
	default:
		return ""
	}
}

// redactedPayload is what the audit trail records: structure preserved, free
// text and raw bytes replaced with size markers.
func (c *Command) redactedPayload() map[string]any {
	switch p := c.Payload.(type) {
	case AskPayload:
		return map[string]any{"text": redactText(p.Text)}
	case CaseCreatePayload:
		return map[string]any{"title": redactText(p.Title), "description": redactText(p.Description)}
	case CaseGetPayload:
		return map[string]any{"case_id": p.CaseID}
	case MemoryLookupPayload:
		return map[string]any{"query": redactText(p.Query)}
	case IntakeStartPayload:
		return map[string]any{"category": p.Category}
	case IntakeAnswerPayload:
		return map[string]any{"text": redactText(p.Text)}
	case GenerateLetterPayload:
		return map[string]any{"title": redactText(p.Title)}
	case GeneratePetitionPayload:
		return map[string]any{"case_id": p.CaseID, "document_type": p.DocumentType}
	case UploadExhibitPayload:
		return map[string]any{
			"thread_id":  p.ThreadID,
			"exhibit_id": p.ExhibitID,
			"filename":   p.Filename,
			"mime_type":  p.MimeType,
			"bytes":      fmt.Sprintf("[%d bytes]", len(p.Bytes)),
		}
	case PausePayload:
		return map[string]any{"thread_id": p.ThreadID}
	case ResumePayload:
		return map[string]any{"thread_id": p.ThreadID}
	case GetPreviewPayload:
		return map[string]any{"thread_id": p.ThreadID}
	case DownloadPDFPayload:
		return map[string]any{"thread_id": p.ThreadID}
	default:
		return map[string]any{}
	}
}

func redactText(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("[redacted %d chars]", len(s))
}

// Response is an agent's answer to a command.
type Response struct {
	Status string
	Text   string
	Data   map[string]any
}

// OK builds a success response.
func OK(text string) *Response {
	return &Response{Status: "ok", Text: text}
}

// OKData builds a success response carrying structured data.
func OKData(text string, data map[string]any) *Response {
	return &Response{Status: "ok", Text: text, Data: data}
}

// Agent handles the command kinds it is registered for.
type Agent interface {
	Name() string
	Handle(ctx context.Context, cmd *Command) (*Response, error)
	Stats() map[string]any
}

type hopKey struct{}

// hopCount reads the re-dispatch depth carried on the context.
func hopCount(ctx context.Context) int {
	n, _ := ctx.Value(hopKey{}).(int)
	return n
}

func withHop(ctx context.Context) context.Context {
	return context.WithValue(ctx, hopKey{}, hopCount(ctx)+1)
}
