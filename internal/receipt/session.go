package receipt

import (
	"time"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

// Session is the state of one browser session: the image waiting to be
// analyzed and the analysis currently on display
type Session struct {
	ID        string    `json:"id"`
	Upload    *Upload   `json:"upload,omitempty"`
	Result    *Analysis `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Upload describes a staged receipt image
type Upload struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	Key         string    `json:"key"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Analysis is the outcome of one analyze action.
//
// Markdown is exactly the text shown to the user and copied to the clipboard.
type Analysis struct {
	ID            string              `json:"id"`
	UploadID      string              `json:"upload_id"`
	Strategy      string              `json:"strategy"`
	PromptVersion string              `json:"prompt_version,omitempty"`
	Markdown      string              `json:"markdown"`
	Record        *scanning.Record    `json:"record,omitempty"`
	Table         []scanning.TableRow `json:"table,omitempty"`
	ExtractedText []string            `json:"extracted_text,omitempty"`
	Sequence      uint64              `json:"sequence"`
	StartedAt     time.Time           `json:"started_at"`
	CompletedAt   time.Time           `json:"completed_at"`
}
