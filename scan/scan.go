package scan

import "time"

// Status values reported for a scan request.
const (
	StatusSuccess     = "success"
	StatusTimeout     = "timeout"
	StatusReaderError = "reader_error"
	StatusCancelled   = "cancelled"
)

// Request is one scan request issued by the backend.
type Request struct {
	RequestID  string    `json:"request_id"`
	TerminalID string    `json:"terminal_id"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Result is the outcome of one scan request. CardUID is set only when
// Status is StatusSuccess.
type Result struct {
	RequestID   string    `json:"request_id"`
	TerminalID  string    `json:"terminal_id"`
	Status      string    `json:"status"`
	CardUID     string    `json:"card_uid,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher delivers scan results to the backend queue.
type Publisher interface {
	PublishResult(Result) error
}
