package models

// SessionStatus represents the status of a conversion session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusConverting SessionStatus = "converting"
	SessionStatusComplete   SessionStatus = "complete"
	SessionStatusError      SessionStatus = "error"
)

// ConversionSession represents a file conversion session.
type ConversionSession struct {
	ID               string        `json:"id"`
	FileID           string        `json:"fileId"`
	Status           SessionStatus `json:"status"`
	Progress         float64       `json:"progress"` // 0-100
	Format           string        `json:"format,omitempty"`
	RowCount         int           `json:"rowCount,omitempty"`
	ColumnCount      int           `json:"columnCount,omitempty"`
	LapCount         int           `json:"lapCount,omitempty"`
	Columns          []string      `json:"columns,omitempty"`
	ProcessingTimeMs int64         `json:"processingTimeMs,omitempty"`
	Errors           []ParseError  `json:"errors,omitempty"`
}

// ParseError represents an error encountered during conversion.
type ParseError struct {
	Line   int    `json:"line,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason"`
}

// NewConversionSession creates a new ConversionSession in pending status.
func NewConversionSession(id, fileID string) *ConversionSession {
	return &ConversionSession{
		ID:       id,
		FileID:   fileID,
		Status:   SessionStatusPending,
		Progress: 0,
		Errors:   make([]ParseError, 0),
	}
}

// Done reports whether the session reached a terminal state.
func (s *ConversionSession) Done() bool {
	return s.Status == SessionStatusComplete || s.Status == SessionStatusError
}
