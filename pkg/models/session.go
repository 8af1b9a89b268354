package models

import "time"

// SessionRecord is the durable copy of a WhatsApp session archive.
// It is stored in the whatsapp_sessions collection, one record per user.
type SessionRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user"`
	SessionData string          `json:"session_data"`
	Compressed  bool            `json:"compressed"`
	PhoneNumber string          `json:"phone_number,omitempty"`
	LastActive  time.Time       `json:"last_active"`
	SizeBytes   int64           `json:"size_bytes"`
	Metadata    SessionMetadata `json:"metadata"`
}

// SessionMetadata describes how a session blob was produced.
type SessionMetadata struct {
	ArchivedAt       time.Time `json:"archived_at,omitempty"`
	SavedAt          time.Time `json:"saved_at,omitempty"`
	OriginalSize     int64     `json:"original_size,omitempty"`
	CompressedSize   int64     `json:"compressed_size,omitempty"`
	CompressionRatio float64   `json:"compression_ratio,omitempty"`
}
