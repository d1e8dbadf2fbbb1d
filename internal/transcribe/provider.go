package transcribe

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, media io.Reader, fileName, mimeType string) (*Response, error)
	Name() string  // "whisper"
	Model() string // model identifier for logs
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string    // ISO 639-1
	Duration float64   // audio duration in seconds
	Segments []Segment // nil if the provider doesn't report timings
}

// Segment is a timestamped span of transcript text.
type Segment struct {
	Start float64 // seconds
	End   float64
	Text  string
}
