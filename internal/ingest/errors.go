package ingest

import "fmt"

// Kind classifies an ingestion failure.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindParse
	KindResolution
	KindStorage
	KindBlobWrite
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindParse:
		return "parse"
	case KindResolution:
		return "resolution"
	case KindStorage:
		return "storage"
	case KindBlobWrite:
		return "blob_write"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is a failure of one pipeline stage.
type Error struct {
	Kind  Kind
	Stage State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether redelivering the same payload can never succeed.
func (e *Error) Permanent() bool {
	switch e.Kind {
	case KindAuthentication, KindParse, KindConfiguration:
		return true
	default:
		return false
	}
}
