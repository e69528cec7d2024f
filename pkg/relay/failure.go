package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

type FailureKind string

const (
	KindNotConfigured     FailureKind = "not_configured"
	KindNoResource        FailureKind = "no_resource"
	KindRemoteError       FailureKind = "remote_error"
	KindConnectionError   FailureKind = "connection_error"
	KindExtractionFailure FailureKind = "extraction_failure"
)

const (
	MsgNotConfigured = "Please configure the API endpoint to get AI responses."
	MsgNoResource    = "Please navigate to a YouTube video to start chatting."
	MsgRemoteError   = "Sorry, I encountered an error while processing your request. Please try again."
	msgConnection    = "Could not connect to the RAG API server. Please make sure the API server is running"
)

// Failure is the structured result of a relay operation that did not succeed.
// Message is meant for the user; Error() is the short reason.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (f *Failure) Error() string {
	reason := f.Reason()
	if f.Err != nil {
		return reason + ": " + f.Err.Error()
	}
	return reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Reason is a short description of the failure kind.
func (f *Failure) Reason() string {
	switch f.Kind {
	case KindNotConfigured:
		return "API endpoint not configured"
	case KindNoResource:
		return "No video detected"
	case KindRemoteError:
		if f.StatusCode > 0 {
			return fmt.Sprintf("RAG API request failed: %d", f.StatusCode)
		}
		return "RAG API request failed"
	case KindConnectionError:
		return "Connection failed"
	case KindExtractionFailure:
		return "No video identity"
	default:
		return string(f.Kind)
	}
}

// AsFailure unwraps err into a *Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func connectionMessage(host string) string {
	if host == "" {
		return msgConnection + "."
	}
	return msgConnection + " on " + host + "."
}
