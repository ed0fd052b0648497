// Package recognition defines the contracts between a streaming recognition
// session and the remote fingerprinting service: the terminal [Outcome] of a
// session, the lifecycle [Event] stream of a duplex connection, and the
// [Provider] and [Conn] interfaces transports implement.
//
// Business errors reported by the service are Outcome values, never Go errors.
package recognition

import "fmt"

// Kind is the top-level variant of an [Outcome].
type Kind int

const (
	// KindSuccess means a track was identified.
	KindSuccess Kind = iota + 1

	// KindNoMatches means the service heard the audio but found nothing (yet).
	KindNoMatches

	// KindError means the session failed; see [Outcome.Failure].
	KindError
)

// String returns the wire name of k.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNoMatches:
		return "no_matches"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// FailureKind classifies an error outcome.
type FailureKind int

const (
	// FailureBadConnection means the service could not be reached or stopped
	// answering.
	FailureBadConnection FailureKind = iota + 1

	// FailureBadRecording means no usable audio was captured or the service
	// rejected it.
	FailureBadRecording

	// FailureWrongToken means the token was rejected or its quota is used up.
	FailureWrongToken

	// FailureHTTP is an HTTP-level error relayed by the service.
	FailureHTTP

	// FailureUnhandled covers malformed or unknown server payloads.
	FailureUnhandled
)

// String returns the wire name of k.
func (k FailureKind) String() string {
	switch k {
	case FailureBadConnection:
		return "bad_connection"
	case FailureBadRecording:
		return "bad_recording"
	case FailureWrongToken:
		return "wrong_token"
	case FailureHTTP:
		return "http"
	case FailureUnhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Failure carries the details of a [KindError] outcome.
type Failure struct {
	Kind FailureKind

	// Message is a human-readable cause. Set for BadRecording, HTTP and Unhandled.
	Message string

	// Code is the HTTP status for FailureHTTP.
	Code int

	// LimitReached is set for FailureWrongToken when the token is valid but its
	// quota is exhausted.
	LimitReached bool
}

// Track is an identified recording.
type Track struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Album       string  `json:"album,omitempty"`
	Link        string  `json:"link,omitempty"`
	ArtworkURL  string  `json:"artwork_url,omitempty"`
	MatchOffset float64 `json:"match_offset,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Outcome is the terminal result of a recognition session, or one response of
// the service while a session is running. The zero value is not valid; use the
// constructors.
type Outcome struct {
	Kind    Kind
	Track   Track
	Failure Failure
}

// Success returns a successful outcome for t.
func Success(t Track) Outcome { return Outcome{Kind: KindSuccess, Track: t} }

// NoMatches returns the "nothing found" outcome.
func NoMatches() Outcome { return Outcome{Kind: KindNoMatches} }

// BadConnection returns the connection-failure outcome.
func BadConnection() Outcome {
	return Outcome{Kind: KindError, Failure: Failure{Kind: FailureBadConnection}}
}

// BadRecording returns the bad-recording outcome with the given cause.
func BadRecording(message string) Outcome {
	return Outcome{Kind: KindError, Failure: Failure{Kind: FailureBadRecording, Message: message}}
}

// WrongToken returns the rejected-token outcome.
func WrongToken(limitReached bool) Outcome {
	return Outcome{Kind: KindError, Failure: Failure{Kind: FailureWrongToken, LimitReached: limitReached}}
}

// HTTPError returns an outcome for an HTTP error relayed by the service.
func HTTPError(code int, message string) Outcome {
	return Outcome{Kind: KindError, Failure: Failure{Kind: FailureHTTP, Code: code, Message: message}}
}

// Unhandled returns the outcome for a payload the client does not understand.
func Unhandled(message string) Outcome {
	return Outcome{Kind: KindError, Failure: Failure{Kind: FailureUnhandled, Message: message}}
}

// Decisive reports whether o ends a session as soon as it is received,
// regardless of audio still in flight. Success, WrongToken and BadRecording
// are decisive.
func (o Outcome) Decisive() bool {
	switch o.Kind {
	case KindSuccess:
		return true
	case KindError:
		return o.Failure.Kind == FailureWrongToken || o.Failure.Kind == FailureBadRecording
	default:
		return false
	}
}

// IsError reports whether o is an error outcome.
func (o Outcome) IsError() bool { return o.Kind == KindError }

// Is reports whether o is an error outcome of kind k.
func (o Outcome) Is(k FailureKind) bool { return o.Kind == KindError && o.Failure.Kind == k }

// Label is a short low-cardinality name for metrics and logs, e.g.
// "success" or "error.bad_connection".
func (o Outcome) Label() string {
	if o.Kind == KindError {
		return "error." + o.Failure.Kind.String()
	}
	return o.Kind.String()
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("success(%s - %s)", o.Track.Artist, o.Track.Title)
	case KindNoMatches:
		return "no_matches"
	case KindError:
		f := o.Failure
		switch f.Kind {
		case FailureWrongToken:
			return fmt.Sprintf("error.wrong_token(limit_reached=%t)", f.LimitReached)
		case FailureHTTP:
			return fmt.Sprintf("error.http(%d %s)", f.Code, f.Message)
		case FailureBadConnection:
			return "error.bad_connection"
		default:
			return fmt.Sprintf("error.%s(%s)", f.Kind, f.Message)
		}
	default:
		return "invalid"
	}
}
