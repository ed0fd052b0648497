package recognition

import (
	"encoding/json"
	"fmt"
)

// payload is the JSON shape of a service response.
type payload struct {
	Status string        `json:"status"`
	Track  *Track        `json:"track,omitempty"`
	Error  *payloadError `json:"error,omitempty"`
}

type payloadError struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	Code         int    `json:"code,omitempty"`
	LimitReached bool   `json:"limit_reached,omitempty"`
}

// Parse decodes a service response. Payloads that are not valid JSON, carry an
// unknown status or error type, or lack required fields map to
// [FailureUnhandled]; Parse never fails.
func Parse(data []byte) Outcome {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Unhandled(fmt.Sprintf("malformed payload: %v", err))
	}
	switch p.Status {
	case "success":
		if p.Track == nil {
			return Unhandled("success without track")
		}
		return Success(*p.Track)
	case "no_matches":
		return NoMatches()
	case "error":
		if p.Error == nil {
			return Unhandled("error without details")
		}
		switch p.Error.Type {
		case "bad_recording":
			return BadRecording(p.Error.Message)
		case "wrong_token":
			return WrongToken(p.Error.LimitReached)
		case "http":
			return HTTPError(p.Error.Code, p.Error.Message)
		case "bad_connection":
			return BadConnection()
		case "unhandled":
			return Unhandled(p.Error.Message)
		default:
			return Unhandled(fmt.Sprintf("unknown error type %q", p.Error.Type))
		}
	default:
		return Unhandled(fmt.Sprintf("unknown status %q", p.Status))
	}
}

// MarshalJSON encodes o in the service payload format, so outcomes can be
// relayed to API clients unchanged.
func (o Outcome) MarshalJSON() ([]byte, error) {
	p := payload{Status: o.Kind.String()}
	switch o.Kind {
	case KindSuccess:
		t := o.Track
		p.Track = &t
	case KindNoMatches:
	case KindError:
		p.Error = &payloadError{
			Type:         o.Failure.Kind.String(),
			Message:      o.Failure.Message,
			Code:         o.Failure.Code,
			LimitReached: o.Failure.LimitReached,
		}
	default:
		return nil, fmt.Errorf("recognition: marshal outcome: invalid kind %d", o.Kind)
	}
	return json.Marshal(p)
}

// UnmarshalJSON is the inverse of MarshalJSON. Unknown payloads decode to
// [FailureUnhandled] rather than failing.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	*o = Parse(data)
	return nil
}
