package labapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedResponse marks a response body that does not match the
// documented shape. Callers should treat it as a load failure rather than
// trusting a partially decoded payload.
var ErrMalformedResponse = errors.New("malformed response from lab API")

// GenericSaveMessage is surfaced when a failed submission carries no usable
// error detail of its own.
const GenericSaveMessage = "failed to save report, please try again"

// SubmissionError is returned when the report-creation endpoint rejects a
// submission. Message carries the flattened field-level detail when the
// backend provided any.
type SubmissionError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected (status %d): %s", e.StatusCode, e.Message)
}

// errorBody is the error shape the backend returns: an optional top-level
// message plus an optional map of field name to message list.
type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// FlattenErrorBody extracts a single user-facing message from an error
// response body. Field-level messages are concatenated with " | ", grouped
// per field with fields in alphabetical order, not in the order they appear
// in the body: JSON object order is lost when decoding into a map, so
// sorting is what keeps the surfaced message stable across retries. When no
// field errors are present the top-level message is used; when that too is
// absent the generic fallback.
func FlattenErrorBody(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if len(eb.Errors) > 0 {
			fields := make([]string, 0, len(eb.Errors))
			for f := range eb.Errors {
				fields = append(fields, f)
			}
			sort.Strings(fields)

			var msgs []string
			for _, f := range fields {
				msgs = append(msgs, eb.Errors[f]...)
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, " | ")
			}
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	return GenericSaveMessage
}
