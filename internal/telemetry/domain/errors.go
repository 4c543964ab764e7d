package telemetry

import "errors"

// ErrMalformedPayload indicates a payload that does not decode to a JSON object.
var ErrMalformedPayload = errors.New("telemetry: malformed payload")

// ErrInvalidColumn indicates a filter or sort column outside the whitelist.
var ErrInvalidColumn = errors.New("telemetry: invalid column")

// ErrUnsupportedOperator indicates a filter operator outside the allowed set.
var ErrUnsupportedOperator = errors.New("telemetry: unsupported operator")

// ErrInvalidTimestampFormat indicates a query timestamp parameter that does
// not match the strict wire format.
var ErrInvalidTimestampFormat = errors.New("telemetry: invalid timestamp format")
