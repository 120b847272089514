package protocol

import (
	"encoding/json"

	"github.com/gpuenteallott/pod/pkg/types"
)

// Envelope is the request shape accepted by manager and worker alike:
// an action code plus action-specific nested fields.
type Envelope struct {
	Action int `json:"action"`

	Activity  *ActivityPayload  `json:"activity,omitempty"`
	Execution *ExecutionPayload `json:"execution,omitempty"`
	Policy    *PolicyPayload    `json:"policy,omitempty"`
	Report    *ReportPayload    `json:"report,omitempty"`
}

// ActivityPayload carries activity fields for activity actions.
type ActivityPayload struct {
	Name           string `json:"name,omitempty"`
	ScriptLocation string `json:"installationScriptLocation,omitempty"`
}

// ExecutionPayload carries execution fields. NEW_EXECUTION uses
// Name/Input; PERFORM_EXECUTION and the status/progress/terminate
// actions use ID.
type ExecutionPayload struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input string `json:"input,omitempty"`
}

// PolicyPayload carries policy fields for policy actions.
type PolicyPayload struct {
	Name  string `json:"name,omitempty"`
	Rules string `json:"rules,omitempty"`
}

// ReportPayload is a worker's asynchronous report on an installation
// (REPORT_ACTIVITY) or an execution (REPORT_EXECUTION).
type ReportPayload struct {
	WorkerID     int64  `json:"workerId"`
	ActivityName string `json:"name,omitempty"`
	ExecutionID  int64  `json:"executionId,omitempty"`
	Status       string `json:"status,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	Error        string `json:"error,omitempty"`

	// NoChain is set when the worker is about to start an installation
	// and must not receive chained work in the report response.
	NoChain bool `json:"noChain,omitempty"`
}

// ErrorResponse is the uniform failure shape: every handler returns a
// JSON object and callers treat the presence of "error" as the sole
// failure signal.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Errorf builds an ErrorResponse from an error.
func Errorf(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error()}
}

// AckResponse acknowledges a report when no work is chained back.
type AckResponse struct {
	Action int `json:"action"`
}

// Ack returns the ACK response envelope.
func Ack() AckResponse {
	return AckResponse{Action: ActionAck}
}

// DispatchResponse hands a queued execution to a worker inside the
// response to its report (chaining).
type DispatchResponse struct {
	Action    int              `json:"action"`
	Execution *types.Execution `json:"execution"`
}

// Dispatch builds a PERFORM_EXECUTION response carrying an execution.
func Dispatch(e *types.Execution) DispatchResponse {
	return DispatchResponse{Action: ActionPerformExecution, Execution: e}
}

// Decode parses just the envelope head of a request body. The action
// field is a pointer so a missing action can be told apart from 0.
type head struct {
	Action *int `json:"action"`
}

// ErrNoAction is the error string for envelopes without an action.
const ErrNoAction = "no action specified"

// ErrUnrecognized is the error string for well-formed envelopes whose
// action has no handler.
const ErrUnrecognized = "unrecognized request"

// Handler processes the raw body of one envelope and returns the
// response object to serialize.
type Handler func(body []byte) any

// Dispatcher routes an inbound envelope to exactly one handler keyed
// by action code.
type Dispatcher struct {
	handlers map[int]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[int]Handler)}
}

// Handle registers the handler for an action code.
func (d *Dispatcher) Handle(code int, h Handler) {
	d.handlers[code] = h
}

// Dispatch decodes the envelope head and forwards the body to the
// matching handler. Missing or unknown actions yield typed error
// responses rather than a failure.
func (d *Dispatcher) Dispatch(body []byte) any {
	var h head
	if err := json.Unmarshal(body, &h); err != nil || h.Action == nil {
		return ErrorResponse{Error: ErrNoAction}
	}
	handler, ok := d.handlers[*h.Action]
	if !ok {
		return ErrorResponse{Error: ErrUnrecognized}
	}
	return handler(body)
}
