package server

import (
	"encoding/json"

	"github.com/calvinalkan/issued/internal/issue"
)

// Event names on the wire. One JSON envelope per line in both directions.
const (
	// Inbound (client to server).
	EventCreateIssue  = "create_issue"
	EventUpdateStatus = "update_status"
	EventEditIssue    = "edit_issue"
	EventAddComment   = "add_comment"

	// Outbound (server to client).
	EventIssuesUpdated = "issues_updated"
	EventErrorMsg      = "error_msg"
)

// Envelope is the framing for every message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateIssuePayload carries a create_issue request. All fields are
// optional; the pipeline substitutes defaults.
type CreateIssuePayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Creator     string `json:"creator"`
}

// UpdateStatusPayload carries an update_status request.
type UpdateStatusPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// EditIssuePayload carries an edit_issue request. Blank fields keep the
// issue's prior values.
type EditIssuePayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// AddCommentPayload carries an add_comment request. Text is required.
type AddCommentPayload struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// EncodeIssuesUpdated frames a snapshot as an issues_updated line.
func EncodeIssuesUpdated(issues []issue.Issue) ([]byte, error) {
	payload, marshalErr := json.Marshal(issues)
	if marshalErr != nil {
		return nil, marshalErr
	}

	return encodeEnvelope(EventIssuesUpdated, payload)
}

// EncodeErrorMsg frames a message as an error_msg line.
func EncodeErrorMsg(msg string) ([]byte, error) {
	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return nil, marshalErr
	}

	return encodeEnvelope(EventErrorMsg, payload)
}

func encodeEnvelope(event string, payload json.RawMessage) ([]byte, error) {
	line, marshalErr := json.Marshal(Envelope{Event: event, Payload: payload})
	if marshalErr != nil {
		return nil, marshalErr
	}

	return append(line, '\n'), nil
}
