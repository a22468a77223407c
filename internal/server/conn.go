package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/calvinalkan/issued/internal/issue"
	"github.com/calvinalkan/issued/internal/pipeline"
)

// Maximum accepted line length. Issue descriptions and comments are text,
// not attachments; a line past this is a protocol violation.
const maxLineBytes = 1 << 20

// How long a single write may block before the subscriber is considered
// stalled. Broadcasts run serialized with mutations, so a subscriber that
// stops reading must fail fast here rather than hold everyone else up.
const writeTimeout = 3 * time.Second

// conn is one connected subscriber. Writes come from two directions, the
// hub's broadcasts and this connection's own read loop, so every write
// goes through writeMu.
type conn struct {
	netConn net.Conn
	writeMu sync.Mutex
}

func newConn(netConn net.Conn) *conn {
	return &conn{netConn: netConn}
}

// Send implements hub.Subscriber.
func (c *conn) Send(issues []issue.Issue) error {
	line, encodeErr := EncodeIssuesUpdated(issues)
	if encodeErr != nil {
		return fmt.Errorf("encoding snapshot: %w", encodeErr)
	}

	return c.write(line)
}

// SendError implements hub.Subscriber.
func (c *conn) SendError(msg string) error {
	line, encodeErr := EncodeErrorMsg(msg)
	if encodeErr != nil {
		return fmt.Errorf("encoding error message: %w", encodeErr)
	}

	return c.write(line)
}

func (c *conn) write(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadlineErr := c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if deadlineErr != nil {
		return fmt.Errorf("setting write deadline for %s: %w", c.netConn.RemoteAddr(), deadlineErr)
	}

	_, writeErr := c.netConn.Write(line)
	if writeErr != nil {
		return fmt.Errorf("writing to %s: %w", c.netConn.RemoteAddr(), writeErr)
	}

	return nil
}

func (c *conn) close() {
	_ = c.netConn.Close()
}

// readLoop decodes envelopes line by line and dispatches them until the
// connection drops or the server shuts down.
func (s *Server) readLoop(c *conn) {
	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope Envelope

		unmarshalErr := json.Unmarshal(line, &envelope)
		if unmarshalErr != nil {
			s.hub.NotifyError(c, "malformed request")

			continue
		}

		s.dispatch(c, envelope)
	}

	scanErr := scanner.Err()
	if scanErr == nil || errors.Is(scanErr, net.ErrClosed) {
		return
	}

	if errors.Is(scanErr, bufio.ErrTooLong) {
		s.hub.NotifyError(c, "request too large")
	}

	s.log.Warn("connection read failed", "remote", c.netConn.RemoteAddr().String(), "error", scanErr)
}

// dispatch routes one inbound event into the pipeline. Pipeline errors
// that are user-visible go back to this subscriber only; operational
// failures surface as a generic message.
func (s *Server) dispatch(c *conn, envelope Envelope) {
	var opErr error

	switch envelope.Event {
	case EventCreateIssue:
		var payload CreateIssuePayload
		if !s.decodePayload(c, envelope.Payload, &payload) {
			return
		}

		_, opErr = s.pipe.CreateIssue(pipeline.CreateRequest{
			Title:       payload.Title,
			Description: payload.Description,
			Creator:     payload.Creator,
		})

	case EventUpdateStatus:
		var payload UpdateStatusPayload
		if !s.decodePayload(c, envelope.Payload, &payload) {
			return
		}

		opErr = s.pipe.UpdateStatus(payload.ID, issue.Status(payload.Status))

	case EventEditIssue:
		var payload EditIssuePayload
		if !s.decodePayload(c, envelope.Payload, &payload) {
			return
		}

		opErr = s.pipe.EditIssue(payload.ID, payload.Title, payload.Description)

	case EventAddComment:
		var payload AddCommentPayload
		if !s.decodePayload(c, envelope.Payload, &payload) {
			return
		}

		opErr = s.pipe.AddComment(payload.ID, payload.Author, payload.Text)

	default:
		s.hub.NotifyError(c, fmt.Sprintf("unknown event %q", envelope.Event))

		return
	}

	if opErr != nil {
		s.hub.NotifyError(c, userMessage(opErr))
	}
}

func (s *Server) decodePayload(c *conn, raw json.RawMessage, into any) bool {
	unmarshalErr := json.Unmarshal(raw, into)
	if unmarshalErr != nil {
		s.hub.NotifyError(c, "malformed payload")

		return false
	}

	return true
}

// userMessage maps a pipeline error to the message sent over the wire.
func userMessage(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return "Issue not found"
	case errors.Is(err, pipeline.ErrEmptyComment):
		return "Comment text is required"
	default:
		return "Internal error"
	}
}
