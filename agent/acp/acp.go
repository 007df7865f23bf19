package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/murmur/agent"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/logging"
	"github.com/m4xw311/murmur/session"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// maxResourceBytes bounds the inline content of a file:// resource link.
const maxResourceBytes = 50000

// Factory builds the agent behind an ACP session. Each session gets its own
// agent and conversation.
type Factory interface {
	// NewSession returns an agent over a fresh conversation named id.
	NewSession(ctx context.Context, id string) (*agent.Agent, error)
	// LoadSession returns an agent over the stored conversation named id.
	LoadSession(ctx context.Context, id string) (*agent.Agent, error)
}

// Run serves the Agent Client Protocol over newline-delimited JSON-RPC until
// in is exhausted or ctx ends. Only JSON-RPC messages are written to out.
//
// Supported methods: initialize, session/new, session/load, session/prompt
// and the session/cancel notification. Replies stream as session/update
// notifications (agent_message_chunk, tool_call, tool_call_update).
func Run(ctx context.Context, factory Factory, in io.Reader, out io.Writer, logger *slog.Logger) error {
	s := &server{
		ctx:      ctx,
		factory:  factory,
		log:      logging.For(logger, "acp"),
		sessions: make(map[string]*acpSession),
		in:       bufio.NewReader(in),
		out:      bufio.NewWriter(out),
	}
	defer s.prompts.Wait()

	s.log.Info("starting ACP server")
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			payload, err := s.readFramedMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- payload:
			case <-stop:
				return
			}
		}
	}()

	for {
		var payload []byte
		select {
		case <-ctx.Done():
			s.log.Info("context done, stopping ACP server")
			return nil
		case err := <-readErr:
			if err == io.EOF {
				s.log.Info("input closed, stopping ACP server")
				return nil
			}
			return errors.Wrapf(err, "ACP read error")
		case payload = <-lines:
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.log.Warn("could not parse request", "error", err)
			_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.log.Debug("dispatching", "method", req.Method, "id", req.ID)

		switch req.Method {
		case "initialize":
			s.handleInitialize(&req)
		case "session/new":
			s.handleSessionNew(&req)
		case "session/load":
			s.handleSessionLoad(&req)
		case "session/prompt":
			s.handleSessionPrompt(&req)
		case "session/cancel":
			s.handleSessionCancel(&req)
		default:
			if req.ID != nil {
				_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", nil)
			}
		}
	}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type acpSession struct {
	agent *agent.Agent

	// turns holds every submitted turn that has not ended yet, running or
	// queued.
	mu    sync.Mutex
	turns map[*agent.Turn]struct{}
}

func newACPSession(a *agent.Agent) *acpSession {
	return &acpSession{agent: a, turns: make(map[*agent.Turn]struct{})}
}

func (a *acpSession) track(t *agent.Turn) {
	a.mu.Lock()
	a.turns[t] = struct{}{}
	a.mu.Unlock()
}

func (a *acpSession) forget(t *agent.Turn) {
	a.mu.Lock()
	delete(a.turns, t)
	a.mu.Unlock()
}

func (a *acpSession) cancel() {
	a.mu.Lock()
	turns := make([]*agent.Turn, 0, len(a.turns))
	for t := range a.turns {
		turns = append(turns, t)
	}
	a.mu.Unlock()
	for _, t := range turns {
		t.Cancel()
	}
}

type server struct {
	ctx     context.Context
	factory Factory
	log     *slog.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*acpSession

	// prompts tracks in-flight prompt handlers.
	prompts sync.WaitGroup

	in      *bufio.Reader
	writeMu sync.Mutex
	out     *bufio.Writer
}

func (s *server) readFramedMessage() ([]byte, error) {
	line, err := s.in.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}

func (s *server) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.log.Warn("write failed", "error", err)
		return err
	}
	return s.out.Flush()
}

func (s *server) writeResponseOK(id any, result any) error {
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *server) writeResponseError(id any, code int, msg string, data any) error {
	s.log.Debug("error response", "code", code, "message", msg, "data", data)
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *server) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *server) sendUpdate(sessionID string, update map[string]any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

func decodeParams(req *jsonrpcRequest, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, v)
}

func (s *server) handleInitialize(req *jsonrpcRequest) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if err := decodeParams(req, &p); err != nil {
		s.log.Warn("bad initialize params", "error", err)
	}
	s.log.Info("client connected", "protocol_version", p.ProtocolVersion)

	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *server) handleSessionNew(req *jsonrpcRequest) {
	var p struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	sid := s.nextSessionID()
	a, err := s.factory.NewSession(s.ctx, sid)
	if err != nil {
		s.log.Error("could not create session", "session", sid, "error", err)
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", "failed to create session")
		return
	}
	s.addSession(sid, a)
	s.log.Info("session created", "session", sid, "cwd", p.Cwd)
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sid})
}

// handleSessionLoad restores a stored conversation and replays it as
// session/update notifications before answering null.
func (s *server) handleSessionLoad(req *jsonrpcRequest) {
	var p struct {
		SessionID  string          `json:"sessionId"`
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	if err := decodeParams(req, &p); err != nil || p.SessionID == "" {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "sessionId is required")
		return
	}

	a, err := s.factory.LoadSession(s.ctx, p.SessionID)
	if err != nil {
		s.log.Warn("could not load session", "session", p.SessionID, "error", err)
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "session not found")
		return
	}
	s.addSession(p.SessionID, a)

	msgs := a.Store().Messages()
	s.log.Info("replaying session", "session", p.SessionID, "messages", len(msgs))
	for _, msg := range msgs {
		s.replay(p.SessionID, msg)
	}
	_ = s.writeResponseOK(req.ID, json.RawMessage("null"))
}

func (s *server) replay(sid string, msg session.Message) {
	switch msg.Role {
	case session.RoleUser:
		_ = s.sendUpdate(sid, textUpdate("user_message_chunk", msg.Text()))
	case session.RoleAssistant:
		if text := msg.Text(); text != "" {
			_ = s.sendUpdate(sid, textUpdate("agent_message_chunk", text))
		}
		for _, call := range msg.ToolCalls() {
			_ = s.sendUpdate(sid, toolCallUpdate(call.ToolCallID, call.ToolName, call.Args))
		}
	case session.RoleTool:
		for _, r := range msg.ToolResults() {
			_ = s.sendUpdate(sid, toolResultUpdate(r.ToolCallID, r.Result, r.IsError))
		}
	}
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// resource_link
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// handleSessionPrompt submits a turn and streams it in the background, so
// session/cancel can be read while the turn runs. The response carries the
// stop reason once the turn has ended.
func (s *server) handleSessionPrompt(req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, ok := s.session(p.SessionID)
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	text := extractUserText(p.Prompt)
	if strings.TrimSpace(text) == "" {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "empty prompt")
		return
	}

	turn := sess.agent.Submit(s.ctx, text)
	sess.track(turn)
	s.log.Info("prompt submitted", "session", p.SessionID, "turn", turn.ID)

	s.prompts.Add(1)
	go func() {
		defer s.prompts.Done()
		final := s.stream(p.SessionID, turn)
		sess.forget(turn)
		_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": stopReason(final)})
	}()
}

// stream forwards turn events as session/update notifications and returns
// the final state.
func (s *server) stream(sid string, turn *agent.Turn) agent.State {
	final := agent.StateCompleted
	for ev := range turn.Events() {
		switch ev.Kind {
		case agent.EventText, agent.EventError:
			_ = s.sendUpdate(sid, textUpdate("agent_message_chunk", ev.Text))
		case agent.EventToolStart:
			_ = s.sendUpdate(sid, toolCallUpdate(ev.ToolCallID, ev.ToolName, ev.Args))
		case agent.EventToolEnd:
			_ = s.sendUpdate(sid, toolResultUpdate(ev.ToolCallID, ev.Result, ev.IsError))
		case agent.EventEnd:
			final = ev.State
		}
	}
	return final
}

func (s *server) handleSessionCancel(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(req, &p); err != nil {
		s.log.Warn("bad cancel params", "error", err)
		return
	}
	if sess, ok := s.session(p.SessionID); ok {
		s.log.Info("cancel requested", "session", p.SessionID)
		sess.cancel()
	}
}

func stopReason(final agent.State) string {
	if final == agent.StateCancelled {
		return "cancelled"
	}
	return "end_turn"
}

func textUpdate(kind, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content":       map[string]any{"type": "text", "text": text},
	}
}

func toolCallUpdate(id, name string, args map[string]any) map[string]any {
	return map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    id,
		"title":         name,
		"kind":          "other",
		"status":        "in_progress",
		"rawInput":      args,
	}
}

func toolResultUpdate(id, result string, isError bool) map[string]any {
	status := "completed"
	if isError {
		status = "failed"
	}
	return map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    id,
		"status":        status,
		"content": []any{map[string]any{
			"type":    "content",
			"content": map[string]any{"type": "text", "text": result},
		}},
	}
}

func (s *server) addSession(id string, a *agent.Agent) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if old, ok := s.sessions[id]; ok {
		old.cancel()
	}
	s.sessions[id] = newACPSession(a)
}

func (s *server) session(id string) (*acpSession, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *server) nextSessionID() string {
	return "sess_" + uuid.NewString()
}

// readFileFromURI reads the file behind a file:// URI.
func readFileFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", u.Scheme)
	}
	content, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// extractUserText joins the prompt blocks into one utterance. Resource links
// are inlined with their metadata and, for file:// URIs, their content.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, describeResource(b))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxResourceBytes {
				content = content[:maxResourceBytes] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}
