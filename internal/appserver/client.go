package appserver

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/logger"
)

// Client speaks the app-server protocol: a persistent subprocess per
// session, an initialize handshake, and one JSON-RPC request per turn. It
// restarts a dead runtime at most once per RunTurn call.
type Client struct {
	command  []string
	spawn    SpawnFunc
	sessions *registry
}

var _ agent.AgentChannel = (*Client)(nil)

// NewClient creates an app-server channel that runs the given provider
// command. The model is appended as a --model argument at spawn.
func NewClient(command []string) *Client {
	return &Client{
		command:  command,
		spawn:    SpawnProcess,
		sessions: newRegistry(),
	}
}

// StartSession returns a SessionRef immediately; the subprocess is spawned
// lazily on the first turn.
func (c *Client) StartSession(_ context.Context, req agent.StartSessionRequest) (agent.SessionRef, error) {
	return agent.SessionRef{SessionID: req.SessionID}, nil
}

// ShutdownSession removes the session's runtime and terminates its
// subprocess.
func (c *Client) ShutdownSession(_ context.Context, sessionID string) error {
	if rt, ok := c.sessions.take(sessionID); ok {
		rt.transport.Shutdown()
	}
	return nil
}

// RunTurn executes one turn, restarting the runtime and retrying exactly
// once when the first attempt fails for a reason attributable to a dead
// runtime. Provider-level JSON-RPC errors and turn timeouts are surfaced
// without a retry.
func (c *Client) RunTurn(ctx context.Context, sessionID string, req agent.TurnRequest, sink agent.EventSink) (agent.TurnResult, error) {
	const op errors.Op = "appserver.RunTurn"
	log := logger.WithSession(sessionID)

	contextReset := false
	rt, ok := c.sessions.take(sessionID)
	if ok && !rt.matches(req.Folder, req.Model) {
		log.Debug("runtime folder/model mismatch, replacing",
			"folder", rt.folder, "model", rt.model)
		rt.transport.Shutdown()
		ok = false
		contextReset = true
	}

	startedFresh := false
	if !ok {
		started, err := c.startRuntime(ctx, req)
		if err != nil {
			return agent.TurnResult{}, errors.AgentStartFailed(sessionID, err)
		}
		rt = started
		startedFresh = true
	}

	// A brand-new runtime serving a resume turn has no conversation memory,
	// so the transcript is replayed inside the prompt just as it is after a
	// context reset.
	replay := contextReset || (startedFresh && req.Mode == agent.TurnResume)

	result, firstErr := c.runTurnOnce(ctx, rt, req, replay, sink)
	if firstErr == nil {
		return c.finishTurn(sessionID, rt, result, contextReset, sink), nil
	}

	rt.transport.Shutdown()
	if !isRuntimeFailure(firstErr) {
		return agent.TurnResult{}, firstErr
	}

	log.Debug("runtime failed mid-turn, restarting once", "error", firstErr)
	restarted, err := c.startRuntime(ctx, req)
	if err != nil {
		return agent.TurnResult{}, errors.AgentStartFailed(sessionID, err)
	}

	result, retryErr := c.runTurnOnce(ctx, restarted, req, true, sink)
	if retryErr != nil {
		restarted.transport.Shutdown()
		return agent.TurnResult{}, errors.E(op, errors.KindAgent,
			fmt.Errorf("app-server failed, then retry failed after restart: first error: %v; retry error: %v", firstErr, retryErr))
	}

	return c.finishTurn(sessionID, restarted, result, true, sink), nil
}

// finishTurn stores the runtime back for the next turn and publishes the
// subprocess pid so a stop request can signal it.
func (c *Client) finishTurn(sessionID string, rt *runtime, result agent.TurnResult, contextReset bool, sink agent.EventSink) agent.TurnResult {
	c.sessions.store(sessionID, rt)
	sink(agent.TurnEvent{Type: agent.EventPidUpdate, Pid: rt.transport.Pid()})
	result.ContextReset = contextReset
	result.ProviderConversationID = rt.providerSessionID
	return result
}

// isRuntimeFailure reports whether an error warrants a restart-and-retry.
// JSON-RPC error objects are provider rejections and timeouts already cost
// the full turn budget; neither is retried.
func isRuntimeFailure(err error) bool {
	return !errors.Is(err, errors.KindProtocol) && !errors.Is(err, errors.KindTimeout) && !errors.Is(err, errors.KindCanceled)
}

// startRuntime spawns the provider subprocess and walks the handshake:
// initialize -> initialized -> session/new.
func (c *Client) startRuntime(ctx context.Context, req agent.TurnRequest) (*runtime, error) {
	command := append([]string{}, c.command...)
	if req.Model != "" {
		command = append(command, "--model", req.Model)
	}

	transport, err := c.spawn(ctx, command, req.Folder)
	if err != nil {
		return nil, err
	}

	initID := "init-" + uuid.New().String()
	if err := transport.WriteLine(jsonRPCRequest(initID, "initialize", map[string]any{
		"protocolVersion":    1,
		"clientCapabilities": map[string]any{},
	})); err != nil {
		transport.Shutdown()
		return nil, err
	}
	resp, err := waitForResponse(ctx, transport, initID, StartupTimeout, nil)
	if err != nil {
		transport.Shutdown()
		return nil, err
	}
	if msg, ok := jsonErrorMessage(resp); ok {
		transport.Shutdown()
		return nil, errors.ProtocolError("initialize", msg)
	}

	if err := transport.WriteLine(map[string]any{
		"jsonrpc": "2.0",
		"method":  "initialized",
	}); err != nil {
		transport.Shutdown()
		return nil, err
	}

	sessionNewID := "session-new-" + uuid.New().String()
	if err := transport.WriteLine(jsonRPCRequest(sessionNewID, "session/new", map[string]any{
		"cwd":        req.Folder,
		"mcpServers": []any{},
	})); err != nil {
		transport.Shutdown()
		return nil, err
	}
	resp, err = waitForResponse(ctx, transport, sessionNewID, StartupTimeout, nil)
	if err != nil {
		transport.Shutdown()
		return nil, err
	}
	if msg, ok := jsonErrorMessage(resp); ok {
		transport.Shutdown()
		return nil, errors.ProtocolError("session/new", msg)
	}
	providerSessionID := resultSessionID(resp)
	if providerSessionID == "" {
		transport.Shutdown()
		return nil, errors.ProtocolError("session/new", "response missing sessionId")
	}

	return &runtime{
		transport:         transport,
		folder:            req.Folder,
		model:             req.Model,
		providerSessionID: providerSessionID,
	}, nil
}

// runTurnOnce sends one session/prompt request and pumps stdout until the
// matching response arrives, dispatching notifications along the way.
func (c *Client) runTurnOnce(ctx context.Context, rt *runtime, req agent.TurnRequest, replay bool, sink agent.EventSink) (agent.TurnResult, error) {
	log := logger.ComponentLogger("AppServer")

	prompt := agent.TurnPrompt(req.Prompt, req.LatestSessionOutput(), replay)
	promptID := "session-prompt-" + uuid.New().String()
	if err := rt.transport.WriteLine(jsonRPCRequest(promptID, "session/prompt", map[string]any{
		"sessionId": rt.providerSessionID,
		"prompt": []any{
			map[string]any{"type": "text", "text": prompt},
		},
	})); err != nil {
		return agent.TurnResult{}, err
	}

	var assistant strings.Builder
	inspect := func(decoded map[string]any) {
		if response, ok := permissionResponse(decoded, rt.providerSessionID); ok {
			if err := rt.transport.WriteLine(response); err != nil {
				log.Debug("failed writing permission response", "error", err)
			}
			return
		}
		if chunk, ok := assistantChunk(decoded, rt.providerSessionID); ok {
			assistant.WriteString(chunk)
			sink(agent.TurnEvent{Type: agent.EventAssistantDelta, Text: chunk})
			return
		}
		if label, ok := progressLabel(decoded, rt.providerSessionID); ok {
			sink(agent.TurnEvent{Type: agent.EventProgress, Text: label})
		}
	}

	resp, err := waitForResponse(ctx, rt.transport, promptID, TurnTimeout, inspect)
	if err != nil {
		return agent.TurnResult{}, err
	}
	if msg, ok := jsonErrorMessage(resp); ok {
		return agent.TurnResult{}, errors.ProtocolError("session/prompt", msg)
	}

	result, _ := resp["result"].(map[string]any)
	message := strings.TrimSpace(assistant.String())
	if message == "" {
		message = strings.TrimSpace(resultText(result))
	}
	usage := agent.ExtractUsage(result)

	return agent.TurnResult{
		AssistantMessage: message,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
	}, nil
}

func jsonRPCRequest(id, method string, params any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
}

func resultSessionID(resp map[string]any) string {
	result, ok := resp["result"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := result["sessionId"].(string)
	return id
}

// sessionUpdateKind returns the update kind of a session-update notification
// addressed to providerSessionID, plus the update payload itself.
func sessionUpdateKind(decoded map[string]any, providerSessionID string) (string, map[string]any, bool) {
	if method, _ := decoded["method"].(string); method != "session/update" {
		return "", nil, false
	}
	params, ok := decoded["params"].(map[string]any)
	if !ok {
		return "", nil, false
	}
	if id, _ := params["sessionId"].(string); id != providerSessionID {
		return "", nil, false
	}
	update, ok := params["update"].(map[string]any)
	if !ok {
		return "", nil, false
	}
	kind, ok := update["sessionUpdate"].(string)
	return kind, update, ok
}

// assistantChunk extracts assistant text from an agent_message_chunk update.
func assistantChunk(decoded map[string]any, providerSessionID string) (string, bool) {
	kind, update, ok := sessionUpdateKind(decoded, providerSessionID)
	if !ok || kind != "agent_message_chunk" {
		return "", false
	}
	text := contentText(update["content"])
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// progressLabel maps tool/thought activity updates to short human-readable
// labels via a fixed keyword table.
func progressLabel(decoded map[string]any, providerSessionID string) (string, bool) {
	kind, _, ok := sessionUpdateKind(decoded, providerSessionID)
	if !ok || kind == "agent_message_chunk" {
		return "", false
	}
	normalized := normalizeUpdateKind(kind)
	switch {
	case strings.Contains(normalized, "thinking"),
		strings.Contains(normalized, "thought"),
		strings.Contains(normalized, "reasoning"):
		return "Thinking", true
	case strings.Contains(normalized, "search"):
		return "Searching the web", true
	case strings.Contains(normalized, "command"),
		strings.Contains(normalized, "shell"),
		strings.Contains(normalized, "tool_call"):
		return "Running a command", true
	}
	return "", false
}

// normalizeUpdateKind lowercases an update kind and converts camelCase to
// snake_case so one keyword table covers both spellings.
func normalizeUpdateKind(kind string) string {
	var b strings.Builder
	for i, r := range kind {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// contentText flattens known content shapes (string, array of parts, nested
// text/parts/content objects) into plain text.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			b.WriteString(contentText(part))
		}
		return b.String()
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
		if parts, ok := v["parts"]; ok {
			if text := contentText(parts); text != "" {
				return text
			}
		}
		if nested, ok := v["content"]; ok {
			return contentText(nested)
		}
	}
	return ""
}

// resultText extracts assistant text from known prompt completion result
// shapes; used only when no chunks were streamed during the turn.
func resultText(result map[string]any) string {
	if result == nil {
		return ""
	}
	if text, ok := result["response"].(string); ok {
		return text
	}
	if text, ok := result["text"].(string); ok {
		return text
	}
	if content, ok := result["content"]; ok {
		if text := contentText(content); text != "" {
			return text
		}
	}
	if message, ok := result["message"].(map[string]any); ok {
		if text := contentText(message); text != "" {
			return text
		}
	}
	if output, ok := result["output"].([]any); ok {
		return contentText(output)
	}
	return ""
}

// permissionResponse answers a permission request in-line so the turn never
// stalls on human approval at this layer. Preference order is allow_always,
// then allow_once, then the first listed option; with no options the request
// is answered "cancelled".
func permissionResponse(decoded map[string]any, providerSessionID string) (map[string]any, bool) {
	if method, _ := decoded["method"].(string); method != "session/request_permission" {
		return nil, false
	}
	requestID, ok := decoded["id"]
	if !ok {
		return nil, false
	}
	params, ok := decoded["params"].(map[string]any)
	if !ok {
		return nil, false
	}
	if id, _ := params["sessionId"].(string); id != providerSessionID {
		return nil, false
	}

	var outcome map[string]any
	if optionID, ok := selectPermissionOption(params["options"]); ok {
		outcome = map[string]any{"outcome": "selected", "optionId": optionID}
	} else {
		outcome = map[string]any{"outcome": "cancelled"}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      requestID,
		"result":  map[string]any{"outcome": outcome},
	}, true
}

func selectPermissionOption(options any) (string, bool) {
	list, ok := options.([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	for _, preferred := range []string{"allow_always", "allow_once"} {
		for _, entry := range list {
			option, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := option["kind"].(string); normalizeUpdateKind(kind) == preferred {
				if id, ok := option["optionId"].(string); ok {
					return id, true
				}
			}
		}
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := first["optionId"].(string)
	return id, ok
}
