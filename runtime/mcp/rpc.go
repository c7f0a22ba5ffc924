package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	// rpcNotification is a request without an id; servers must not reply
	// with a result.
	rpcNotification struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	initializeResult struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      map[string]any `json:"serverInfo"`
		SessionID       string         `json:"sessionId"`
	}

	toolsListResult struct {
		Tools []Tool `json:"tools"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type     string          `json:"type"`
		Text     *string         `json:"text"`
		MimeType *string         `json:"mimeType"`
		Data     json.RawMessage `json:"data,omitempty"`
	}
)

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (c contentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// decodeSSEResponse reads a text/event-stream body and returns the first
// data payload that decodes to a JSON-RPC response carrying a result or an
// error. Remaining events are ignored.
func decodeSSEResponse(body io.Reader) (*rpcResponse, error) {
	reader := bufio.NewReader(body)
	for {
		_, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("event stream ended without a response")
			}
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != nil || len(resp.Result) > 0 {
			return &resp, nil
		}
	}
}

// readSSEEvent consumes one server-sent event from the reader. It returns
// the event name (empty when unset) and the concatenated data lines. Comment
// lines are skipped; multiple data lines are joined with newlines.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var (
		event string
		data  []string
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && (len(data) > 0 || event != "") {
				return event, []byte(strings.Join(data, "\n")), nil
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) == 0 && event == "" {
				continue
			}
			return event, []byte(strings.Join(data, "\n")), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(value)
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimSpace(value))
		}
	}
}

// decodeToolOutput normalizes a tools/call result. When every content block
// is text the texts are joined with newlines; any non-text block makes the
// call return the content list as-is.
func decodeToolOutput(raw json.RawMessage) (any, error) {
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	if result.IsError {
		return nil, errors.New(joinText(result.Content))
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	allText := true
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
	}
	if allText {
		return joinText(result.Content), nil
	}
	out := make([]any, 0, len(result.Content))
	for _, item := range result.Content {
		if item.Type == "text" {
			out = append(out, item.text())
			continue
		}
		block := map[string]any{"type": item.Type}
		if item.MimeType != nil {
			block["mimeType"] = *item.MimeType
		}
		if len(item.Data) > 0 {
			var decoded any
			if err := json.Unmarshal(item.Data, &decoded); err == nil {
				block["data"] = decoded
			} else {
				block["data"] = string(item.Data)
			}
		}
		out = append(out, block)
	}
	return out, nil
}

func joinText(items []contentItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type == "text" && item.Text != nil {
			parts = append(parts, *item.Text)
		}
	}
	return strings.Join(parts, "\n")
}
