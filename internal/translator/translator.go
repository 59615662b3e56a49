// Package translator implements the Format Translator: bit-equivalent
// conversion between the Anthropic Messages wire shape and the Cloud Code
// (Gemini-flavored) generateContent/streamGenerateContent wire shape.
package translator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
)

// roleModel is the Cloud Code role string for assistant turns; Anthropic's
// "assistant" maps to "model" on the wire.
const roleModel = "model"

// NewToolUseID synthesizes an opaque, stable tool-use ID when upstream
// omits one: "toolu_" + 24 lowercase-hex characters.
func NewToolUseID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "toolu_" + hex.EncodeToString(buf)
}

// ToCloudCode wraps an Anthropic request into the Cloud Code envelope:
// {project, model, request:{contents, systemInstruction?, tools?,
// generationConfig, safetySettings?}, userAgent, requestId, requestType}.
func ToCloudCode(req *anthropic.MessagesRequest, projectID, requestID string) ([]byte, error) {
	body := []byte(`{}`)
	var err error

	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}
	setRaw := func(path string, raw []byte) {
		if err != nil || len(raw) == 0 {
			return
		}
		body, err = sjson.SetRawBytes(body, path, raw)
	}

	set("project", projectID)
	set("model", req.Model)
	set("userAgent", "antigravity-pool")
	set("requestId", requestID)
	set("requestType", "GENERATE_CONTENT")

	contents, cErr := contentsFromMessages(req.Messages)
	if cErr != nil {
		return nil, fmt.Errorf("translator: contents: %w", cErr)
	}
	setRaw("request.contents", contents)

	if len(req.System) > 0 {
		sysParts, sErr := systemInstructionParts(req.System)
		if sErr != nil {
			return nil, fmt.Errorf("translator: system: %w", sErr)
		}
		if sysParts != nil {
			setRaw("request.systemInstruction", sysParts)
		}
	}

	if len(req.Tools) > 0 {
		tools, tErr := toolsFromAnthropic(req.Tools)
		if tErr != nil {
			return nil, fmt.Errorf("translator: tools: %w", tErr)
		}
		setRaw("request.tools", tools)
	}

	genConfig, gErr := generationConfig(req)
	if gErr != nil {
		return nil, fmt.Errorf("translator: generationConfig: %w", gErr)
	}
	setRaw("request.generationConfig", genConfig)

	if err != nil {
		return nil, fmt.Errorf("translator: build body: %w", err)
	}
	return body, nil
}

func generationConfig(req *anthropic.MessagesRequest) ([]byte, error) {
	cfg := map[string]any{"maxOutputTokens": req.MaxTokens}
	if req.Temperature != nil {
		cfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		cfg["topP"] = *req.TopP
	}
	if req.TopK != nil {
		cfg["topK"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		cfg["stopSequences"] = req.StopSequences
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		cfg["thinkingConfig"] = map[string]any{
			"includeThoughts": true,
			"thinkingBudget":  req.Thinking.BudgetTokens,
		}
	}
	return json.Marshal(cfg)
}

func systemInstructionParts(system json.RawMessage) ([]byte, error) {
	text := extractSystemText(system)
	if text == "" {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"role":  "user",
		"parts": []map[string]string{{"text": text}},
	})
}

func extractSystemText(system json.RawMessage) string {
	trimmed := strings.TrimSpace(string(system))
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		_ = json.Unmarshal(system, &s)
		return s
	}
	var b strings.Builder
	result := gjson.ParseBytes(system)
	result.ForEach(func(_, value gjson.Result) bool {
		if value.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(value.Get("text").String())
		}
		return true
	})
	return b.String()
}

func contentsFromMessages(messages []anthropic.Message) ([]byte, error) {
	contents := []byte(`[]`)
	toolIDToName := make(map[string]string)
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = roleModel
		}
		parts, err := partsFromContent(msg.Content, toolIDToName)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		entry := map[string]any{"role": role, "parts": json.RawMessage(parts)}
		entryBytes, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		contents, err = sjson.SetRawBytes(contents, "-1", entryBytes)
		if err != nil {
			return nil, err
		}
	}
	return contents, nil
}

// partsFromContent converts one message's content (either a bare string or
// a content-block array) into Cloud Code "parts". Empty assistant text
// between thinking/tool blocks is dropped. toolIDToName accumulates
// tool_use id->name pairs across the whole request so a later tool_result
// in any message can resolve the function name it is replying to.
func partsFromContent(raw json.RawMessage, toolIDToName map[string]string) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return []byte(`[]`), nil
		}
		return json.Marshal([]map[string]string{{"text": s}})
	}

	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}

	parts := make([]map[string]any, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			parts = append(parts, map[string]any{"text": block.Text})
		case "thinking":
			part := map[string]any{"text": block.Thinking, "thought": true}
			if block.Signature != "" {
				part["thoughtSignature"] = block.Signature
			}
			parts = append(parts, part)
		case "tool_use":
			if block.ID != "" && block.Name != "" {
				toolIDToName[block.ID] = block.Name
			}
			var input any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, err
				}
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": block.Name, "args": input},
			})
		case "tool_result":
			resp, err := functionResponseFromToolResult(block, toolIDToName)
			if err != nil {
				return nil, err
			}
			parts = append(parts, resp)
		}
	}
	return json.Marshal(parts)
}

// functionResponseFromToolResult builds a Cloud Code functionResponse part
// from an Anthropic tool_result block. The wire format keys the response by
// function name, not by the opaque tool-use ID the block itself carries, so
// the real name is resolved from toolIDToName (populated from the matching
// tool_use block earlier in the request) and falls back to the ID only when
// the name is unknown. The ID is also carried separately so Cloud Code can
// correlate the response even if name resolution lands on the fallback.
func functionResponseFromToolResult(block anthropic.ContentBlock, toolIDToName map[string]string) (map[string]any, error) {
	var content any
	if len(block.Content) > 0 {
		trimmed := strings.TrimSpace(string(block.Content))
		if trimmed != "" && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(block.Content, &s); err != nil {
				return nil, err
			}
			content = s
		} else {
			if err := json.Unmarshal(block.Content, &content); err != nil {
				return nil, err
			}
		}
	}
	response := map[string]any{"content": content}
	if block.IsError {
		response["error"] = true
	}

	name, ok := toolIDToName[block.ToolUseID]
	if !ok {
		name = block.ToolUseID
	}
	return map[string]any{
		"functionResponse": map[string]any{
			"name":     name,
			"id":       block.ToolUseID,
			"response": response,
		},
	}, nil
}

func toolsFromAnthropic(tools []anthropic.Tool) ([]byte, error) {
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decl := map[string]any{"name": t.Name}
		if t.Description != "" {
			decl["description"] = t.Description
		}
		if len(t.InputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, err
			}
			decl["parameters"] = schema
		}
		decls = append(decls, decl)
	}
	return json.Marshal([]map[string]any{{"functionDeclarations": decls}})
}

// FromCloudCode reassembles a non-streaming Cloud Code response into an
// Anthropic MessagesResponse. If upstream returns zero content blocks, the
// returned response has an empty Content slice — callers treat that as the
// "empty response" event.
func FromCloudCode(body []byte, modelID string, messageID string) anthropic.MessagesResponse {
	parsed := gjson.ParseBytes(body)
	candidate := parsed.Get("candidates.0")

	blocks := make([]anthropic.ContentBlock, 0, 4)
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		block, ok := blockFromPart(part)
		if ok {
			blocks = append(blocks, block)
		}
		return true
	})

	resp := anthropic.MessagesResponse{
		ID:         messageID,
		Type:       "message",
		Role:       "assistant",
		Model:      modelID,
		Content:    blocks,
		StopReason: stopReasonFromFinish(candidate.Get("finishReason").String()),
		Usage: anthropic.Usage{
			InputTokens:  int(parsed.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(parsed.Get("usageMetadata.candidatesTokenCount").Int()),
		},
	}
	return resp
}

func blockFromPart(part gjson.Result) (anthropic.ContentBlock, bool) {
	switch {
	case part.Get("thought").Bool():
		return anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  part.Get("text").String(),
			Signature: part.Get("thoughtSignature").String(),
		}, true
	case part.Get("functionCall").Exists():
		fc := part.Get("functionCall")
		id := fc.Get("id").String()
		if id == "" {
			id = NewToolUseID()
		}
		input := fc.Get("args").Raw
		if input == "" {
			input = "{}"
		}
		return anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  fc.Get("name").String(),
			Input: json.RawMessage(input),
		}, true
	case part.Get("text").Exists():
		text := part.Get("text").String()
		if text == "" {
			return anthropic.ContentBlock{}, false
		}
		return anthropic.ContentBlock{Type: "text", Text: text}, true
	default:
		return anthropic.ContentBlock{}, false
	}
}

func stopReasonFromFinish(finishReason string) string {
	switch finishReason {
	case "STOP", "":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	case "TOOL_CALLS":
		return "tool_use"
	default:
		return "end_turn"
	}
}
