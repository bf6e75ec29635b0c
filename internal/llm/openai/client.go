package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/receipty/receipty/internal/llm"
)

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Name() string {
	return "openai/" + c.cfg.Model
}

// Extract implements llm.Extractor using chat/completions with a forced function call.
// The returned bytes are the tool call's JSON arguments, unvalidated.
func (c *Client) Extract(ctx context.Context, req llm.ExtractRequest) ([]byte, error) {
	rid := uuid.New().String()
	start := time.Now()
	toolName := req.ToolName
	if toolName == "" {
		toolName = llm.ExtractionToolName
	}

	c.log.Info("llm.extract.start",
		zap.String("req_id", rid),
		zap.String("model", c.cfg.Model),
		zap.Float32("temp", c.cfg.Temperature),
		zap.Int("prompt_len", len(req.Prompt)),
	)

	messages := make([]map[string]any, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages":    messages,
		"tools": []map[string]any{{
			"type": "function",
			"function": map[string]any{
				"name":        toolName,
				"description": "Record the structured content of one receipt.",
				"parameters":  req.Schema,
			},
		}},
		"tool_choice": map[string]any{
			"type":     "function",
			"function": map[string]any{"name": toolName},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, err := llm.SendJSON(ctx, c.httpClient, endpoint, body, headers, c.log)
	if err != nil {
		c.log.Error("llm.extract.http_error",
			zap.String("req_id", rid), zap.Error(err),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
		return nil, fmt.Errorf("openai request: %w", err)
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.extract.decode_error",
			zap.String("req_id", rid), zap.Error(err), zap.Int("raw_bytes", len(raw)),
		)
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.extract.no_choices", zap.String("req_id", rid))
		return nil, fmt.Errorf("no choices in openai response: %w", llm.ErrNoToolCall)
	}

	calls := cc.Choices[0].Message.ToolCalls
	if len(calls) == 0 {
		c.log.Error("llm.extract.no_tool_call",
			zap.String("req_id", rid),
			zap.Int("content_len", len(cc.Choices[0].Message.Content)),
		)
		return nil, llm.ErrNoToolCall
	}
	fn := calls[0].Function
	if fn.Name != toolName {
		c.log.Error("llm.extract.wrong_tool", zap.String("req_id", rid), zap.String("tool", fn.Name))
		return nil, fmt.Errorf("%w: %q", llm.ErrWrongTool, fn.Name)
	}
	args := strings.TrimSpace(fn.Arguments)
	if args == "" {
		return nil, llm.ErrEmptyArguments
	}

	c.log.Info("llm.extract.ok",
		zap.String("req_id", rid),
		zap.Int("args_bytes", len(args)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return []byte(args), nil
}
