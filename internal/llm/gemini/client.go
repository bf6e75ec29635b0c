package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/receipty/receipty/internal/llm"
)

// Config for the Gemini client.
type Config struct {
	APIKey      string
	Model       string // e.g., "gemini-2.5-flash"
	Temperature float32
	Timeout     time.Duration
}

// generator is the part of genai.Models the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	cfg    Config
	models generator
	log    *zap.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newClient(cfg, gc.Models, logger), nil
}

func newClient(cfg Config, models generator, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, models: models, log: logger.Named("gemini")}
}

func (c *Client) Name() string {
	return "gemini/" + c.cfg.Model
}

// Extract implements llm.Extractor with function calling restricted to the one tool.
func (c *Client) Extract(ctx context.Context, req llm.ExtractRequest) ([]byte, error) {
	rid := uuid.New().String()
	start := time.Now()
	toolName := req.ToolName
	if toolName == "" {
		toolName = llm.ExtractionToolName
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.log.Info("llm.extract.start",
		zap.String("req_id", rid),
		zap.String("model", c.cfg.Model),
		zap.Int("prompt_len", len(req.Prompt)),
	)

	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, genai.Text(req.Prompt), buildConfig(req, toolName, c.cfg.Temperature))
	if err != nil {
		c.log.Error("llm.extract.http_error",
			zap.String("req_id", rid), zap.Error(err),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	args, err := toolArguments(resp, toolName)
	if err != nil {
		c.log.Error("llm.extract.no_tool_call", zap.String("req_id", rid), zap.Error(err))
		return nil, err
	}

	c.log.Info("llm.extract.ok",
		zap.String("req_id", rid),
		zap.Int("args_bytes", len(args)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return args, nil
}

func buildConfig(req llm.ExtractRequest, toolName string, temperature float32) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        toolName,
				Description: "Record the structured content of one receipt.",
				Parameters:  ToSchema(req.Schema),
			}},
		}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{toolName},
			},
		},
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	return cfg
}

// toolArguments pulls the forced call's arguments out of a response as JSON.
func toolArguments(resp *genai.GenerateContentResponse, toolName string) ([]byte, error) {
	if resp == nil {
		return nil, llm.ErrNoToolCall
	}
	calls := resp.FunctionCalls()
	if len(calls) == 0 {
		return nil, llm.ErrNoToolCall
	}
	call := calls[0]
	if call.Name != toolName {
		return nil, fmt.Errorf("%w: %q", llm.ErrWrongTool, call.Name)
	}
	if len(call.Args) == 0 {
		return nil, llm.ErrEmptyArguments
	}
	b, err := json.Marshal(call.Args)
	if err != nil {
		return nil, fmt.Errorf("encode function args: %w", err)
	}
	return b, nil
}
