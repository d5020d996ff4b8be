// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentcore/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)

	// ClassifyError maps a provider-specific error to one of the scheduler's
	// error classes. The scheduler never inspects provider error strings
	// itself; it dispatches entirely on the returned class.
	ClassifyError(err error) ErrorClass
}

// ErrorClass is the scheduler-facing classification of a provider error,
// used to select retry, compaction, or terminal handling.
type ErrorClass int

const (
	// ErrorNone means err was nil.
	ErrorNone ErrorClass = iota
	// ErrorTransient covers network failures, 5xx, and known rate limits:
	// retried with exponential backoff.
	ErrorTransient
	// ErrorOverflow means the request exceeded the model's context window:
	// triggers automatic compaction then a single retry.
	ErrorOverflow
	// ErrorAuth covers invalid/expired credentials: not retried.
	ErrorAuth
	// ErrorFatal is any other non-transient error: not retried.
	ErrorFatal
)

// classifyByMessage is the shared string-matching heuristic used by
// providers whose SDKs don't expose a typed error hierarchy over Eino's
// wrapper (OpenAI-compatible and ARK providers). Each provider still owns
// its own ClassifyError so provider-specific error shapes (e.g. a typed
// APIError with a status code) can be checked before falling back here.
func classifyByMessage(err error) ErrorClass {
	if err == nil {
		return ErrorNone
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context_length_exceeded"), strings.Contains(msg, "context length"),
		strings.Contains(msg, "maximum context length"), strings.Contains(msg, "too many tokens"):
		return ErrorOverflow
	case strings.Contains(msg, "invalid_api_key"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"), strings.Contains(msg, "permission"):
		return ErrorAuth
	case strings.Contains(msg, "rate_limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		return ErrorTransient
	default:
		return ErrorFatal
	}
}

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorOverflow:
		return "overflow"
	case ErrorAuth:
		return "auth"
	case ErrorFatal:
		return "fatal"
	default:
		return "none"
	}
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"topP,omitempty"`
	StopWords   []string          `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

