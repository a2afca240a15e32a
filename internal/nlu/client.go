// Package nlu talks to the external understanding capability. Every call is
// time-bounded and best-effort: callers must be able to proceed when the
// capability is slow or down.
package nlu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/terrachat-io/terrachat/internal/logging"
)

// ErrTimeout reports that the understanding capability did not answer within
// the configured deadline.
var ErrTimeout = errors.New("understanding capability timed out")

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 10 * time.Second

const (
	extractToolName = "record_parameters"
	extractToolDesc = "Record infrastructure parameter values the user explicitly provided. Only include values actually stated by the user; never guess or invent values."
)

// WantedField tells the model which parameters to look for.
type WantedField struct {
	Name        string
	Description string
}

// extraction is the forced tool-call payload the model fills in.
type extraction struct {
	Fields []extractedField `json:"fields" jsonschema:"description=Parameter values explicitly stated by the user"`
}

type extractedField struct {
	Name  string `json:"name" jsonschema:"required,description=Parameter name exactly as listed in the prompt"`
	Value string `json:"value" jsonschema:"required,description=The value the user stated, as a plain string"`
}

// Client wraps a tool-calling chat model.
type Client struct {
	chatModel model.ToolCallingChatModel
	toolInfo  *schema.ToolInfo
	timeout   time.Duration
}

// NewClient builds a client around an already constructed chat model. A
// non-positive timeout falls back to DefaultTimeout.
func NewClient(chatModel model.ToolCallingChatModel, timeout time.Duration) (*Client, error) {
	toolInfo, err := utils.GoStruct2ToolInfo[extraction](extractToolName, extractToolDesc)
	if err != nil {
		return nil, fmt.Errorf("building extraction tool info: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{chatModel: chatModel, toolInfo: toolInfo, timeout: timeout}, nil
}

// ExtractFields asks the model which of the wanted parameters the utterance
// provides. Returned values are raw strings; the caller validates them
// before use. A deadline overrun surfaces as ErrTimeout.
func (c *Client) ExtractFields(ctx context.Context, utterance string, recentTurns []string, wanted []WantedField) (map[string]string, error) {
	if len(wanted) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := buildExtractionPrompt(utterance, recentTurns, wanted)
	response, err := c.chatModel.Generate(ctx, messages,
		model.WithTools([]*schema.ToolInfo{c.toolInfo}),
		model.WithToolChoice(schema.ToolChoiceForced, c.toolInfo.Name),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	if len(response.ToolCalls) == 0 {
		logging.Debug("model returned no tool call", "content", response.Content)
		return nil, nil
	}

	var result extraction
	if err := sonic.UnmarshalString(response.ToolCalls[0].Function.Arguments, &result); err != nil {
		return nil, fmt.Errorf("parsing tool call arguments: %w", err)
	}

	out := make(map[string]string, len(result.Fields))
	for _, f := range result.Fields {
		if f.Name == "" || f.Value == "" {
			continue
		}
		out[f.Name] = f.Value
	}
	return out, nil
}

// Answer asks the model a free-form question about infrastructure, used for
// cost estimates and general queries. No tool call is forced.
func (c *Client) Answer(ctx context.Context, utterance, contextNote string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	system := "You are an infrastructure assistant. Answer concisely and " +
		"factually. For cost questions give rough monthly estimates and say " +
		"they are estimates."
	user := utterance
	if contextNote != "" {
		user = contextNote + "\n\n" + utterance
	}

	response, err := c.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("model call failed: %w", err)
	}
	return response.Content, nil
}

func buildExtractionPrompt(utterance string, recentTurns []string, wanted []WantedField) []*schema.Message {
	system := fmt.Sprintf("You extract infrastructure parameters from user "+
		"messages. Call %s with every parameter value the user explicitly "+
		"stated. Never infer, default or invent values. If the message "+
		"provides none of the listed parameters, return an empty list.",
		extractToolName)

	var b strings.Builder
	b.WriteString("# Parameters to look for:\n")
	for _, w := range wanted {
		fmt.Fprintf(&b, "- %s: %s\n", w.Name, w.Description)
	}
	if len(recentTurns) > 0 {
		b.WriteString("\n# Recent conversation:\n")
		for _, turn := range recentTurns {
			b.WriteString(turn)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n# User message:\n")
	b.WriteString(utterance)

	return []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(b.String()),
	}
}
