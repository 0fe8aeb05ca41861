// Package claude implements the engine's classification capability on the
// Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/engine"
)

const responseTokens = 512

// Client implements engine.Evaluator against the Claude API.
type Client struct {
	client anthropic.Client
	model  string
	logger log.Logger
}

// New creates a new Claude evaluator with the given API key and model name.
func New(apiKey, model string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}
}

const systemPrompt = `You evaluate whether a free-text submission matches a single classification rule.

Respond with exactly one JSON object and nothing else:
{"match": bool, "confidence": number between 0 and 1, "severity": "low"|"medium"|"high"|"critical"}

If the submission is ambiguous or you cannot evaluate it, respond with a low-confidence non-match rather than refusing.`

// Evaluate asks the model whether the item text matches the rule's trigger.
// The caller's context carries the per-item deadline. Content the model
// cannot parse into a verdict degrades to a low-confidence non-match, never
// an error; errors mean the API itself was unreachable.
func (c *Client) Evaluate(ctx context.Context, itemText string, rule *engine.ClassificationRule) (*engine.Evaluation, error) {
	userPrompt := buildPrompt(itemText, rule)

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: responseTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude api: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	c.logger.Info(ctx, "rule evaluation",
		"rule_id", rule.ID,
		"trigger_kind", rule.Trigger.Kind,
		"tokens_in", message.Usage.InputTokens,
		"tokens_out", message.Usage.OutputTokens,
	)

	return ParseVerdict(text), nil
}

func buildPrompt(itemText string, rule *engine.ClassificationRule) string {
	return fmt.Sprintf(`Rule %q (trigger kind: %s):
%s

Submission:
%s`, rule.Name, rule.Trigger.Kind, rule.Trigger.Spec, itemText)
}

// ParseVerdict extracts the JSON verdict from model output. Unparseable
// output yields a low-confidence non-match, honoring the capability
// contract of never failing on content it cannot parse.
func ParseVerdict(text string) *engine.Evaluation {
	text = strings.TrimSpace(text)

	// tolerate fenced output
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}

	var ev engine.Evaluation
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		return &engine.Evaluation{}
	}

	if ev.Confidence < 0 {
		ev.Confidence = 0
	}
	if ev.Confidence > 1 {
		ev.Confidence = 1
	}
	if _, err := engine.ParsePriority(string(ev.Severity)); err != nil {
		ev.Severity = ""
	}
	return &ev
}
