package assist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/casualjim/loom/dispatch"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/plan"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultModel    = openai.ChatModelGPT4o
	defaultAttempts = 3
)

const systemPrompt = `You design event-driven workflow plans expressed as Petri nets.

A plan is a JSON object:
{
  "plan_name": string,
  "graph_type": "acyclic" | "reactive",
  "events": { "<event name>": {} },
  "steps": {
    "<step name>": {
      "on": ["<event>", ...],
      "action": "<action id>",
      "args": { "<name>": <literal or "$event.path" reference> },
      "emits": ["<event>", ...],
      "guard": "<optional boolean expression>"
    }
  }
}

Rules:
- Every event named in "on" or "emits" must be declared under "events".
- Only use action ids from the provided catalog.
- "acyclic" plans must have no cycles in the step dependency graph; use
  "reactive" for plans that loop or run indefinitely.
- Argument values starting with "$" reference a consumed token:
  "$order.customer.email" reads a payload field, "$order.$correlation"
  reads the token's correlation id. Escape a literal dollar as "$$".
- Guards are comparison clauses joined by "&&", over "event.path"
  references and literals. "event.$correlation" pairs tokens across
  places by correlation id.
- An action's failure is delivered on the "<action>.failed" event;
  declare and consume it when the plan should recover.

Respond with the plan JSON only, no prose and no code fences.`

// completeFn performs one chat completion. Swappable for tests.
type completeFn func(ctx context.Context, system, user string) (string, error)

// OpenAI is a Generator backed by the OpenAI chat completions API.
type OpenAI struct {
	model    string
	attempts int
	log      *slog.Logger
	complete completeFn
}

// WithModel selects the chat model.
func WithModel(model string) opts.Option[OpenAI] {
	return opts.Type[OpenAI](func(o *OpenAI) error {
		o.model = model
		return nil
	})
}

// WithAttempts sets how many validation-repair rounds Generate runs
// before giving up.
func WithAttempts(n int) opts.Option[OpenAI] {
	return opts.Type[OpenAI](func(o *OpenAI) error {
		if n < 1 {
			return fmt.Errorf("attempts must be at least 1")
		}
		o.attempts = n
		return nil
	})
}

// WithLogger sets the generator's logger.
func WithLogger(log *slog.Logger) opts.Option[OpenAI] {
	return opts.Type[OpenAI](func(o *OpenAI) error {
		o.log = log
		return nil
	})
}

// NewOpenAI creates a generator. Request options are passed through to
// the client, which reads OPENAI_API_KEY from the environment by default.
func NewOpenAI(options []opts.Option[OpenAI], requestOptions ...option.RequestOption) (*OpenAI, error) {
	o := &OpenAI{
		model:    defaultModel,
		attempts: defaultAttempts,
		log:      slog.Default(),
	}
	if err := opts.Apply(o, options); err != nil {
		return nil, err
	}
	client := openai.NewClient(requestOptions...)
	o.complete = func(ctx context.Context, system, user string) (string, error) {
		chat, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.F(o.model),
			Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			}),
			N:           openai.Int(1),
			Temperature: openai.Float(0.1),
		})
		if err != nil {
			return "", err
		}
		if len(chat.Choices) == 0 {
			return "", fmt.Errorf("completion returned no choices")
		}
		return chat.Choices[0].Message.Content, nil
	}
	return o, nil
}

// Generate synthesizes a plan and keeps feeding validation failures back
// to the model until the plan validates or the attempts run out.
func (o *OpenAI) Generate(ctx context.Context, instruction string, catalog []dispatch.Action) (*plan.Plan, error) {
	prompt := fmt.Sprintf("Action catalog:\n%s\n\nInstruction:\n%s", renderCatalog(catalog), instruction)

	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		reply, err := o.complete(ctx, systemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("generate plan: %w", err)
		}
		p, res, err := parseCandidate(reply)
		if err != nil {
			lastErr = err
			prompt = fmt.Sprintf("%s\n\nYour previous answer was not a valid plan document: %v\nRespond with corrected plan JSON only.", prompt, err)
			continue
		}
		if res.Valid() {
			return p, nil
		}
		lastErr = res.Err()
		o.log.Debug("generated plan failed validation",
			slog.Int("attempt", attempt),
			slogx.Error(res.Err()),
		)
		prompt = fmt.Sprintf("%s\n\nYour previous plan failed validation:\n%sRespond with corrected plan JSON only.",
			prompt, FromResult(res).render())
	}
	return nil, fmt.Errorf("no valid plan after %d attempts: %w", o.attempts, lastErr)
}

// Repair asks the model to rewrite a failing plan. The result is
// validated once; callers wanting a retry loop use Generate semantics.
func (o *OpenAI) Repair(ctx context.Context, p *plan.Plan, failure FailureContext) (*plan.Plan, error) {
	encoded, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan for repair: %w", err)
	}
	prompt := fmt.Sprintf("This plan failed:\n%s\n\n%s\nRespond with the repaired plan JSON only.",
		encoded, failure.render())

	reply, err := o.complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("repair plan: %w", err)
	}
	repaired, res, err := parseCandidate(reply)
	if err != nil {
		return nil, fmt.Errorf("repair plan: %w", err)
	}
	if !res.Valid() {
		return nil, fmt.Errorf("repaired plan still invalid: %w", res.Err())
	}
	return repaired, nil
}

// parseCandidate decodes a model reply into a plan and validates it.
// Code fences slip through despite the prompt, so they are stripped.
func parseCandidate(reply string) (*plan.Plan, plan.Result, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	p, err := plan.Parse([]byte(text))
	if err != nil {
		return nil, plan.Result{}, err
	}
	return p, plan.Validate(p), nil
}

type catalogEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Outputs     []string        `json:"outputs,omitempty"`
	Async       bool            `json:"async,omitempty"`
}

func renderCatalog(catalog []dispatch.Action) string {
	entries := make([]catalogEntry, 0, len(catalog))
	for _, a := range catalog {
		entry := catalogEntry{
			Name:        a.Name,
			Description: a.Description,
			Outputs:     a.Outputs,
			Async:       a.Async,
		}
		if a.InputSchema != nil {
			if schema, err := json.Marshal(a.InputSchema); err == nil {
				entry.InputSchema = schema
			}
		}
		entries = append(entries, entry)
	}
	rendered, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(rendered)
}
