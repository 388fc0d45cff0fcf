package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// OpenAIConfig configures the LLM-backed oracle.
type OpenAIConfig struct {
	APIKey      string
	Model       string  // default gpt-4o
	Temperature float32 // default 0.7
	MaxTokens   int     // default 512
}

// OpenAIOracle asks a chat model to rank actions, score programs, and
// propose mutations. Malformed responses surface as errors so the adapter
// can retry or fall back.
type OpenAIOracle struct {
	cfg    OpenAIConfig
	client *openai.Client
}

// ErrMalformedResponse reports model output that could not be parsed.
var ErrMalformedResponse = errors.New("malformed oracle response")

// NewOpenAIOracle builds the LLM oracle.
func NewOpenAIOracle(cfg OpenAIConfig) (*OpenAIOracle, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	return &OpenAIOracle{cfg: cfg, client: openai.NewClient(cfg.APIKey)}, nil
}

func (o *OpenAIOracle) RankActions(ctx context.Context, state program.State, actions []program.Action, lib *dsl.Library, task string, topK int) ([]ScoredAction, error) {
	prompt := o.policyPrompt(state, actions, lib, task)
	raw, err := o.chat(ctx, "You are a program synthesis expert. Respond only with valid JSON.", prompt, o.cfg.Temperature)
	if err != nil {
		return nil, err
	}

	var scores map[string]float64
	if err := json.Unmarshal([]byte(extractJSON(raw)), &scores); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	ranked := make([]ScoredAction, 0, len(actions))
	for i, action := range actions {
		score, ok := scores[strconv.Itoa(i+1)]
		if !ok {
			score = 0.5
		}
		ranked = append(ranked, ScoredAction{Action: action, Score: clamp01(score)})
	}
	sortScored(ranked)
	if topK > 0 && topK < len(ranked) {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

func (o *OpenAIOracle) ScoreProgram(ctx context.Context, state program.State, task string, lib *dsl.Library) (float64, error) {
	prompt := o.valuePrompt(state, task, lib)
	raw, err := o.chat(ctx, "You are a code evaluation expert. Respond only with a number between 0.0 and 1.0.", prompt, 0.3)
	if err != nil {
		return 0, err
	}
	value, err := parseScalar(raw)
	if err != nil {
		return 0, err
	}
	return clamp01(value), nil
}

func (o *OpenAIOracle) SuggestMutations(ctx context.Context, spec model.FunctionSpec, lib *dsl.Library, topK int) ([]MutationSuggestion, error) {
	prompt := o.mutationPrompt(spec, lib)
	raw, err := o.chat(ctx, "You are an evolutionary programming expert. Respond only with valid JSON.", prompt, o.cfg.Temperature)
	if err != nil {
		return nil, err
	}

	var suggestions []MutationSuggestion
	if err := json.Unmarshal([]byte(extractJSON(raw)), &suggestions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	known := make(map[string]bool, len(Strategies))
	for _, s := range Strategies {
		known[s] = true
	}
	filtered := suggestions[:0]
	for _, s := range suggestions {
		if known[s.Strategy] {
			filtered = append(filtered, s)
		}
	}
	if topK > 0 && topK < len(filtered) {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

func (o *OpenAIOracle) chat(ctx context.Context, system, prompt string, temperature float32) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: temperature,
		MaxTokens:   o.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("oracle chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o *OpenAIOracle) policyPrompt(state program.State, actions []program.Action, lib *dsl.Library, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CURRENT PROGRAM:\n%s\n\n", state.Render())
	fmt.Fprintf(&b, "AVAILABLE FUNCTIONS: %s\n", strings.Join(lib.ListNames(), ", "))
	fmt.Fprintf(&b, "TARGET TASK: %s\n\nAVAILABLE ACTIONS:\n", orDefault(task, "create a useful function"))
	for i, action := range actions {
		fmt.Fprintf(&b, "%d. %s: %s - %s\n", i+1, action.Type, action.Value, action.Description)
	}
	b.WriteString("\nScore each action from 0.0 to 1.0 for how promising it is toward the target task.\n")
	b.WriteString(`Respond ONLY with a JSON object mapping action numbers to scores, e.g. {"1": 0.8, "2": 0.3}.`)
	return b.String()
}

func (o *OpenAIOracle) valuePrompt(state program.State, task string, lib *dsl.Library) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FUNCTION TO EVALUATE:\n%s\n\n", state.Render())
	fmt.Fprintf(&b, "TARGET TASK: %s\n", orDefault(task, "general purpose function"))
	fmt.Fprintf(&b, "AVAILABLE FUNCTIONS: %s\n\n", strings.Join(lib.ListNames(), ", "))
	b.WriteString("Evaluate correctness, relevance to the task, elegance, reusability, and novelty.\n")
	b.WriteString("Respond ONLY with a single number between 0.0 and 1.0.")
	return b.String()
}

func (o *OpenAIOracle) mutationPrompt(spec model.FunctionSpec, lib *dsl.Library) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CURRENT FUNCTION:\nName: %s\nParameters: %s\nBody: %s\nFitness: %.2f\n\n",
		spec.Name, strings.Join(spec.Params, ", "), orDefault(spec.Body, "none"), spec.Fitness)
	fmt.Fprintf(&b, "AVAILABLE FUNCTIONS: %s\n\n", strings.Join(lib.ListNames(), ", "))
	fmt.Fprintf(&b, "MUTATION STRATEGIES: %s\n\n", strings.Join(Strategies, ", "))
	b.WriteString("Suggest the most promising mutations for this function.\n")
	b.WriteString(`Respond ONLY with a JSON array like [{"strategy": "add_recursion", "params": {"base_param": "n"}}].`)
	return b.String()
}

var numberPattern = regexp.MustCompile(`\d*\.?\d+`)

func parseScalar(raw string) (float64, error) {
	cleaned := strings.TrimSpace(raw)
	if value, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return value, nil
	}
	if match := numberPattern.FindString(cleaned); match != "" {
		if value, err := strconv.ParseFloat(match, 64); err == nil {
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: no number in %q", ErrMalformedResponse, raw)
}

// extractJSON strips markdown fences that chat models wrap around JSON.
func extractJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}

func sortScored(ranked []ScoredAction) {
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
