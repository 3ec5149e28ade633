// Package mood classifies the emotional tone of finished conversation turns.
//
// Classification is best-effort background work: a failure never affects the
// voice session, it only leaves the turn's mood empty.
package mood

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Mood is the classified emotional tone of one turn.
type Mood string

const (
	MoodHappy   Mood = "happy"
	MoodSad     Mood = "sad"
	MoodAnxious Mood = "anxious"
	MoodAngry   Mood = "angry"
	MoodExcited Mood = "excited"
	MoodCalm    Mood = "calm"
	MoodNeutral Mood = "neutral"
)

// moods lists every label the classifier may return, in prompt order.
var moods = []Mood{MoodHappy, MoodSad, MoodAnxious, MoodAngry, MoodExcited, MoodCalm, MoodNeutral}

const (
	defaultModel   = "gpt-4o-mini"
	requestTimeout = 15 * time.Second
)

// config holds optional configuration for the analyzer.
type config struct {
	model   string
	baseURL string
}

// Option is a functional option for Analyzer.
type Option func(*config)

// WithModel overrides the classification model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// Analyzer classifies turn text into one of the fixed mood labels.
type Analyzer struct {
	client oai.Client
	model  string
}

// New constructs an Analyzer.
func New(apiKey string, opts ...Option) (*Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("mood: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
		// Classification is fire-and-forget; a failed turn just stays unlabeled.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Analyzer{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// systemPrompt instructs the model to answer with a single label.
func systemPrompt() string {
	labels := make([]string, len(moods))
	for i, m := range moods {
		labels[i] = string(m)
	}
	return "Classify the emotional tone of the user's message. " +
		"Answer with exactly one word from this list: " + strings.Join(labels, ", ") + "."
}

// Classify returns the mood of text. Labels outside the fixed set are mapped
// to neutral rather than treated as errors.
func (a *Analyzer) Classify(ctx context.Context, text string) (Mood, error) {
	if strings.TrimSpace(text) == "" {
		return MoodNeutral, nil
	}

	resp, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt()),
			oai.UserMessage(text),
		},
		Temperature:         param.NewOpt(0.0),
		MaxCompletionTokens: param.NewOpt(int64(4)),
	})
	if err != nil {
		return "", fmt.Errorf("mood: classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("mood: empty choices in response")
	}

	label := Mood(strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)))
	for _, m := range moods {
		if label == m {
			return m, nil
		}
	}
	return MoodNeutral, nil
}
