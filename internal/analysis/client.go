package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/javedharis/reviewq/internal/review"
	"github.com/javedharis/reviewq/pkg/log"
)

const (
	// DefaultBaseURL points at DeepSeek's OpenAI-compatible API.
	DefaultBaseURL = "https://api.deepseek.com/v1"
	// DefaultModel is the chat model used for extraction.
	DefaultModel = "deepseek-chat"
)

// ErrBadResponse indicates the model returned output that could not be
// parsed or validated. Such failures are transient from the pipeline's
// point of view and go through the normal retry path.
var ErrBadResponse = errors.New("analysis: unusable model response")

// ClientOptions configures the chat-completions client.
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Logger     log.Logger
}

// Client calls an OpenAI-compatible chat-completions endpoint and parses
// the model's JSON answer into a StructuredResult.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  log.Logger
}

// NewClient builds a Client. APIKey is required.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("analysis: api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		http:    opts.HTTPClient,
		logger:  opts.Logger.WithComponent("analysis"),
	}, nil
}

const systemPrompt = `You are an AI expert in analyzing customer reviews for e-commerce platforms. Extract structured insights from the review you are given and respond with a single JSON object, no prose, with exactly these fields:
{
  "overall_sentiment": "positive" | "negative" | "neutral" | "mixed",
  "sentiment_score": <number from -1.0 (very negative) to 1.0 (very positive)>,
  "topics_mentioned": [<main topics, e.g. product quality, delivery, customer service, pricing>],
  "problems_identified": [<specific problems or issues>],
  "suggested_improvements": [<improvements or solutions mentioned>],
  "key_phrases": [<phrases that capture the essence of the review>]
}
Be thorough but concise. Focus on actionable insights for product and operations teams.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// insights is the model's JSON answer.
type insights struct {
	OverallSentiment      string   `json:"overall_sentiment"`
	SentimentScore        float64  `json:"sentiment_score"`
	TopicsMentioned       []string `json:"topics_mentioned"`
	ProblemsIdentified    []string `json:"problems_identified"`
	SuggestedImprovements []string `json:"suggested_improvements"`
	KeyPhrases            []string `json:"key_phrases"`
}

// Analyze implements Analyzer.
func (c *Client) Analyze(ctx context.Context, rv review.Review) (review.StructuredResult, error) {
	var zero review.StructuredResult

	user := fmt.Sprintf("Review ID: %s\nDate: %s\nRating: %d\nReview Text: %q",
		rv.ID, rv.Date.Format("2006-01-02"), rv.Rating, rv.Text)
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0.1,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("analysis: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return zero, fmt.Errorf("analysis: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("analysis: api status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if cr.Error != nil {
		return zero, fmt.Errorf("analysis: api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return zero, fmt.Errorf("%w: no choices", ErrBadResponse)
	}

	result, err := parseInsights(cr.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("model response rejected", log.F("review_id", rv.ID), log.Err(err))
		return zero, err
	}
	return result, nil
}

// parseInsights decodes the model's answer, tolerating a ```json fence
// around the object, and validates the result.
func parseInsights(content string) (review.StructuredResult, error) {
	var zero review.StructuredResult
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if i := strings.LastIndex(content, "```"); i >= 0 {
			content = content[:i]
		}
		content = strings.TrimSpace(content)
	}

	var in insights
	if err := json.Unmarshal([]byte(content), &in); err != nil {
		return zero, fmt.Errorf("%w: decode insights: %v", ErrBadResponse, err)
	}
	result := review.StructuredResult{
		SentimentLabel: strings.ToLower(in.OverallSentiment),
		SentimentScore: in.SentimentScore,
		Topics:         in.TopicsMentioned,
		Problems:       in.ProblemsIdentified,
		Suggestions:    in.SuggestedImprovements,
		Insights:       in.KeyPhrases,
	}
	if err := result.Validate(); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
