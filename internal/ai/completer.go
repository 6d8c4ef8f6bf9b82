package ai

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

	"github.com/cenkalti/backoff/v5"
)

// Completer is the external completion service.
type Completer interface {
	Generate(ctx context.Context, prompt, language string) (string, error)
}

// ErrEmptyCompletion is returned when the service answers with no text.
var ErrEmptyCompletion = errors.New("completion service returned no content")

// HTTPCompleterConfig configures an OpenAI-style chat completions client.
type HTTPCompleterConfig struct {
	URL        string
	APIKey     string
	Model      string
	MaxRetries uint
	HTTPClient *http.Client
}

// HTTPCompleter calls a chat-completions endpoint, retrying transient failures
// until the caller's deadline.
type HTTPCompleter struct {
	cfg    HTTPCompleterConfig
	client *http.Client
}

// NewHTTPCompleter creates a completer for cfg.URL.
func NewHTTPCompleter(cfg HTTPCompleterConfig) *HTTPCompleter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &HTTPCompleter{cfg: cfg, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends prompt and returns the first choice's content.
func (c *HTTPCompleter) Generate(ctx context.Context, prompt, _ string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	operation := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return "", fmt.Errorf("completion service returned %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return "", backoff.Permanent(fmt.Errorf("completion service returned %d", resp.StatusCode))
		}

		var out chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", backoff.Permanent(fmt.Errorf("decode completion response: %w", err))
		}
		if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
			return "", backoff.Permanent(ErrEmptyCompletion)
		}
		return strings.TrimSpace(out.Choices[0].Message.Content), nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxRetries),
	)
}

// SimulatedCompleter answers with canned guidance picked by keyword after a
// fixed latency. It stands in when no completion service is configured.
type SimulatedCompleter struct {
	Latency time.Duration
}

var cannedReplies = []struct {
	keywords []string
	reply    string
}{
	{[]string{"chest pain", "can't breathe", "cannot breathe", "unconscious"},
		"These symptoms can be serious. Please call your local emergency number now or open the Emergency Support room."},
	{[]string{"fever", "temperature"},
		"Drink fluids and rest; see a doctor if it persists."},
	{[]string{"headache", "migraine"},
		"Rest in a quiet, dark room, stay hydrated and consider an over-the-counter pain reliever. See a doctor if headaches are sudden, severe or frequent."},
	{[]string{"cough", "sore throat", "cold"},
		"Warm fluids, rest and honey can ease a cough or sore throat. Book a consultation if it lasts more than a week or you have trouble breathing."},
	{[]string{"appointment", "book", "schedule"},
		"You can book a consultation from the Appointments page, or message one of our doctors directly from the chat list."},
	{[]string{"medication", "medicine", "prescription", "dose"},
		"Always follow the dosage on your prescription label. For questions about interactions or side effects, message your doctor or pharmacist."},
}

const defaultCannedReply = "Thanks for your message. I can share general health information; for a diagnosis, please consult one of our doctors."

// Generate picks a canned reply for the prompt.
func (s SimulatedCompleter) Generate(ctx context.Context, prompt, _ string) (string, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	lower := strings.ToLower(prompt)
	for _, c := range cannedReplies {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.reply, nil
			}
		}
	}
	return defaultCannedReply, nil
}
