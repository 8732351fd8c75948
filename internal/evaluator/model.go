package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
	"github.com/pulsedaemon/pulse/internal/config"
)

const modelSystemPrompt = `You are the trigger gate for an autonomous agent's initiative daemon.
Given the agent's drive pressures, decide whether to wake the agent now.
Respond with JSON only, no prose:
{"trigger": true|false, "drive": "<drive name>", "reason": "<one line>", "suppress_minutes": <int>}
Set suppress_minutes > 0 only when evaluation should pause (e.g. bad timing).`

// Model is the LLM-gated evaluator. After MaxFailures consecutive call
// failures it degrades to the rule evaluator, probing the endpoint again
// every RecoveryInterval.
type Model struct {
	cfg      config.EvaluatorConfig
	client   *http.Client
	fallback *Rules
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	failures  int
	degraded  bool
	lastProbe time.Time
}

// NewModel creates the model evaluator with a rules fallback.
func NewModel(cfg config.EvaluatorConfig, clk clock.Clock, logger *slog.Logger) *Model {
	return &Model{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Model.Timeout.Std()},
		fallback: NewRules(cfg, logger),
		clock:    clk,
		logger:   logger.With("component", "evaluator.model"),
	}
}

func (m *Model) Name() string { return "model" }

// Degraded reports whether the evaluator is currently running on rules.
func (m *Model) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Evaluate consults the model, falling back to rules while degraded or when
// a call fails. Deterministic suppression cases never reach the model.
func (m *Model) Evaluate(ctx context.Context, in Input) (Decision, error) {
	// Conversation suppression and critical alerts are cheap and exact;
	// spending a model call on them buys nothing.
	if in.CriticalAlert != "" ||
		(m.cfg.SuppressDuringConversation && (in.ConversationActive || in.ConversationCoolingDown)) {
		return m.fallback.Evaluate(ctx, in)
	}

	if !m.shouldCallModel() {
		return m.fallback.Evaluate(ctx, in)
	}

	decision, err := m.callModel(ctx, in)
	if err != nil {
		m.recordFailure(err)
		return m.fallback.Evaluate(ctx, in)
	}
	m.recordSuccess()
	return decision, nil
}

// shouldCallModel returns false while degraded, except once per recovery
// interval to probe whether the endpoint came back.
func (m *Model) shouldCallModel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		return true
	}
	now := m.clock.Now()
	if now.Sub(m.lastProbe) >= m.cfg.Model.RecoveryInterval.Std() {
		m.lastProbe = now
		m.logger.Info("probing model endpoint for recovery")
		return true
	}
	return false
}

func (m *Model) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if !m.degraded && m.failures >= m.cfg.Model.MaxFailures {
		m.degraded = true
		m.lastProbe = m.clock.Now()
		m.logger.Warn("model evaluator degraded to rules",
			"consecutive_failures", m.failures, "error", err)
		return
	}
	m.logger.Warn("model evaluation failed, using rules for this cycle",
		"consecutive_failures", m.failures, "error", err)
}

func (m *Model) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		m.logger.Info("model endpoint recovered")
	}
	m.failures = 0
	m.degraded = false
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type modelVerdict struct {
	Trigger         bool   `json:"trigger"`
	Drive           string `json:"drive"`
	Reason          string `json:"reason"`
	SuppressMinutes int    `json:"suppress_minutes"`
}

func (m *Model) callModel(ctx context.Context, in Input) (Decision, error) {
	userPayload, err := json.Marshal(map[string]any{
		"drives":         in.Drives,
		"total_pressure": in.TotalPressure,
		"threshold":      in.Threshold,
		"idle_minutes":   int(in.IdleFor.Minutes()),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("encode evaluation payload: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: m.cfg.Model.Model,
		Messages: []chatMessage{
			{Role: "system", Content: modelSystemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
		MaxTokens:   m.cfg.Model.MaxTokens,
		Temperature: m.cfg.Model.Temperature,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimSuffix(m.cfg.Model.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Model.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Model.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Decision{}, fmt.Errorf("model returned %d: %s", resp.StatusCode, snippet)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Decision{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Decision{}, fmt.Errorf("model returned no choices")
	}

	verdict, err := parseVerdict(chat.Choices[0].Message.Content)
	if err != nil {
		return Decision{}, err
	}

	suppress := time.Duration(verdict.SuppressMinutes) * time.Minute
	if limit := m.cfg.Model.MaxSuppress.Std(); suppress > limit {
		suppress = limit
	}
	if suppress < 0 {
		suppress = 0
	}

	drive := verdict.Drive
	if verdict.Trigger && drive == "" {
		if top, ok := in.Top(); ok {
			drive = top.Name
		}
	}

	return Decision{
		Trigger:     verdict.Trigger,
		Drive:       drive,
		Reason:      verdict.Reason,
		SuppressFor: suppress,
		Source:      "model",
	}, nil
}

// parseVerdict extracts the JSON object from the model reply, tolerating
// markdown fences and surrounding prose.
func parseVerdict(content string) (modelVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return modelVerdict{}, fmt.Errorf("model reply has no JSON object: %q", content)
	}
	var v modelVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return modelVerdict{}, fmt.Errorf("parse model verdict: %w", err)
	}
	return v, nil
}
