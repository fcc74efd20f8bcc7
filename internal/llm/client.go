// Package llm talks to the generation backend. Failures never surface as Go
// errors: they come back as an assistant Reply describing the problem, so a
// conversation keeps going when the backend is degraded.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	DefaultTimeout = 30 * time.Second
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

type Reply struct {
	Role       string
	Text       string
	StatusCode int
	// Failed marks synthetic replies built from transport or HTTP errors.
	Failed bool
}

type Config struct {
	BaseURL          string
	HTTPClient       *http.Client
	Timeout          time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	DefaultMaxTokens int
	Logger           zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 512
	}
	return &Client{cfg: cfg}
}

type payload struct {
	History     []Message `json:"history"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
	Stop        []string  `json:"stop,omitempty"`
}

// Generate posts the history to <base_url>/generate and returns the reply.
func (c *Client) Generate(ctx context.Context, history []Message, p Params) Reply {
	body, endpointURL, err := c.buildPayload(history, p)
	if err != nil {
		return failure(0, fmt.Sprintf("Erreur lors de la préparation de la requête : %v", err))
	}

	requestID := uuid.NewString()
	log := c.cfg.Logger.With().Str("request_id", requestID).Logger()
	start := time.Now()

	var reply Reply
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		var retry bool
		reply, retry = c.callOnce(ctx, endpointURL, requestID, body)
		if !reply.Failed || !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Msg("llm call failed, retrying")
		select {
		case <-ctx.Done():
			return failure(0, fmt.Sprintf("Erreur de connexion à l'API : %v", ctx.Err()))
		case <-time.After(backoff):
		}
	}

	ev := log.Info()
	if reply.Failed {
		ev = log.Warn()
	}
	ev.Int("status", reply.StatusCode).
		Bool("failed", reply.Failed).
		Int("history_len", len(history)).
		Dur("took", time.Since(start)).
		Msg("llm generate")
	return reply
}

func (c *Client) buildPayload(history []Message, p Params) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	msgs := make([]Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, Message{Role: MapRole(m.Role), Content: m.Content})
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.DefaultMaxTokens
	}
	b, err := json.Marshal(payload{
		History:     msgs,
		Temperature: clamp(p.Temperature, 0, 2),
		TopP:        clamp(p.TopP, 0, 1),
		MaxTokens:   maxTokens,
		Stop:        p.Stop,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL, requestID string, body []byte) (reply Reply, retry bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return failure(0, fmt.Sprintf("Erreur lors de la préparation de la requête : %v", err)), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return failure(0, fmt.Sprintf("Erreur de connexion à l'API : %v", err)), true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return failure(resp.StatusCode, fmt.Sprintf("Erreur de lecture de la réponse : %v", err)), true
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, ok := errorDetail(respBody)
		if !ok {
			detail = strings.TrimSpace(string(respBody))
		}
		temporary := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return failure(resp.StatusCode, fmt.Sprintf("Erreur de l'API (%d) : %s", resp.StatusCode, detail)), temporary
	}

	return Reply{Role: RoleAssistant, Text: ExtractText(respBody), StatusCode: resp.StatusCode}, false
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/generate") {
		path += "/generate"
	}
	u.Path = path
	return u.String(), nil
}

func failure(status int, text string) Reply {
	return Reply{Role: RoleAssistant, Text: text, StatusCode: status, Failed: true}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MapRole maps a history label onto the API vocabulary. Unknown and localized
// labels become user.
func MapRole(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case RoleSystem, "systeme", "système":
		return RoleSystem
	case RoleAssistant, "bot", "ia", "ai", "model", "modele", "modèle", "agent", "ensaigpt":
		return RoleAssistant
	case RoleTool, "outil":
		return RoleTool
	default:
		return RoleUser
	}
}
