package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dida1024/infoSentry/internal/model"
)

// OllamaReasoner judges with a local Ollama chat model.
type OllamaReasoner struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaReasoner creates a reasoner that calls Ollama's chat API. The
// judge bounds each call with its own context; timeout only guards against a
// stuck connection and defaults to DefaultTimeout plus a margin.
func NewOllamaReasoner(baseURL, modelName string, timeout time.Duration) *OllamaReasoner {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = DefaultOllamaModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout + 5*time.Second
	}
	return &OllamaReasoner{
		baseURL:    baseURL,
		model:      modelName,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *OllamaReasoner) Name() string { return "ollama:" + r.model }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

func (r *OllamaReasoner) Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error) {
	reply := model.JudgeReply{Model: r.model}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    r.model,
		Messages: []ollamaChatMessage{{Role: "user", Content: req.Prompt}},
		Stream:   false,
		Format:   "json",
	})
	if err != nil {
		return reply, fmt.Errorf("ollama reasoner: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return reply, fmt.Errorf("ollama reasoner: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return reply, fmt.Errorf("ollama reasoner: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return reply, fmt.Errorf("ollama reasoner: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return reply, fmt.Errorf("ollama reasoner: decode response: %w", err)
	}
	reply.Raw = result.Message.Content
	reply.PromptTokens = result.PromptEvalCount
	reply.CompletionTokens = result.EvalCount
	return reply, nil
}
