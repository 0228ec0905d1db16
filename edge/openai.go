package edge

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/gateway"
	"github.com/localrouter/gateway/llm"
	"github.com/localrouter/gateway/llm/embedding"
)

// openAIHandler serves the OpenAI-compatible LLM surface (§4.10): chat
// completions (streaming and not), the legacy text-completions shape,
// embeddings, and model listing, all routed through gateway.LLMRouter /
// gateway.EmbeddingRouter so every call gets the same allowlist/rate-limit/
// metrics/access-log treatment as the MCP-side tool calls.
type openAIHandler struct {
	store     gateway.ConfigStore
	issuer    *tokenIssuer
	llmRouter *gateway.LLMRouter
	embRouter *gateway.EmbeddingRouter
	logger    *zap.Logger
}

func newOpenAIHandler(store gateway.ConfigStore, issuer *tokenIssuer, llmRouter *gateway.LLMRouter, embRouter *gateway.EmbeddingRouter, logger *zap.Logger) *openAIHandler {
	return &openAIHandler{store: store, issuer: issuer, llmRouter: llmRouter, embRouter: embRouter, logger: logger.With(zap.String("component", "edge.openai"))}
}

// chatCompletionRequest is the OpenAI `/v1/chat/completions` request body.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message,omitempty"`
	Delta        chatMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []chatCompletionChoice  `json:"choices"`
	Usage   chatCompletionUsage     `json:"usage"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toLLMMessages(in []chatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(in))
	for _, m := range in {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

func (h *openAIHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}

	var body chatCompletionRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body: "+err.Error())
		return
	}

	req := &llm.ChatRequest{
		Model:       body.Model,
		Messages:    toLLMMessages(body.Messages),
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stop:        body.Stop,
	}

	if body.Stream {
		h.streamChatCompletion(w, r, client, req)
		return
	}

	resp, err := h.llmRouter.Complete(r.Context(), client, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toChatCompletionResponse(resp))
}

func toChatCompletionResponse(resp *llm.ChatResponse) chatCompletionResponse {
	choices := make([]chatCompletionChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, chatCompletionChoice{
			Index:        c.Index,
			Message:      chatMessage{Role: string(c.Message.Role), Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return chatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt.Unix(),
		Model:   resp.Model,
		Choices: choices,
		Usage: chatCompletionUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func (h *openAIHandler) streamChatCompletion(w http.ResponseWriter, r *http.Request, client gateway.Client, req *llm.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported")
		return
	}

	chunks, err := h.llmRouter.StreamComplete(r.Context(), client, req)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		wire := struct {
			ID      string                 `json:"id"`
			Object  string                 `json:"object"`
			Created int64                  `json:"created"`
			Model   string                 `json:"model"`
			Choices []chatCompletionChoice `json:"choices"`
		}{
			ID:      chunk.ID,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   chunk.Model,
			Choices: []chatCompletionChoice{{
				Index:        chunk.Index,
				Delta:        chatMessage{Role: string(chunk.Delta.Role), Content: chunk.Delta.Content},
				FinishReason: chunk.FinishReason,
			}},
		}
		payload, err := json.Marshal(wire)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// legacyCompletionRequest is the older `/v1/completions` prompt-string shape.
type legacyCompletionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

func (h *openAIHandler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}
	var body legacyCompletionRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body: "+err.Error())
		return
	}
	req := &llm.ChatRequest{
		Model:       body.Model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: body.Prompt}},
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
	}
	resp, err := h.llmRouter.Complete(r.Context(), client, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"id":      resp.ID,
		"object":  "text_completion",
		"created": resp.CreatedAt.Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{"index": 0, "text": text, "finish_reason": "stop"}},
		"usage":   chatCompletionUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
	})
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func (h *openAIHandler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}
	var body embeddingsRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body: "+err.Error())
		return
	}
	resp, err := h.embRouter.Embed(r.Context(), client, &embedding.Request{Model: body.Model, Input: body.Input})
	if err != nil {
		WriteError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		data = append(data, map[string]any{"index": e.Index, "embedding": e.Embedding, "object": "embedding"})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  resp.Model,
		"usage":  map[string]any{"prompt_tokens": resp.Usage.PromptTokens, "total_tokens": resp.Usage.TotalTokens},
	})
}

func (h *openAIHandler) handleModelsList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(h.store, h.issuer, w, r); !ok {
		return
	}
	models := h.llmRouter.Models(r.Context())
	data := make([]llm.Model, len(models))
	copy(data, models)
	WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *openAIHandler) handleModelGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(h.store, h.issuer, w, r); !ok {
		return
	}
	id := r.PathValue("id")
	for _, m := range h.llmRouter.Models(r.Context()) {
		if m.ID == id {
			WriteJSON(w, http.StatusOK, m)
			return
		}
	}
	WriteErrorMessage(w, http.StatusNotFound, "MODEL_NOT_FOUND", "no such model: "+id)
}

// handleGeneration is a thin alias over chat completions for clients that
// speak the single-shot "generation" verb instead of the chat shape; §4.10
// names the route without specifying a distinct wire format, so it reuses
// the chat-completion request/response bodies.
func (h *openAIHandler) handleGeneration(w http.ResponseWriter, r *http.Request) {
	h.handleChatCompletions(w, r)
}
