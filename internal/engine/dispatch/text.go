package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/pkg/event"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
)

// textInput carries the prompt the text workflow generates from. The audio
// workflows reuse runText after deriving prompt or raw audio from the queue.
type textInput struct {
	prompt      request.Prompt
	audio       []byte
	audioFormat string
}

// roundResult is the outcome of one streamed completion round.
type roundResult struct {
	text      string
	toolCalls []llm.ToolCall
}

// ─── text workflow ───────────────────────────────────────────────────────────

// runText streams a completion onto the bus, driving the tool loop and the
// concurrent speech stage, then persists the exchange and emits the
// text_completed terminal. Every text_chunk it sends is teed to the speech
// orchestrator by the bus, so frontend text and synthesized audio interleave.
func (d *Dispatcher) runText(ctx context.Context, b *bus.Bus, c *completion, client Client, req *request.Request, in textInput) {
	entry, err := d.models.ResolveOrDefault(config.KindText, req.Settings.Text.Model)
	if err != nil {
		b.Send(event.Error("validation", err.Error()), bus.SendAll)
		return
	}

	sp := d.startSpeech(ctx, b, c, req)
	defer sp.finish(c)

	msgs := d.buildMessages(ctx, b, req, in)
	tools := d.toolDefinitions(ctx, req, entry)

	var full strings.Builder
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			b.Send(event.Error("tools", fmt.Sprintf("tool loop exceeded %d rounds", maxToolRounds)), bus.SendAll)
			return
		}

		res, ok := d.streamRound(ctx, b, entry, llm.CompletionRequest{
			Model:       entry.Model,
			Messages:    msgs,
			Tools:       tools,
			Temperature: req.Settings.Text.Temperature,
			MaxTokens:   d.maxTokens(req, entry),
			Audio:       in.audio,
			AudioFormat: in.audioFormat,
		})
		if !ok {
			return
		}
		full.WriteString(res.text)

		if len(res.toolCalls) == 0 {
			break
		}
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   res.text,
			ToolCalls: res.toolCalls,
		})
		results, err := d.resolveToolCalls(ctx, b, client, res.toolCalls)
		if err != nil {
			if !isCtxErr(err) {
				b.Send(event.Error("tools", err.Error()), bus.SendAll)
			}
			return
		}
		msgs = append(msgs, results...)
	}

	d.persistExchange(ctx, b, req, in.prompt.Text, full.String())
	d.remember(ctx, req, in.prompt.Text, full.String())
	c.text(b, event.TextCompleted(full.String()))
}

// streamRound runs one completion stream, trying the model's fallback chain
// when a stream fails to start. Chunks go out as text_chunk/thinking_chunk
// events as they arrive. ok is false when no model produced a stream or the
// stream ended in an in-band error; the failure event has already been sent.
func (d *Dispatcher) streamRound(ctx context.Context, b *bus.Bus, entry config.ModelEntry, creq llm.CompletionRequest) (roundResult, bool) {
	chain := append([]config.ModelEntry{entry}, d.models.Fallbacks(entry.Alias)...)

	var (
		stream  <-chan llm.Chunk
		active  config.ModelEntry
		started time.Time
	)
	for _, cand := range chain {
		prov, ok := d.providers.Text[cand.Provider]
		if !ok {
			d.log.Warn("dispatch: text provider not configured", "provider", cand.Provider, "alias", cand.Alias)
			continue
		}
		creq.Model = cand.Model
		started = time.Now()
		s, err := prov.StreamCompletion(ctx, creq)
		if err != nil {
			d.metrics.RecordProviderError(ctx, cand.Provider, "llm")
			d.log.Warn("dispatch: stream start failed",
				"provider", cand.Provider, "model", cand.Model, "err", err)
			if isCtxErr(err) {
				return roundResult{}, false
			}
			continue
		}
		stream, active = s, cand
		break
	}
	if stream == nil {
		if err := ctx.Err(); err != nil {
			return roundResult{}, false
		}
		b.Send(event.Error("text", fmt.Sprintf("no provider available for %q", entry.Alias)), bus.SendAll)
		return roundResult{}, false
	}

	var res roundResult
	for chunk := range stream {
		// Poll cancellation before relaying: once the client cancelled, no
		// further chunk may reach the stream even if already buffered.
		if ctx.Err() != nil {
			return roundResult{}, false
		}
		if chunk.Thinking != "" {
			b.Send(event.ThinkingChunk(chunk.Thinking), bus.SendFrontendOnly)
		}
		if chunk.Text != "" && chunk.FinishReason != llm.FinishError {
			res.text += chunk.Text
			b.Send(event.TextChunk(chunk.Text), bus.SendAll)
		}
		res.toolCalls = append(res.toolCalls, chunk.ToolCalls...)

		switch chunk.FinishReason {
		case llm.FinishError:
			d.metrics.RecordProviderError(ctx, active.Provider, "llm")
			d.metrics.RecordProviderRequest(ctx, active.Provider, "llm", "error")
			b.Send(event.Error("text", chunk.Text), bus.SendAll)
			return roundResult{}, false
		case llm.FinishStop, llm.FinishToolCalls:
			d.finishRound(ctx, active, started)
			return res, true
		}
	}
	if err := ctx.Err(); err != nil {
		return roundResult{}, false
	}
	// Stream closed without a finish reason; treat accumulated text as final.
	d.finishRound(ctx, active, started)
	return res, true
}

func (d *Dispatcher) finishRound(ctx context.Context, active config.ModelEntry, started time.Time) {
	d.metrics.RecordProviderRequest(ctx, active.Provider, "llm", "ok")
	d.metrics.LLMDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(observe.Attr("provider", active.Provider), observe.Attr("model", active.Model)))
}

// ─── Tool execution ──────────────────────────────────────────────────────────

// resolveToolCalls announces each call, executes those the tool host owns,
// and waits for the client to submit results for the rest. The returned
// messages are in call order regardless of which side produced them.
func (d *Dispatcher) resolveToolCalls(ctx context.Context, b *bus.Bus, client Client, calls []llm.ToolCall) ([]llm.Message, error) {
	pending := make(map[string]int, len(calls))
	results := make([]llm.Message, len(calls))

	for i, call := range calls {
		b.Send(event.ToolStart(call.ID, call.Name, parseArguments(call.Arguments)), bus.SendAll)

		if d.tools == nil || !d.tools.Has(call.Name) {
			pending[call.ID] = i
			continue
		}

		started := time.Now()
		content, isError, err := d.tools.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			content, isError = err.Error(), true
		}
		status := "ok"
		if isError {
			status = "error"
		}
		d.metrics.RecordToolCall(ctx, call.Name, status)
		d.metrics.ToolExecutionDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("tool", call.Name)))

		b.Send(event.ToolResult(call.ID, call.Name, content, isError), bus.SendAll)
		results[i] = toolMessage(call, content)
	}

	for len(pending) > 0 {
		select {
		case res, ok := <-client.ToolResults():
			if !ok {
				return nil, fmt.Errorf("dispatch: client closed before tool results arrived")
			}
			idx, isPending := pending[res.ToolCallID]
			if !isPending {
				d.log.Warn("dispatch: tool result for unknown call", "tool_call_id", res.ToolCallID)
				continue
			}
			delete(pending, res.ToolCallID)

			name := res.Name
			if name == "" {
				name = calls[idx].Name
			}
			d.metrics.RecordToolCall(ctx, name, clientToolStatus(res.IsError))
			b.Send(event.ToolResult(res.ToolCallID, name, res.Content, res.IsError), bus.SendAll)
			results[idx] = toolMessage(calls[idx], res.Content)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

func clientToolStatus(isError bool) string {
	if isError {
		return "error"
	}
	return "ok"
}

// toolMessage wraps a tool outcome as the history message the next round
// sends back to the model.
func toolMessage(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// parseArguments decodes the model's raw JSON arguments for the tool_start
// payload. Malformed JSON is preserved verbatim under "raw".
func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

// toolDefinitions returns the tool set for this request, or nil when tools
// are disabled, unavailable, or unsupported by the model.
func (d *Dispatcher) toolDefinitions(ctx context.Context, req *request.Request, entry config.ModelEntry) []llm.ToolDefinition {
	if d.tools == nil || req.Settings.Text.DisableTools {
		return nil
	}
	if prov, ok := d.providers.Text[entry.Provider]; ok {
		if !prov.Capabilities(entry.Model).SupportsToolCalling {
			return nil
		}
	}
	return d.tools.Tools(ctx)
}

// maxTokens resolves the output token cap: request setting first, then the
// model entry's configured limit.
func (d *Dispatcher) maxTokens(req *request.Request, entry config.ModelEntry) int {
	if req.Settings.Text.MaxTokens > 0 {
		return req.Settings.Text.MaxTokens
	}
	return entry.MaxOutputTokens
}

// ─── Message assembly ────────────────────────────────────────────────────────

// buildMessages assembles the completion context: system prompt, recalled
// memory, persisted history, then the current prompt. History and recall
// failures degrade to a shorter context instead of failing the request.
func (d *Dispatcher) buildMessages(ctx context.Context, b *bus.Bus, req *request.Request, in textInput) []llm.Message {
	var msgs []llm.Message

	if sys := req.Settings.Text.SystemPrompt; sys != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys})
	}

	if req.Settings.General.MemoryRecall && d.recall != nil && in.prompt.Text != "" {
		snippets, err := d.recall.Recall(ctx, req.CustomerID, in.prompt.Text, d.recallLimit)
		if err != nil {
			d.log.Warn("dispatch: memory recall failed", "err", err)
		} else if len(snippets) > 0 {
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Relevant context from memory:\n- " + strings.Join(snippets, "\n- "),
			})
		}
	}

	if d.store != nil && req.SessionID != "" {
		history, err := d.store.Messages(ctx, req.SessionID, d.historyLimit)
		if err != nil {
			d.persistError(b, "load_history", err)
		}
		for _, m := range history {
			role, ok := historyRole(m.Role)
			if !ok {
				continue
			}
			msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
		}
	}

	return append(msgs, promptMessage(in.prompt))
}

// historyRole maps a persisted role onto the provider role set. Tool
// messages are skipped: their call context is gone between requests.
func historyRole(r string) (llm.Role, bool) {
	switch r {
	case store.RoleUser:
		return llm.RoleUser, true
	case store.RoleAssistant:
		return llm.RoleAssistant, true
	case store.RoleSystem:
		return llm.RoleSystem, true
	default:
		return "", false
	}
}

// promptMessage converts the request prompt into the user message, mapping
// multimodal parts onto provider content parts.
func promptMessage(p request.Prompt) llm.Message {
	if len(p.Parts) == 0 {
		return llm.Message{Role: llm.RoleUser, Content: p.Text}
	}
	parts := make([]llm.ContentPart, 0, len(p.Parts))
	for _, part := range p.Parts {
		parts = append(parts, contentPart(part))
	}
	return llm.Message{Role: llm.RoleUser, Parts: parts}
}

// contentPart maps one request part. File parts route by MIME prefix so
// image attachments reach vision models and audio reaches audio input.
func contentPart(p request.Part) llm.ContentPart {
	switch p.Type {
	case "image_url":
		return llm.ContentPart{Type: "image_url", URL: p.URL, Data: p.Data, MIME: p.MIME}
	case "file":
		switch {
		case strings.HasPrefix(p.MIME, "image/"):
			return llm.ContentPart{Type: "image_url", URL: p.URL, Data: p.Data, MIME: p.MIME}
		case strings.HasPrefix(p.MIME, "audio/"):
			return llm.ContentPart{Type: "input_audio", Data: p.Data, MIME: p.MIME}
		default:
			return llm.ContentPart{Type: "text", Text: p.Text}
		}
	default:
		return llm.ContentPart{Type: "text", Text: p.Text}
	}
}
