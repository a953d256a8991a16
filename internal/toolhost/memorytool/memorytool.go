// Package memorytool exposes the semantic recall index to models as builtin
// tools, so a turn can search or extend the customer's long-term memory on
// its own instead of relying solely on the automatic pre-prompt recall.
//
// Two tools are exported via [NewTools]:
//   - "search_memory" — semantic search over the customer's stored snippets.
//   - "save_memory"   — store a fact for later conversations.
//
// Both handlers read the customer scope from the workflow identity the
// dispatcher installs on the context; they are safe for concurrent use.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/internal/toolhost"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
)

// Index is the slice of the recall index the tools need. *recall.Index
// satisfies it.
type Index interface {
	Recall(ctx context.Context, customerID, query string, limit int) ([]string, error)
	Remember(ctx context.Context, customerID, sessionID, content string) error
}

// defaultTopK is the result limit when the model does not ask for a count.
const defaultTopK = 5

// searchArgs is the JSON-decoded input for the "search_memory" tool.
type searchArgs struct {
	// Query is the natural-language search string.
	Query string `json:"query"`

	// TopK caps the number of snippets returned. Defaults to 5 when ≤ 0.
	TopK int `json:"top_k,omitempty"`
}

// saveArgs is the JSON-decoded input for the "save_memory" tool.
type saveArgs struct {
	// Content is the fact to store.
	Content string `json:"content"`
}

// NewTools builds the builtin memory tools over ix.
func NewTools(ix Index) []toolhost.BuiltinTool {
	return []toolhost.BuiltinTool{
		{
			Definition: llm.ToolDefinition{
				Name:        "search_memory",
				Description: "Search the user's long-term memory for facts and past conversation snippets relevant to a query.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Natural-language description of what to look for.",
						},
						"top_k": map[string]any{
							"type":        "integer",
							"description": "Maximum number of snippets to return (default 5).",
						},
					},
					"required": []string{"query"},
				},
			},
			Handler: makeSearchHandler(ix),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "save_memory",
				Description: "Store a fact in the user's long-term memory so later conversations can recall it.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The fact to remember, phrased so it stands on its own without surrounding context.",
						},
					},
					"required": []string{"content"},
				},
			},
			Handler: makeSaveHandler(ix),
		},
	}
}

// makeSearchHandler returns the "search_memory" handler delegating to
// ix.Recall.
func makeSearchHandler(ix Index) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: search_memory: parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return "", fmt.Errorf("memory tool: search_memory: query must not be empty")
		}
		id, ok := request.IdentityFrom(ctx)
		if !ok {
			return "", fmt.Errorf("memory tool: search_memory: no workflow identity on context")
		}

		topK := a.TopK
		if topK <= 0 {
			topK = defaultTopK
		}
		snippets, err := ix.Recall(ctx, id.CustomerID, a.Query, topK)
		if err != nil {
			return "", fmt.Errorf("memory tool: search_memory: %w", err)
		}
		if len(snippets) == 0 {
			return "No matching memories.", nil
		}

		res, err := json.Marshal(snippets)
		if err != nil {
			return "", fmt.Errorf("memory tool: search_memory: encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeSaveHandler returns the "save_memory" handler delegating to
// ix.Remember.
func makeSaveHandler(ix Index) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a saveArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: save_memory: parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Content) == "" {
			return "", fmt.Errorf("memory tool: save_memory: content must not be empty")
		}
		id, ok := request.IdentityFrom(ctx)
		if !ok {
			return "", fmt.Errorf("memory tool: save_memory: no workflow identity on context")
		}

		if err := ix.Remember(ctx, id.CustomerID, id.SessionID, a.Content); err != nil {
			return "", fmt.Errorf("memory tool: save_memory: %w", err)
		}
		return "Saved.", nil
	}
}
