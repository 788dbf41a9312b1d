package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/upstash/vector-go"
)

const (
	defaultTopK = 3
	maxTopK     = 20

	// NamespaceCrops holds crop rotation guidance.
	NamespaceCrops = "crops"
	// NamespaceSchemes holds government scheme documents.
	NamespaceSchemes = "schemes"
)

// ErrKnowledgeUnavailable is returned when no vector index is configured.
var ErrKnowledgeUnavailable = errors.New("knowledge base not configured")

// Match is one result from a vector index query.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Data     string         `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KnowledgeBase performs semantic search within a namespace.
type KnowledgeBase interface {
	Query(ctx context.Context, namespace, query string, topK int) ([]Match, error)
}

// SearchHit is a single result returned to the assistant.
type SearchHit struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchResult is the successful knowledge search payload.
type SearchResult struct {
	Success bool        `json:"success"`
	Results []SearchHit `json:"results"`
}

type searchArgs struct {
	Query string  `json:"query"`
	TopK  float64 `json:"topK"`
}

// KnowledgeSearchTool searches one namespace of the knowledge base.
type KnowledgeSearchTool struct {
	name        string
	description string
	namespace   string
	kb          KnowledgeBase
}

// NewCropRotationTool creates searchCropRotation.
func NewCropRotationTool(kb KnowledgeBase) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{
		name:        "searchCropRotation",
		description: "Search the knowledge base for crop rotation guidance, sowing order and soil recovery advice.",
		namespace:   NamespaceCrops,
		kb:          kb,
	}
}

// NewSchemesTool creates searchSchemes.
func NewSchemesTool(kb KnowledgeBase) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{
		name:        "searchSchemes",
		description: "Search the knowledge base for government agricultural schemes, subsidies and eligibility.",
		namespace:   NamespaceSchemes,
		kb:          kb,
	}
}

func (t *KnowledgeSearchTool) Name() string        { return t.name }
func (t *KnowledgeSearchTool) Description() string { return t.description }

// Namespace returns the index namespace this tool searches.
func (t *KnowledgeSearchTool) Namespace() string { return t.namespace }

func (t *KnowledgeSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"topK": map[string]any{
				"type":        "number",
				"description": "Number of results to return",
				"default":     defaultTopK,
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeSearchTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &Error{Message: "Failed to search knowledge base", Err: fmt.Errorf("decode arguments: %w", err)}
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, &Error{Message: "Failed to search knowledge base", Err: errors.New("query is required")}
	}
	if t.kb == nil {
		return nil, &Error{Message: "Failed to search knowledge base", Err: ErrKnowledgeUnavailable}
	}

	topK := int(args.TopK)
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	matches, err := t.kb.Query(ctx, t.namespace, query, topK)
	if err != nil {
		return nil, &Error{Message: "Failed to search knowledge base", Err: err}
	}

	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, SearchHit{Content: m.Data, Score: m.Score})
	}
	return SearchResult{Success: true, Results: hits}, nil
}

// VectorIndex queries an Upstash Vector index that embeds queries server-side.
type VectorIndex struct {
	index *vector.Index
}

// NewVectorIndex creates a client for the index at baseURL.
// It returns nil when baseURL is empty.
func NewVectorIndex(baseURL, token string, client *http.Client) *VectorIndex {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &VectorIndex{index: vector.NewIndexWith(vector.Options{
		Url:    baseURL,
		Token:  token,
		Client: client,
	})}
}

type queryOutcome struct {
	scores []vector.VectorScore
	err    error
}

// Query returns the documents nearest to query within namespace.
// The SDK call is not context-aware; ctx bounds only how long the caller waits.
func (v *VectorIndex) Query(ctx context.Context, namespace, query string, topK int) ([]Match, error) {
	if v == nil || v.index == nil {
		return nil, ErrKnowledgeUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan queryOutcome, 1)
	go func() {
		scores, err := v.index.Namespace(namespace).QueryData(vector.QueryData{
			Data:            query,
			TopK:            topK,
			IncludeData:     true,
			IncludeMetadata: true,
		})
		done <- queryOutcome{scores: scores, err: err}
	}()

	var out queryOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, fmt.Errorf("query vector index: %w", out.err)
	}

	matches := make([]Match, 0, len(out.scores))
	for _, sc := range out.scores {
		matches = append(matches, Match{
			ID:       sc.Id,
			Score:    float64(sc.Score),
			Data:     sc.Data,
			Metadata: sc.Metadata,
		})
	}
	return matches, nil
}
