package gateway

import (
	"encoding/json"
	"strings"

	"github.com/routecodex/routecodex/config"
)

// longContentThreshold is the body-size cutoff that classifies a
// request as long-context.
const longContentThreshold = 64 * 1024

// sniffBody is a deliberately loose view of the inbound request used
// only to derive routeKey; LLMSwitch does the real, strict DTO parse.
type sniffBody struct {
	Model           string          `json:"model"`
	ReasoningEffort string          `json:"reasoning_effort"`
	Tools           []sniffTool     `json:"tools"`
	Messages        []sniffMessage  `json:"messages"`
	Input           json.RawMessage `json:"input"`
}

type sniffTool struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
	Name string `json:"name"`
}

type sniffMessage struct {
	Content json.RawMessage `json:"content"`
}

type sniffContentPart struct {
	Type string `json:"type"`
}

// classifyRoute is a pure classification table over the sniffed
// request body. headerOverride is the raw X-RC-Route header value,
// empty if absent, and always wins when present.
func classifyRoute(headerOverride string, body []byte) config.RouteKey {
	if headerOverride != "" {
		return config.RouteKey(headerOverride)
	}

	var b sniffBody
	_ = json.Unmarshal(body, &b) // malformed bodies classify as default; LLMSwitch rejects them later

	if hasNonEmptyTools(b.Tools) {
		if hasSearchTool(b.Tools) {
			return config.RouteWebSearch
		}
		return config.RouteTools
	}
	if hasImagePart(b.Messages) {
		return config.RouteVision
	}
	if b.ReasoningEffort != "" || strings.Contains(b.Model, "thinking-") {
		return config.RouteThinking
	}
	if len(body) > longContentThreshold {
		return config.RouteLongContext
	}
	return config.RouteDefault
}

func hasNonEmptyTools(tools []sniffTool) bool {
	return len(tools) > 0
}

func hasSearchTool(tools []sniffTool) bool {
	for _, t := range tools {
		name := t.Name
		if name == "" {
			name = t.Function.Name
		}
		if strings.Contains(strings.ToLower(name), "search") || strings.Contains(strings.ToLower(t.Type), "search") {
			return true
		}
	}
	return false
}

func hasImagePart(messages []sniffMessage) bool {
	for _, m := range messages {
		var parts []sniffContentPart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			continue // plain string content, not an array of parts
		}
		for _, p := range parts {
			if strings.Contains(p.Type, "image") {
				return true
			}
		}
	}
	return false
}
