package llm

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/scrypster/mnemos/pkg/types"
)

// extractJSON returns the first balanced JSON object in text. LLMs wrap
// JSON in code fences or add prose despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}

// ParseSectorScores parses a classifier reply of the form
// {"episodic": 0.1, "semantic": 0.8, ...}. A reply wrapped as
// {"sectors": {...}} is accepted too. Unknown keys are ignored, keys are
// matched case-insensitively, and values are clamped to [0,1].
func ParseSectorScores(text string) (types.SectorScores, error) {
	raw := extractJSON(text)

	var obj map[string]interface{}
	if err := sonic.UnmarshalString(raw, &obj); err != nil {
		return nil, fmt.Errorf("llm: parse sector scores: %w", err)
	}
	if nested, ok := obj["sectors"].(map[string]interface{}); ok {
		obj = nested
	}

	scores := make(types.SectorScores)
	for key, value := range obj {
		sector, err := types.ParseSector(strings.ToLower(strings.TrimSpace(key)))
		if err != nil {
			continue
		}
		f, ok := value.(float64)
		if !ok {
			continue
		}
		scores[sector] = types.ClampSalience(f)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("llm: reply contains no sector scores: %q", truncate(text, 120))
	}
	return scores, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
