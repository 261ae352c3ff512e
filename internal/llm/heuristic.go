package llm

import (
	"context"
	"strings"

	"github.com/scrypster/mnemos/pkg/types"
)

// sectorCues are lowercase cue words per sector. A cue matches a whole
// token or a token prefix ("learn" matches "learned").
var sectorCues = map[types.Sector][]string{
	types.SectorEpisodic: {
		"yesterday", "today", "tonight", "last", "ago", "when", "went", "visited",
		"met", "trip", "weekend", "morning", "happened", "remember",
	},
	types.SectorSemantic: {
		"is", "are", "prefer", "favorite", "favourite", "like", "allergic",
		"name", "live", "work", "birthday", "always", "never",
	},
	types.SectorProcedural: {
		"how", "step", "steps", "first", "then", "install", "configure", "run",
		"use", "recipe", "routine", "habit", "usually", "setup",
	},
	types.SectorEmotional: {
		"feel", "felt", "happy", "sad", "angry", "anxious", "excited", "love",
		"hate", "worried", "afraid", "stressed", "grateful", "upset",
	},
	types.SectorReflective: {
		"realize", "realise", "learn", "think", "believe", "goal", "want",
		"should", "improve", "insight", "lesson", "understand", "plan",
	},
}

// HeuristicClassifier scores sectors by counting cue words. It never fails
// and needs no network, so it serves as the classifier of last resort.
type HeuristicClassifier struct{}

// NewHeuristicClassifier creates a heuristic classifier.
func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

// Name implements Classifier.
func (HeuristicClassifier) Name() string { return ProviderHeuristic }

// Classify implements Classifier. Content without any cue scores 1.0 for
// the default sector.
func (HeuristicClassifier) Classify(ctx context.Context, content string) (types.SectorScores, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '\''
	})

	counts := make(map[types.Sector]int)
	total := 0
	for _, tok := range tokens {
		for _, sector := range types.Sectors {
			for _, cue := range sectorCues[sector] {
				if tok == cue || (len(cue) > 3 && strings.HasPrefix(tok, cue)) {
					counts[sector]++
					total++
					break
				}
			}
		}
	}

	scores := make(types.SectorScores, len(types.Sectors))
	if total == 0 {
		for _, sector := range types.Sectors {
			scores[sector] = 0
		}
		scores[types.DefaultSector] = 1
		return scores, nil
	}
	for _, sector := range types.Sectors {
		scores[sector] = float64(counts[sector]) / float64(total)
	}
	return scores, nil
}
