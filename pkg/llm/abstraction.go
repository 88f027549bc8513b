package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/kaptinlin/jsonrepair"
)

// AbstractionResult is the abstraction/consolidation model's reply shape
// (spec §6): episodes to create plus self-model updates to apply.
type AbstractionResult struct {
	Episodes []AbstractionEpisode `json:"episodes"`
	SelfModelUpdates AbstractionSelfModelUpdates `json:"self_model_updates"`
}

// AbstractionEpisode is one episode candidate from the abstraction model.
type AbstractionEpisode struct {
	Summary    string                 `json:"summary"`
	Topics     []string               `json:"topics"`
	Salience   float64                `json:"salience"`
	Confidence float64                `json:"confidence"`
	Exemplars  []AbstractionExemplar  `json:"exemplars"`
	Patterns   []string               `json:"patterns"`
}

// AbstractionExemplar is a verbatim quote retained with the episode.
type AbstractionExemplar struct {
	Quote        string `json:"quote"`
	Significance string `json:"significance"`
}

// AbstractionSelfModelUpdates is the self-model delta the abstraction
// model proposes.
type AbstractionSelfModelUpdates struct {
	CurrentFocus    string `json:"current_focus"`
	NewTendency     string `json:"new_tendency"`
	NewValue        string `json:"new_value"`
	NarrativeUpdate string `json:"narrative_update"`
}

// AbstractionCall is the non-streaming abstraction/consolidation contract
// (spec §6): a prose prompt in, a single completion out.
type AbstractionCall func(ctx context.Context, prompt string) (string, error)

// ParseAbstractionReply strips Markdown code fences (spec §6: "The core
// strips Markdown code fences before parsing"), then attempts a direct
// JSON decode, falling back to jsonrepair when the model emitted
// near-valid JSON, and finally to a gojq field-by-field rescue when even
// repair fails to produce the full expected shape.
func ParseAbstractionReply(reply string) (AbstractionResult, error) {
	cleaned := stripCodeFences(reply)

	var result AbstractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err == nil {
		var r2 AbstractionResult
		if err := json.Unmarshal([]byte(repaired), &r2); err == nil {
			return r2, nil
		}
		cleaned = repaired
	}

	return rescueWithGojq(cleaned)
}

// stripCodeFences removes a leading/trailing ``` or ```json fence.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && nl < 16 {
		// Drop a language tag like "json" on the fence's first line.
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// rescueWithGojq handles a reply that is valid JSON but does not decode
// cleanly into AbstractionResult (say a field of the wrong type): it
// decodes the episodes and the self-model updates separately, so a bad
// value in one does not sink the other. A reply that is still not valid
// JSON after repair is returned as an error.
func rescueWithGojq(raw string) (AbstractionResult, error) {
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return AbstractionResult{}, fmt.Errorf("llm: abstraction reply is not valid JSON after repair: %w", err)
	}

	var result AbstractionResult
	if eps, err := queryOne(generic, ".episodes"); err == nil {
		if b, err := json.Marshal(eps); err == nil {
			_ = json.Unmarshal(b, &result.Episodes)
		}
	}
	if upd, err := queryOne(generic, ".self_model_updates"); err == nil {
		if b, err := json.Marshal(upd); err == nil {
			_ = json.Unmarshal(b, &result.SelfModelUpdates)
		}
	}
	return result, nil
}

func queryOne(input any, expr string) (any, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	iter := q.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("llm: %s produced no value", expr)
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}
