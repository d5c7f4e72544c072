package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Score is a parsed educational score in [0,1] with its accompanying text.
type Score struct {
	Value float64 `json:"score"`
	Text  string  `json:"review"`
	// Raw is the unparsed LLM response.
	Raw string `json:"raw,omitempty"`
	// Strategy names the parser that produced the score.
	Strategy string `json:"strategy"`
}

// ScoreStrategy is one step of the parse cascade.
type ScoreStrategy struct {
	Name  string
	Parse func(raw string) (Score, bool)
}

var (
	scoreKeys = []string{"score", "rating", "educational_score", "grade", "value"}
	textKeys  = []string{"review", "feedback", "comment", "explanation", "reasoning", "justification"}

	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
	scoreRe  = regexp.MustCompile(`(?i)(?:score|rating|grade)["']?\s*[:=]?\s*["']?(\d+(?:\.\d+)?)(?:\s*/\s*(\d+(?:\.\d+)?))?`)
	ratioRe  = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(?:/\s*(\d+(?:\.\d+)?))?\s*(%)?\s*$`)
)

// Scale maps a raw number onto [0,1]. denom is the explicit denominator of
// an "x/y" score, or 0.
type Scale func(v, denom float64) (float64, bool)

// AutoScale guesses the scale from the magnitude: values up to 1 are taken
// as-is, up to 10 as a ten-point scale and up to 100 as a percentage.
func AutoScale(v, denom float64) (float64, bool) {
	if v < 0 {
		return 0, false
	}
	switch {
	case denom > 0:
		v /= denom
	case v <= 1:
	case v <= 10:
		v /= 10
	case v <= 100:
		v /= 100
	default:
		return 0, false
	}
	return min(v, 1), true
}

// PercentScale reads bare numbers as percentages. Only fractions below 1 and
// explicit "x/y" scores are rescaled.
func PercentScale(v, denom float64) (float64, bool) {
	if v < 0 {
		return 0, false
	}
	switch {
	case denom > 0:
		v /= denom
	case v < 1:
	case v <= 100:
		v /= 100
	default:
		return 0, false
	}
	return min(v, 1), true
}

// ScoreStrategies builds the parse cascade for a scale. The last strategy
// always succeeds.
func ScoreStrategies(scale Scale) []ScoreStrategy {
	return []ScoreStrategy{
		{Name: "json", Parse: func(raw string) (Score, bool) {
			return parseJSONScore(raw, scale)
		}},
		{Name: "json-single-quotes", Parse: func(raw string) (Score, bool) {
			return parseJSONScore(strings.ReplaceAll(raw, "'", `"`), scale)
		}},
		{Name: "regex", Parse: func(raw string) (Score, bool) {
			return parseRegexScore(raw, scale)
		}},
		{Name: "default", Parse: func(raw string) (Score, bool) {
			return Score{Value: 0, Text: "Failed to parse review. Raw response: " + raw}, true
		}},
	}
}

var (
	// DefaultScoreStrategies is the cascade used by ParseScore.
	DefaultScoreStrategies = ScoreStrategies(AutoScale)
	// ReviewScoreStrategies is the cascade used by ParseReviewScore.
	ReviewScoreStrategies = ScoreStrategies(PercentScale)
)

// ParseScore runs the default cascade over a Tutor response.
func ParseScore(raw string) Score {
	return ParseScoreWith(DefaultScoreStrategies, raw)
}

// ParseReviewScore parses a reviewer grade, which is asked for on a 0..100
// scale.
func ParseReviewScore(raw string) Score {
	return ParseScoreWith(ReviewScoreStrategies, raw)
}

// ParseScoreWith tries strategies in order and returns the first success.
// If none succeed the zero score is returned with the raw text kept.
func ParseScoreWith(strategies []ScoreStrategy, raw string) Score {
	for _, st := range strategies {
		if s, ok := st.Parse(raw); ok {
			s.Raw = raw
			s.Strategy = st.Name
			return s
		}
	}
	return Score{Raw: raw, Text: raw, Strategy: "none"}
}

func parseJSONScore(raw string, scale Scale) (Score, bool) {
	obj := objectRe.FindString(stripFences(raw))
	if obj == "" {
		return Score{}, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(obj), &m); err != nil {
		return Score{}, false
	}

	var v float64
	found := false
	for _, k := range scoreKeys {
		if val, ok := lookupFold(m, k); ok {
			if v, found = toScore(val, scale); found {
				break
			}
		}
	}
	if !found {
		return Score{}, false
	}

	var text string
	for _, k := range textKeys {
		if val, ok := lookupFold(m, k); ok {
			if s, ok := val.(string); ok {
				text = s
				break
			}
		}
	}
	return Score{Value: v, Text: text}, true
}

func parseRegexScore(raw string, scale Scale) (Score, bool) {
	m := scoreRe.FindStringSubmatch(raw)
	if m == nil {
		return Score{}, false
	}
	v, ok := parseScaled(m[1], m[2], scale)
	if !ok {
		return Score{}, false
	}
	return Score{Value: v, Text: "Fallback parsing. Raw response: " + raw}, true
}

// toScore converts a JSON value into a [0,1] score.
func toScore(val any, scale Scale) (float64, bool) {
	switch x := val.(type) {
	case float64:
		return scale(x, 0)
	case string:
		m := ratioRe.FindStringSubmatch(x)
		if m == nil {
			return 0, false
		}
		denom := m[2]
		if denom == "" && m[3] == "%" {
			denom = "100"
		}
		return parseScaled(m[1], denom, scale)
	}
	return 0, false
}

func parseScaled(num, denom string, scale Scale) (float64, bool) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	var d float64
	if denom != "" {
		if d, err = strconv.ParseFloat(denom, 64); err != nil {
			return 0, false
		}
	}
	return scale(v, d)
}

func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
