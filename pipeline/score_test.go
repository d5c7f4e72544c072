package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     float64
		text     string
		strategy string
	}{
		{"unit score", `{"score": 0.8, "review": "clear"}`, 0.8, "clear", "json"},
		{"percentage", `{"score": 85, "review": "ok"}`, 0.85, "ok", "json"},
		{"ten point", `{"rating": 7, "feedback": "fine"}`, 0.7, "fine", "json"},
		{"string ratio", `{"score": "0.7/1", "review": "r"}`, 0.7, "r", "json"},
		{"string out of ten", `{"Score": "8/10", "Explanation": "e"}`, 0.8, "e", "json"},
		{"fenced", "```json\n{\"score\": 0.9, \"review\": \"x\"}\n```", 0.9, "x", "json"},
		{"surrounding prose", "Here you go: {\"score\": 0.6, \"review\": \"y\"} thanks", 0.6, "y", "json"},
		{"single quotes", `{'score': 0.75, 'review': 'good'}`, 0.75, "good", "json-single-quotes"},
		{"regex", "Overall score: 9/10. Nice.", 0.9, "", "regex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScore(tt.raw)
			assert.InDelta(t, tt.want, got.Value, 1e-9)
			assert.Equal(t, tt.strategy, got.Strategy)
			assert.Equal(t, tt.raw, got.Raw)
			if tt.text != "" {
				assert.Equal(t, tt.text, got.Text)
			}
		})
	}
}

func TestParseScoreGarbage(t *testing.T) {
	got := ParseScore("I refuse to grade this.")
	assert.Zero(t, got.Value)
	assert.Equal(t, "default", got.Strategy)
	assert.True(t, strings.HasPrefix(got.Text, "Failed to parse review. Raw response: "))
	assert.Contains(t, got.Text, "I refuse to grade this.")
}

func TestParseScoreRejectsOutOfRange(t *testing.T) {
	got := ParseScore(`{"score": 250}`)
	assert.Equal(t, "default", got.Strategy)
	assert.Zero(t, got.Value)
}

func TestParseScoreWithCustomCascade(t *testing.T) {
	always := ScoreStrategy{Name: "fixed", Parse: func(string) (Score, bool) { return Score{Value: 0.42}, true }}
	got := ParseScoreWith([]ScoreStrategy{always}, "anything")
	assert.Equal(t, 0.42, got.Value)
	assert.Equal(t, "fixed", got.Strategy)

	got = ParseScoreWith(nil, "anything")
	assert.Equal(t, "none", got.Strategy)
	assert.Zero(t, got.Value)
}

func TestParseReviewScoreReadsPercentages(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"score": 1, "feedback": "thin"}`, 0.01},
		{`{"score": 5, "feedback": "thin"}`, 0.05},
		{`{"score": 10, "feedback": "thin"}`, 0.10},
		{`{"score": 72, "feedback": "ok"}`, 0.72},
		{`{"score": 0.5, "feedback": "half"}`, 0.5},
		{`{"score": "7/10", "feedback": "x"}`, 0.7},
		{`{"score": "40%", "feedback": "x"}`, 0.4},
		{"Score: 5", 0.05},
	}
	for _, tt := range tests {
		got := ParseReviewScore(tt.raw)
		assert.InDelta(t, tt.want, got.Value, 1e-9, tt.raw)
	}

	assert.Equal(t, "default", ParseReviewScore(`{"score": 140}`).Strategy)
}

func TestParseScoreKeepsTenPointScale(t *testing.T) {
	assert.InDelta(t, 0.5, ParseScore(`{"score": 5}`).Value, 1e-9)
	assert.InDelta(t, 0.4, ParseScore(`{"score": "40%"}`).Value, 1e-9)
}
