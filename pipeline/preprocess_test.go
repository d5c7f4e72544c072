package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jxucoder/microcase/model"
)

func TestParseIndices(t *testing.T) {
	tests := []struct {
		resp string
		n    int
		want []int
	}{
		{"0,2", 3, []int{0, 2}},
		{"2, 0", 3, []int{0, 2}},
		{"0. 1:", 3, []int{0, 1}},
		{"1\n1\n0", 3, []int{0, 1}},
		{"0, 7, -1", 3, []int{0}},
		{"none of them", 3, nil},
		{"", 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.resp, func(t *testing.T) {
			require.Equal(t, tt.want, ParseIndices(tt.resp, tt.n))
		})
	}
}

func sameFile(texts ...string) []model.RawComment {
	out := make([]model.RawComment, len(texts))
	for i, s := range texts {
		out[i] = model.RawComment{FilePath: "a.py", LineNumber: i + 1, Text: s}
	}
	return out
}

func TestPreprocessKeepsSelected(t *testing.T) {
	s := NewPreprocessStage(&fakeLLM{response: "0,2"}, "", nil)
	got := s.Run(context.Background(), sameFile("x", "x again", "y"))
	require.Len(t, got, 2)
	require.Equal(t, 0, got[0].ID)
	require.Equal(t, 2, got[1].ID)
	require.Equal(t, "y", got[1].Text)
}

func TestPreprocessFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"llm error", &fakeLLM{err: errors.New("down")}},
		{"empty response", &fakeLLM{response: ""}},
		{"garbage", &fakeLLM{response: "I cannot help with that"}},
		{"out of range", &fakeLLM{response: "5, 9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewPreprocessStage(tt.llm, "", nil).Run(context.Background(), sameFile("a", "b", "c"))
			require.Len(t, got, 3)
			for i, c := range got {
				require.Equal(t, i, c.ID)
			}
		})
	}
}

func TestPreprocessSingleCommentSkipsLLM(t *testing.T) {
	script := newScripted()
	raw := []model.RawComment{
		{FilePath: "a.py", LineNumber: 1, Text: "one"},
		{FilePath: "b.py", LineNumber: 1, Text: "two"},
	}
	got := NewPreprocessStage(script, "", nil).Run(context.Background(), raw)
	require.Len(t, got, 2)
	require.Zero(t, script.count(DefaultDedupPrompt))
}

func TestPreprocessRequestFormat(t *testing.T) {
	script := newScripted().on(DefaultDedupPrompt, "0")
	NewPreprocessStage(script, "", nil).Run(context.Background(), sameFile("first", "second"))

	require.Len(t, script.users[DefaultDedupPrompt], 1)
	req := script.users[DefaultDedupPrompt][0]
	require.True(t, strings.HasPrefix(req, "File: a.py\n\nComments:\n"))
	require.Contains(t, req, "Comment 0: first\n")
	require.Contains(t, req, "Comment 1: second\n")
}

func TestPreprocessEmpty(t *testing.T) {
	require.Empty(t, NewPreprocessStage(&fakeLLM{}, "", nil).Run(context.Background(), nil))
}
