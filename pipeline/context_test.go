package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/microcase/model"
)

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %03d", i+1)
	}
	return strings.Join(lines, "\n")
}

func TestLimitContextUnderBudget(t *testing.T) {
	content := numberedLines(5)
	assert.Equal(t, content, LimitContext(content, 2, ContextConfig{MaxSymbols: 1000, CommentMargin: 1}))
	assert.Equal(t, content, LimitContext(content, 2, ContextConfig{}))
}

func TestLimitContextMarginWindow(t *testing.T) {
	content := numberedLines(200)
	got := LimitContext(content, 100, ContextConfig{MaxSymbols: 200, CommentMargin: 2})
	assert.Equal(t, "line 098\nline 099\nline 100\nline 101\nline 102", got)
}

func TestLimitContextHardTruncate(t *testing.T) {
	content := numberedLines(200)
	got := LimitContext(content, 100, ContextConfig{MaxSymbols: 20, CommentMargin: 50})
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.Equal(t, content[:20], strings.TrimSuffix(got, TruncationMarker))

	got = LimitContext(content, 100, ContextConfig{MaxSymbols: 20, CommentMargin: -1})
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
}

func TestLimitContextCountsRunes(t *testing.T) {
	content := strings.Repeat("é", 10)
	assert.Equal(t, content, LimitContext(content, 1, ContextConfig{MaxSymbols: 10}))
	assert.Equal(t, strings.Repeat("é", 4)+TruncationMarker, LimitContext(content, 1, ContextConfig{MaxSymbols: 4, CommentMargin: -1}))
}

func TestPlaceholderContainsLine(t *testing.T) {
	p := Placeholder("pkg/x.py", 10, errors.New("not found"))
	lines := strings.Split(strings.TrimSuffix(p, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 10)
	assert.Contains(t, lines[9], "line 10")
	assert.Contains(t, p, "not found")
}

func TestEmbedInto(t *testing.T) {
	lines := []string{"a", "b", "c"}
	got := EmbedInto(lines, []model.ReviewComment{
		{LineNumber: 3, Text: "third"},
		{LineNumber: 1, Text: "first"},
	})
	want := append(append(append(EmbedBlock(1, "first"), "a", "b"), EmbedBlock(3, "third")...), "c")
	assert.Equal(t, want, got)
}

func TestEmbedIntoPastEnd(t *testing.T) {
	got := EmbedInto([]string{"a"}, []model.ReviewComment{{LineNumber: 9, Text: "late"}})
	assert.Equal(t, append([]string{"a"}, EmbedBlock(9, "late")...), got)
}

func TestBuildContextPrefersEmbedded(t *testing.T) {
	src, emb := t.TempDir(), t.TempDir()
	writeSource(t, src, "m.py", "x = 1\n")
	c := model.ReviewComment{FilePath: "m.py", LineNumber: 1, Text: "rename x"}
	require.NoError(t, EmbedComments(src, emb, []model.ReviewComment{c}))

	got := BuildContext(SourceTree{SourceRoot: src, EmbeddedRoot: emb}, ContextConfig{MaxSymbols: 5000}, c)
	assert.Contains(t, got, "# rename x")
	assert.Contains(t, got, "x = 1")

	got = BuildContext(SourceTree{SourceRoot: src}, ContextConfig{MaxSymbols: 5000}, c)
	assert.Equal(t, "x = 1\n", got)
}

func TestBuildContextMissingFile(t *testing.T) {
	c := model.ReviewComment{FilePath: "gone.py", LineNumber: 4}
	got := BuildContext(SourceTree{SourceRoot: t.TempDir()}, ContextConfig{MaxSymbols: 5000}, c)
	assert.Contains(t, got, "# File: gone.py")
	assert.Contains(t, got, "line 4")
}

func TestEmbedCommentsUnreadableSource(t *testing.T) {
	dst := t.TempDir()
	c := model.ReviewComment{FilePath: "sub/missing.py", LineNumber: 6, Text: "why"}
	require.NoError(t, EmbedComments(t.TempDir(), dst, []model.ReviewComment{c}))

	b, err := os.ReadFile(filepath.Join(dst, "sub", "missing.py"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "###### LINE 6")
	assert.Contains(t, string(b), "# why")
}

func TestSafeJoin(t *testing.T) {
	assert.Equal(t, filepath.Join("/root", "etc", "passwd"), SafeJoin("/root", "../../etc/passwd"))
	assert.Equal(t, filepath.Join("/root", "a", "b.py"), SafeJoin("/root", "a/b.py"))
}
