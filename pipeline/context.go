package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jxucoder/microcase/model"
)

// TruncationMarker is appended when context is hard-truncated to the budget.
const TruncationMarker = "\n\n... [Content truncated due to size limits] ..."

// ContextConfig bounds the source context sent with a comment.
type ContextConfig struct {
	// MaxSymbols is the character budget.
	MaxSymbols int `yaml:"context_max_symbols"`
	// CommentMargin is the number of lines kept above and below the comment
	// when over budget. Negative disables the window step.
	CommentMargin int `yaml:"context_comment_margin"`
}

// SourceTree locates a run's source files.
type SourceTree struct {
	// SourceRoot holds the original files.
	SourceRoot string
	// EmbeddedRoot holds copies with review comments embedded; may be empty.
	EmbeddedRoot string
}

// BuildContext returns bounded source context for a comment. It prefers the
// embedded copy, then the original file, then a placeholder, and never fails.
func BuildContext(tree SourceTree, cfg ContextConfig, c model.ReviewComment) string {
	var content string
	var readErr error
	if tree.EmbeddedRoot != "" {
		if b, err := os.ReadFile(SafeJoin(tree.EmbeddedRoot, c.FilePath)); err == nil {
			content = string(b)
		}
	}
	if content == "" {
		b, err := os.ReadFile(SafeJoin(tree.SourceRoot, c.FilePath))
		if err == nil {
			content = string(b)
		} else {
			readErr = err
		}
	}
	if readErr != nil && content == "" {
		content = Placeholder(c.FilePath, c.LineNumber, readErr)
	}
	return LimitContext(content, c.LineNumber, cfg)
}

// LimitContext applies the character budget around a 1-based line.
func LimitContext(content string, line int, cfg ContextConfig) string {
	if cfg.MaxSymbols <= 0 || utf8.RuneCountInString(content) <= cfg.MaxSymbols {
		return content
	}

	if cfg.CommentMargin >= 0 {
		lines := strings.Split(content, "\n")
		target := line - 1
		start := max(0, target-cfg.CommentMargin)
		end := min(len(lines), target+cfg.CommentMargin+1)
		if start < end {
			window := strings.Join(lines[start:end], "\n")
			if utf8.RuneCountInString(window) <= cfg.MaxSymbols {
				return window
			}
		}
	}

	r := []rune(content)
	return string(r[:cfg.MaxSymbols]) + TruncationMarker
}

// Placeholder returns a synthetic document for an unreadable file that still
// contains the target line.
func Placeholder(path string, line int, cause error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# File: %s\n", path)
	fmt.Fprintf(&sb, "# Could not load content: %v\n", cause)
	for i := 3; i < line; i++ {
		sb.WriteString("#\n")
	}
	fmt.Fprintf(&sb, "# line %d: source unavailable\n", line)
	return sb.String()
}

// EmbedBlock formats the marker block inserted above a commented line.
func EmbedBlock(line int, comment string) []string {
	return []string{
		fmt.Sprintf("###### LINE %d ################", line),
		"# " + comment,
		"#####################################",
	}
}

// EmbedInto inserts comment blocks before their target lines. Comments past
// the end of the file are appended in line order.
func EmbedInto(lines []string, comments []model.ReviewComment) []string {
	sorted := append([]model.ReviewComment{}, comments...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].LineNumber < sorted[b].LineNumber })

	out := make([]string, 0, len(lines)+3*len(sorted))
	i := 0
	for _, c := range sorted {
		for i < c.LineNumber-1 && i < len(lines) {
			out = append(out, lines[i])
			i++
		}
		out = append(out, EmbedBlock(c.LineNumber, c.Text)...)
		if i < len(lines) {
			out = append(out, lines[i])
			i++
		}
	}
	return append(out, lines[i:]...)
}

// EmbedComments writes a copy of every commented file under dstRoot with the
// comments embedded. Unreadable sources are replaced by a placeholder.
func EmbedComments(srcRoot, dstRoot string, comments []model.ReviewComment) error {
	byFile := make(map[string][]model.ReviewComment)
	for _, c := range comments {
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	for path, cs := range byFile {
		var lines []string
		b, err := os.ReadFile(SafeJoin(srcRoot, path))
		if err != nil {
			last := 0
			for _, c := range cs {
				last = max(last, c.LineNumber)
			}
			lines = strings.Split(strings.TrimSuffix(Placeholder(path, last, err), "\n"), "\n")
		} else {
			lines = strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
		}

		dst := SafeJoin(dstRoot, path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating embedded dir: %w", err)
		}
		body := strings.Join(EmbedInto(lines, cs), "\n") + "\n"
		if err := os.WriteFile(dst, []byte(body), 0o644); err != nil {
			return fmt.Errorf("writing embedded %s: %w", path, err)
		}
	}
	return nil
}

// SafeJoin joins a repository-relative path onto root without escaping it.
func SafeJoin(root, rel string) string {
	return filepath.Join(root, filepath.Clean("/"+rel))
}
