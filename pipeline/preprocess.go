package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
)

// PreprocessStage assigns comment IDs and removes near-duplicate comments per
// file with one LLM call per multi-comment file.
type PreprocessStage struct {
	llm          llm.Client
	systemPrompt string
	concurrency  int
	logger       *zap.Logger
}

// NewPreprocessStage creates a preprocessing stage. Pass empty systemPrompt to use the default.
func NewPreprocessStage(client llm.Client, systemPrompt string, logger *zap.Logger) *PreprocessStage {
	if systemPrompt == "" {
		systemPrompt = DefaultDedupPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreprocessStage{llm: client, systemPrompt: systemPrompt, concurrency: 4, logger: logger.Named("preprocess")}
}

func (s *PreprocessStage) Name() string { return "preprocess" }

// AssignIDs numbers raw comments in input order.
func AssignIDs(raw []model.RawComment) []model.ReviewComment {
	out := make([]model.ReviewComment, len(raw))
	for i, r := range raw {
		out[i] = model.ReviewComment{
			ID:         i,
			FilePath:   r.FilePath,
			LineNumber: r.LineNumber,
			Text:       r.Text,
			Author:     r.Author,
		}
	}
	return out
}

// Run assigns IDs and deduplicates. The result is ordered by ID. It never
// fails: any problem with a file's dedup call keeps every comment of that file.
func (s *PreprocessStage) Run(ctx context.Context, raw []model.RawComment) []model.ReviewComment {
	comments := AssignIDs(raw)

	var order []string
	groups := make(map[string][]model.ReviewComment)
	for _, c := range comments {
		if _, ok := groups[c.FilePath]; !ok {
			order = append(order, c.FilePath)
		}
		groups[c.FilePath] = append(groups[c.FilePath], c)
	}

	kept := make([][]model.ReviewComment, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, path := range order {
		group := groups[path]
		if len(group) == 1 {
			kept[i] = group
			continue
		}
		g.Go(func() error {
			kept[i] = s.dedupFile(gctx, path, group)
			return nil
		})
	}
	_ = g.Wait()

	var out []model.ReviewComment
	for _, k := range kept {
		out = append(out, k...)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	s.logger.Info("deduplicated comments", zap.Int("input", len(comments)), zap.Int("kept", len(out)))
	return out
}

func (s *PreprocessStage) dedupFile(ctx context.Context, path string, group []model.ReviewComment) []model.ReviewComment {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s\n\nComments:\n", path)
	for i, c := range group {
		fmt.Fprintf(&sb, "Comment %d: %s\n", i, c.Text)
	}

	resp, err := s.llm.Complete(ctx, s.systemPrompt, sb.String())
	if err != nil {
		s.logger.Warn("dedup call failed, keeping all comments", zap.String("file", path), zap.Error(err))
		return group
	}

	idx := ParseIndices(resp, len(group))
	if len(idx) == 0 {
		s.logger.Warn("no valid indices in dedup response, keeping all comments",
			zap.String("file", path), zap.String("response", model.Truncate(resp, 200)))
		return group
	}

	out := make([]model.ReviewComment, 0, len(idx))
	for _, i := range idx {
		out = append(out, group[i])
	}
	s.logger.Debug("deduplicated file", zap.String("file", path), zap.Int("from", len(group)), zap.Int("to", len(out)))
	return out
}

// ParseIndices extracts distinct in-range indices from a dedup response.
// Tokens are separated by commas or whitespace; periods and colons are
// stripped; anything that is not a non-negative integer below n is ignored.
func ParseIndices(resp string, n int) []int {
	fields := strings.FieldsFunc(resp, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	seen := make(map[int]bool)
	var out []int
	for _, f := range fields {
		f = strings.NewReplacer(".", "", ":", "").Replace(f)
		i, err := strconv.Atoi(f)
		if err != nil || i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
