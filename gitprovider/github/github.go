// Package github implements gitprovider.Provider using the GitHub API.
package github

import (
	"context"
	"fmt"
	"io"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/microcase/gitprovider"
	"github.com/jxucoder/microcase/model"
)

// Provider implements gitprovider.Provider for GitHub.
type Provider struct {
	gh *gogh.Client
}

// New creates a GitHub provider. An empty token uses unauthenticated access.
func New(token string) *Provider {
	gh := gogh.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Provider{gh: gh}
}

// NewWithClient wraps an existing go-github client.
func NewWithClient(gh *gogh.Client) *Provider {
	return &Provider{gh: gh}
}

var _ gitprovider.Provider = (*Provider)(nil)

// GetPullRequest fills in the head repository and SHA of pr.
func (p *Provider) GetPullRequest(ctx context.Context, pr *gitprovider.PullRequest) error {
	got, _, err := p.gh.PullRequests.Get(ctx, pr.Owner, pr.Repo, pr.Number)
	if err != nil {
		return fmt.Errorf("fetching pull request: %w", err)
	}
	head := got.GetHead()
	pr.HeadSHA = head.GetSHA()
	pr.HeadOwner = pr.Owner
	pr.HeadRepo = pr.Repo
	if r := head.GetRepo(); r != nil {
		if login := r.GetOwner().GetLogin(); login != "" {
			pr.HeadOwner = login
		}
		if name := r.GetName(); name != "" {
			pr.HeadRepo = name
		}
	}
	return nil
}

// ListReviewComments returns the line-anchored review comments of pr. A comment
// is usable when it has a path and any of original_line, line,
// original_start_line or start_line, tried in that order. Issue comments are
// counted in the total but never usable.
func (p *Provider) ListReviewComments(ctx context.Context, pr *gitprovider.PullRequest) ([]model.RawComment, int, error) {
	var usable []model.RawComment
	total := 0

	opts := &gogh.PullRequestListCommentsOptions{ListOptions: gogh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := p.gh.PullRequests.ListComments(ctx, pr.Owner, pr.Repo, pr.Number, opts)
		if err != nil {
			return nil, 0, fmt.Errorf("listing review comments: %w", err)
		}
		total += len(comments)
		for _, c := range comments {
			line, ok := anchorLine(c)
			if c.GetPath() == "" || !ok {
				continue
			}
			author := c.GetUser().GetLogin()
			if author == "" {
				author = "Unknown"
			}
			usable = append(usable, model.RawComment{
				FilePath:   c.GetPath(),
				LineNumber: line,
				Text:       c.GetBody(),
				Author:     author,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	issueOpts := &gogh.IssueListCommentsOptions{ListOptions: gogh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := p.gh.Issues.ListComments(ctx, pr.Owner, pr.Repo, pr.Number, issueOpts)
		if err != nil {
			// Issue comments only feed the total.
			break
		}
		total += len(comments)
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	return usable, total, nil
}

func anchorLine(c *gogh.PullRequestComment) (int, bool) {
	for _, l := range []*int{c.OriginalLine, c.Line, c.OriginalStartLine, c.StartLine} {
		if l != nil {
			return *l, true
		}
	}
	return 0, false
}

// GetFileContent fetches a file through the contents API, falling back to the
// download endpoint for files the contents API will not inline.
func (p *Provider) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	opts := &gogh.RepositoryContentGetOptions{Ref: ref}
	file, _, _, err := p.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err == nil && file != nil {
		// GetContent handles base64 decoding internally.
		content, derr := file.GetContent()
		if derr == nil && (content != "" || file.GetSize() == 0) {
			return content, nil
		}
	}

	rc, _, derr := p.gh.Repositories.DownloadContents(ctx, owner, repo, path, opts)
	if derr != nil {
		if err != nil {
			return "", fmt.Errorf("fetching %s from %s/%s: %w", path, owner, repo, err)
		}
		return "", fmt.Errorf("downloading %s from %s/%s: %w", path, owner, repo, derr)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}
