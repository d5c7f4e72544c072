// Package gitprovider resolves pull request references into review comments
// and fetches the files they point at.
package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jxucoder/microcase/model"
)

// ErrInvalidReference is returned for references that are not pull request URLs.
var ErrInvalidReference = errors.New("invalid pull request reference")

// PullRequest identifies a pull request and, once resolved, its head commit.
type PullRequest struct {
	Owner  string
	Repo   string
	Number int

	// Head* locate the reviewed code, which may live in a fork.
	HeadOwner string
	HeadRepo  string
	HeadSHA   string
}

// Ref returns the head SHA, or "HEAD" when unresolved.
func (pr *PullRequest) Ref() string {
	if pr.HeadSHA == "" {
		return "HEAD"
	}
	return pr.HeadSHA
}

// Provider talks to a code host.
type Provider interface {
	// GetPullRequest fills in the head repository and SHA of pr.
	GetPullRequest(ctx context.Context, pr *PullRequest) error
	// ListReviewComments returns the usable line comments of pr and the total
	// number of comments on it, line-anchored or not.
	ListReviewComments(ctx context.Context, pr *PullRequest) ([]model.RawComment, int, error)
	// GetFileContent returns a file's content at ref.
	GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
}

var prPath = regexp.MustCompile(`^/([^/]+)/([^/]+)/pull/(\d+)(?:/.*)?$`)

// ParsePRURL parses https://github.com/{owner}/{repo}/pull/{n}. Trailing path
// segments such as /files are accepted.
func ParsePRURL(ref string) (*PullRequest, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	host := strings.ToLower(u.Host)
	if (u.Scheme != "https" && u.Scheme != "http") || (host != "github.com" && host != "www.github.com") {
		return nil, fmt.Errorf("%w: %q is not a GitHub URL", ErrInvalidReference, ref)
	}
	m := prPath.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, fmt.Errorf("%w: %q is not a pull request URL", ErrInvalidReference, ref)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: bad pull request number %q", ErrInvalidReference, m[3])
	}
	return &PullRequest{Owner: m[1], Repo: m[2], Number: n}, nil
}

// Normalize returns the canonical form of a pull request reference, used to
// derive cache keys. References that do not parse are lowercased and trimmed.
func Normalize(ref string) string {
	pr, err := ParsePRURL(ref)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ref))
	}
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d",
		strings.ToLower(pr.Owner), strings.ToLower(pr.Repo), pr.Number)
}

// Materialize writes every distinct file the comments point at under root,
// fetched at the pull request head. Files that cannot be fetched are replaced
// by a placeholder naming the error. It returns the number of placeholders.
func Materialize(ctx context.Context, p Provider, pr *PullRequest, comments []model.RawComment, root string) (int, error) {
	owner, repo := pr.HeadOwner, pr.HeadRepo
	if owner == "" {
		owner = pr.Owner
	}
	if repo == "" {
		repo = pr.Repo
	}

	seen := make(map[string]bool)
	placeholders := 0
	for _, c := range comments {
		if seen[c.FilePath] {
			continue
		}
		seen[c.FilePath] = true

		content, err := p.GetFileContent(ctx, owner, repo, c.FilePath, pr.Ref())
		if err != nil {
			if ctx.Err() != nil {
				return placeholders, ctx.Err()
			}
			content = fmt.Sprintf("# Could not fetch original file: %v\n# File: %s\n", err, c.FilePath)
			placeholders++
		}

		dst := filepath.Join(root, filepath.Clean("/"+c.FilePath))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return placeholders, fmt.Errorf("creating dir for %s: %w", c.FilePath, err)
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			return placeholders, fmt.Errorf("writing %s: %w", c.FilePath, err)
		}
	}
	return placeholders, nil
}
