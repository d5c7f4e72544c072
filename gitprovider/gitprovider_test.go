package gitprovider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jxucoder/microcase/model"
)

func TestParsePRURL(t *testing.T) {
	tests := []struct {
		in      string
		owner   string
		repo    string
		number  int
		wantErr bool
	}{
		{in: "https://github.com/acme/widgets/pull/42", owner: "acme", repo: "widgets", number: 42},
		{in: "https://github.com/acme/widgets/pull/42/files", owner: "acme", repo: "widgets", number: 42},
		{in: "  https://www.github.com/acme/widgets/pull/7 ", owner: "acme", repo: "widgets", number: 7},
		{in: "https://github.com/acme/widgets/issues/42", wantErr: true},
		{in: "https://gitlab.com/acme/widgets/pull/42", wantErr: true},
		{in: "https://github.com/acme/widgets/pull/0", wantErr: true},
		{in: "ftp://github.com/acme/widgets/pull/1", wantErr: true},
		{in: "not a url", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			pr, err := ParsePRURL(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReference) {
					t.Fatalf("expected ErrInvalidReference, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePRURL: %v", err)
			}
			if pr.Owner != tt.owner || pr.Repo != tt.repo || pr.Number != tt.number {
				t.Fatalf("unexpected pr: %+v", pr)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	a := Normalize("https://github.com/Acme/Widgets/pull/42/files")
	b := Normalize(" https://www.github.com/acme/widgets/pull/42")
	if a != b {
		t.Fatalf("expected equal normalized refs, got %q and %q", a, b)
	}
	if a != "https://github.com/acme/widgets/pull/42" {
		t.Fatalf("unexpected normalized ref %q", a)
	}
	if got := Normalize("  Something Else "); got != "something else" {
		t.Fatalf("unexpected fallback normalization %q", got)
	}
}

type stubProvider struct {
	files   map[string]string
	fetched []string
}

func (s *stubProvider) GetPullRequest(context.Context, *PullRequest) error { return nil }
func (s *stubProvider) ListReviewComments(context.Context, *PullRequest) ([]model.RawComment, int, error) {
	return nil, 0, nil
}
func (s *stubProvider) GetFileContent(_ context.Context, owner, repo, path, ref string) (string, error) {
	s.fetched = append(s.fetched, owner+"/"+repo+"@"+ref+":"+path)
	if c, ok := s.files[path]; ok {
		return c, nil
	}
	return "", errors.New("404 Not Found")
}

func TestMaterialize(t *testing.T) {
	root := t.TempDir()
	p := &stubProvider{files: map[string]string{"pkg/a.py": "x = 1\n"}}
	pr := &PullRequest{Owner: "up", Repo: "stream", Number: 1, HeadOwner: "fork", HeadRepo: "stream", HeadSHA: "abc123"}
	comments := []model.RawComment{
		{FilePath: "pkg/a.py", LineNumber: 1},
		{FilePath: "pkg/a.py", LineNumber: 2},
		{FilePath: "gone.py", LineNumber: 3},
	}

	n, err := Materialize(context.Background(), p, pr, comments, root)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 placeholder, got %d", n)
	}
	if len(p.fetched) != 2 {
		t.Fatalf("expected each file fetched once, got %v", p.fetched)
	}
	if p.fetched[0] != "fork/stream@abc123:pkg/a.py" {
		t.Fatalf("expected fetch from head fork at sha, got %q", p.fetched[0])
	}

	b, err := os.ReadFile(filepath.Join(root, "pkg", "a.py"))
	if err != nil || string(b) != "x = 1\n" {
		t.Fatalf("unexpected materialized file %q: %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(root, "gone.py"))
	if err != nil {
		t.Fatalf("reading placeholder: %v", err)
	}
	if !strings.Contains(string(b), "Could not fetch original file") || !strings.Contains(string(b), "404") {
		t.Fatalf("unexpected placeholder %q", b)
	}
}

func TestRefDefaultsToHead(t *testing.T) {
	if got := (&PullRequest{}).Ref(); got != "HEAD" {
		t.Fatalf("expected HEAD, got %q", got)
	}
}
