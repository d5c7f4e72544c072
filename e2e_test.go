// End-to-end tests for the microcase server stack.
//
// This test exercises the full server stack:
//   - Builder defaults (SQLite store and cache, in-memory bus)
//   - Real HTTP router (chi) served over httptest
//   - Real pipeline and engine orchestration
//   - Fake git provider, LLM and verifier
//
// Does NOT require Docker, Python, API keys, or network access.
package microcase_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	microcase "github.com/jxucoder/microcase"
	"github.com/jxucoder/microcase/engine"
	"github.com/jxucoder/microcase/gitprovider"
	"github.com/jxucoder/microcase/internal/config"
	"github.com/jxucoder/microcase/llm"
	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/pipeline"
	"github.com/jxucoder/microcase/sandbox"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGit struct{}

func (fakeGit) GetPullRequest(_ context.Context, pr *gitprovider.PullRequest) error {
	pr.HeadOwner, pr.HeadRepo, pr.HeadSHA = "contributor", pr.Repo, "feedface"
	return nil
}

func (fakeGit) ListReviewComments(context.Context, *gitprovider.PullRequest) ([]model.RawComment, int, error) {
	return []model.RawComment{
		{FilePath: "shop/cart.py", LineNumber: 3, Text: "total ignores quantity", Author: "reviewer"},
		{FilePath: "shop/tax.py", LineNumber: 1, Text: "rounding is off", Author: "reviewer"},
	}, 3, nil
}

func (fakeGit) GetFileContent(_ context.Context, _, _, path, _ string) (string, error) {
	return "# " + path + "\ndef total(items):\n    return sum(p for p, _ in items)\n", nil
}

type verifierFunc func(ctx context.Context, candidate, tests string) sandbox.Result

func (f verifierFunc) Verify(ctx context.Context, candidate, tests string) sandbox.Result {
	return f(ctx, candidate, tests)
}

func fakeVerifier() sandbox.Verifier {
	return verifierFunc(func(_ context.Context, candidate, _ string) sandbox.Result {
		if strings.Contains(candidate, "p * q") {
			return sandbox.Result{Passed: true, Stdout: "1 passed"}
		}
		return sandbox.Result{Stdout: "1 failed", Stderr: "AssertionError: assert 5 == 10"}
	})
}

func fakeLLM() llm.Client {
	return llm.Func(func(_ context.Context, system, _ string) (string, error) {
		switch system {
		case pipeline.DefaultDescriptionPrompt:
			return "Implement total(items) for (price, quantity) pairs.", nil
		case pipeline.DefaultTestSuitePrompt:
			return "```python\nfrom solution_expert import total\n\ndef test_total():\n    assert total([(5, 2)]) == 10\n```", nil
		case pipeline.DefaultSolutionPrompt:
			return "def total(items):\n    return sum(p * q for p, q in items)\n", nil
		case pipeline.DefaultReviewerPrompt:
			return `{"score": 72, "feedback": "Mention why quantity matters."}`, nil
		}
		return "", nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MICROCASE_DATA_DIR", t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	return cfg
}

func buildApp(t *testing.T) *microcase.App {
	t.Helper()
	app, err := microcase.NewBuilder().
		WithConfig(testConfig(t)).
		WithGitProvider(fakeGit{}).
		WithLLM(fakeLLM()).
		WithVerifier(fakeVerifier()).
		Build()
	if err != nil {
		t.Fatalf("building app: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

type sseEvent struct {
	Type string
	Data string
}

// readStream consumes an SSE stream until it closes.
func readStream(t *testing.T, url string) []sseEvent {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.Type != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestE2EGenerateSolveReview(t *testing.T) {
	app := buildApp(t)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, body := postJSON(t, srv.URL+"/gen-microcases/", map[string]string{
		"source_reference": "https://github.com/acme/shop/pull/12",
		"requester_id":     "learner-1",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status %d: %v", resp.StatusCode, body)
	}
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatal("missing session_id")
	}

	events := readStream(t, srv.URL+"/stream-microcases/"+sessionID)
	var microcases []model.MicrocasePayload
	var complete *model.CompletePayload
	for _, ev := range events {
		switch ev.Type {
		case model.EventMicrocase:
			var p model.MicrocasePayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				t.Fatalf("bad microcase payload: %v", err)
			}
			microcases = append(microcases, p)
		case model.EventComplete:
			var p model.CompletePayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				t.Fatalf("bad complete payload: %v", err)
			}
			complete = &p
		case model.EventError:
			t.Fatalf("unexpected error event: %s", ev.Data)
		}
	}
	if complete == nil {
		t.Fatal("stream ended without a complete event")
	}
	if events[len(events)-1].Type != model.EventComplete {
		t.Fatalf("complete must be the last event, got %q", events[len(events)-1].Type)
	}
	if len(microcases) != 2 || complete.TotalAccepted != 2 {
		t.Fatalf("expected 2 microcases, got %d (total %d)", len(microcases), complete.TotalAccepted)
	}
	if !strings.Contains(microcases[0].Comment, "Implement total") {
		t.Fatalf("unexpected comment %q", microcases[0].Comment)
	}

	// Artifacts land under the data dir.
	sess, err := app.Engine().GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.StatusComplete {
		t.Fatalf("status = %s", sess.Status)
	}
	for _, name := range []string{pipeline.ReportFile, pipeline.ConfigSnapshot} {
		if _, err := os.Stat(filepath.Join(sess.WorkDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	id := microcases[0].MicrocaseID
	resp, body = postJSON(t, srv.URL+"/check-microcase/", map[string]any{
		"requester_id":    "learner-1",
		"microcase_id":    id,
		"solution_source": "def total(items):\n    return sum(p for p, _ in items)\n",
	})
	if resp.StatusCode != http.StatusOK || body["status"] != engine.CheckFailed {
		t.Fatalf("expected failed check, got %d %v", resp.StatusCode, body)
	}
	if !strings.Contains(body["explanation"].(string), "AssertionError") {
		t.Fatalf("explanation = %v", body["explanation"])
	}

	resp, body = postJSON(t, srv.URL+"/check-microcase/", map[string]any{
		"requester_id":    "learner-1",
		"microcase_id":    id,
		"solution_source": "def total(items):\n    return sum(p * q for p, q in items)\n",
	})
	if resp.StatusCode != http.StatusOK || body["status"] != engine.CheckPassed {
		t.Fatalf("expected passed check, got %d %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, srv.URL+"/evaluate-review/", map[string]string{
		"requester_id": "learner-1",
		"review_text":  "The total has to multiply price by quantity.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %v", resp.StatusCode, body)
	}
	if body["score"] != float64(72) {
		t.Fatalf("score = %v", body["score"])
	}

	// Another requester resolves the same run through the cache.
	resp, body = postJSON(t, srv.URL+"/check-microcase/", map[string]any{
		"requester_id":     "learner-2",
		"microcase_id":     id,
		"solution_source":  "def total(items):\n    return sum(p * q for p, q in items)\n",
		"source_reference": "https://github.com/ACME/shop/pull/12",
	})
	if resp.StatusCode != http.StatusOK || body["status"] != engine.CheckPassed {
		t.Fatalf("expected cached check to pass, got %d %v", resp.StatusCode, body)
	}
}

func TestE2EUnsupportedSource(t *testing.T) {
	app := buildApp(t)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, body := postJSON(t, srv.URL+"/gen-microcases/", map[string]string{
		"url":     "https://gitlab.com/acme/shop/-/merge_requests/3",
		"user_id": "learner-1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", resp.StatusCode, body)
	}
}

func TestBuildRequiresLLM(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("MICROCASE_OPENAI_API_KEY", "")
	cfg := testConfig(t)

	_, err := microcase.NewBuilder().
		WithConfig(cfg).
		WithGitProvider(fakeGit{}).
		WithVerifier(fakeVerifier()).
		Build()
	if err == nil || !strings.Contains(err.Error(), "no LLM client") {
		t.Fatalf("expected missing LLM error, got %v", err)
	}
}

func TestBuildPerRoleClients(t *testing.T) {
	reviewerCalls := 0
	reviewer := llm.Func(func(_ context.Context, system, _ string) (string, error) {
		reviewerCalls++
		return `{"score": 0.5, "feedback": "ok"}`, nil
	})
	app, err := microcase.NewBuilder().
		WithConfig(testConfig(t)).
		WithGitProvider(fakeGit{}).
		WithLLM(fakeLLM()).
		WithRoleLLM(llm.RoleReviewer, reviewer).
		WithVerifier(fakeVerifier()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	ctx := context.Background()
	sess, err := app.Engine().CreateSession(ctx, "u", "https://github.com/acme/shop/pull/1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := app.Engine().Wait(ctx, sess.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	res, err := app.Engine().CheckMicrocase(ctx, engine.CheckRequest{
		RequesterID: "u",
		MicrocaseID: 0,
		Solution:    "def total(items):\n    return sum(p * q for p, q in items)\n",
	})
	if err != nil || res.Status != engine.CheckPassed {
		t.Fatalf("check: %v %+v", err, res)
	}
	eval, err := app.Engine().EvaluateReview(ctx, engine.EvaluateRequest{RequesterID: "u", ReviewText: "multiply"})
	if err != nil {
		t.Fatalf("EvaluateReview: %v", err)
	}
	if reviewerCalls != 1 || eval.Score != 50 {
		t.Fatalf("reviewer calls %d, score %d", reviewerCalls, eval.Score)
	}
}
