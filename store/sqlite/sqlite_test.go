package sqlite

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newSession(id string, at time.Time) *model.Session {
	return &model.Session{
		ID:              id,
		RequesterID:     "user-1",
		SourceReference: "https://github.com/owner/repo/pull/7",
		Status:          model.StatusAccepted,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func TestSessionCRUD(t *testing.T) {
	st := newTestStore(t)

	sess := newSession("abc12345", time.Now().UTC())
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != sess.ID || got.SourceReference != sess.SourceReference || got.Status != model.StatusAccepted {
		t.Fatalf("unexpected session: %+v", got)
	}

	got.Status = model.StatusComplete
	got.TotalAccepted = 3
	got.WorkDir = "/tmp/run"
	if err := st.UpdateSession(got); err != nil {
		t.Fatalf("update session: %v", err)
	}

	got2, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get updated session: %v", err)
	}
	if got2.Status != model.StatusComplete || got2.TotalAccepted != 3 || got2.WorkDir != "/tmp/run" {
		t.Fatalf("session not updated: %+v", got2)
	}

	if err := st.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := st.GetSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateSession(newSession("ghost", time.Now().UTC()))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListExpired(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	ages := map[string]time.Duration{"oldest": 2 * time.Hour, "old": time.Hour, "fresh": 0}
	for id, age := range ages {
		if err := st.CreateSession(newSession(id, now.Add(-age))); err != nil {
			t.Fatalf("create session %s: %v", id, err)
		}
	}

	expired, err := st.ListExpired(now.Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", len(expired))
	}
	if expired[0].ID != "oldest" {
		t.Fatalf("expected oldest first, got %s", expired[0].ID)
	}
}

func TestEventsAfterID(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	sess := newSession("evt-after", now)
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 5; i++ {
		ev := &model.Event{
			SessionID: sess.ID, Type: model.EventProgress,
			Data: fmt.Sprintf(`{"message":"step %d"}`, i), CreatedAt: now,
		}
		if err := st.AddEvent(ev); err != nil {
			t.Fatalf("add event: %v", err)
		}
		if ev.ID == 0 {
			t.Fatal("expected event ID to be set")
		}
	}

	all, err := st.GetEvents(sess.ID, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}

	after, err := st.GetEvents(sess.ID, all[2].ID)
	if err != nil {
		t.Fatalf("get events after: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 events after ID %d, got %d", all[2].ID, len(after))
	}

	if err := st.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	left, _ := st.GetEvents(sess.ID, 0)
	if len(left) != 0 {
		t.Fatalf("expected events deleted with session, got %d", len(left))
	}
}

func TestMicrocaseCache(t *testing.T) {
	st := newTestStore(t)

	entries := []model.CachedMicrocase{
		{MicrocaseID: 2, FilePath: "b.py", LineNumber: 9, ReviewComment: "r2", Description: "d2", Dir: "/runs/x/comment_2"},
		{MicrocaseID: 0, FilePath: "a.py", LineNumber: 1, ReviewComment: "r0", Description: "d0", Dir: "/runs/x/comment_0"},
	}
	if err := st.PutMicrocases("key1", entries); err != nil {
		t.Fatalf("put microcases: %v", err)
	}

	got, err := st.GetMicrocases("key1")
	if err != nil {
		t.Fatalf("get microcases: %v", err)
	}
	if len(got) != 2 || got[0].MicrocaseID != 0 || got[1].Dir != "/runs/x/comment_2" {
		t.Fatalf("unexpected microcases: %+v", got)
	}
	if got[0].CacheKey != "key1" {
		t.Fatalf("expected cache key to be stored, got %q", got[0].CacheKey)
	}

	// A second run replaces the first.
	if err := st.PutMicrocases("key1", entries[:1]); err != nil {
		t.Fatalf("replace microcases: %v", err)
	}
	got, _ = st.GetMicrocases("key1")
	if len(got) != 1 {
		t.Fatalf("expected 1 microcase after replace, got %d", len(got))
	}

	none, err := st.GetMicrocases("other")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no microcases for unknown key, got %v %v", none, err)
	}
}

func TestSolvedProgress(t *testing.T) {
	st := newTestStore(t)

	for _, id := range []int{3, 1, 3} {
		if err := st.MarkSolved("user-1", "key1", id); err != nil {
			t.Fatalf("mark solved: %v", err)
		}
	}
	if err := st.MarkSolved("user-2", "key1", 5); err != nil {
		t.Fatalf("mark solved: %v", err)
	}

	ids, err := st.Solved("user-1", "key1")
	if err != nil {
		t.Fatalf("solved: %v", err)
	}
	if !reflect.DeepEqual(ids, []int{1, 3}) {
		t.Fatalf("expected [1 3], got %v", ids)
	}

	ids, _ = st.Solved("user-1", "key2")
	if len(ids) != 0 {
		t.Fatalf("expected nothing solved for key2, got %v", ids)
	}
}
