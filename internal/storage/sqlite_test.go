package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/zettel/internal/note"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func textItem(user, text string, p note.Partition) note.Item {
	return note.Item{
		UserID:    user,
		Payload:   note.Payload{Kind: note.KindText, Text: text},
		Partition: p,
	}
}

func mustEnqueue(t *testing.T, s *Store, it note.Item) int64 {
	t.Helper()
	seq, err := s.EnqueueItem(it)
	if err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	return seq
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_queue_items_user_status",
		"idx_queue_items_run",
		"idx_pending_questions_delivery",
		"idx_processing_runs_user",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("001_initial.sql")
	if err != nil || v != 1 {
		t.Errorf("parseMigrationVersion = %d, %v; want 1, nil", v, err)
	}
	if _, err := parseMigrationVersion("initial.sql"); err == nil {
		t.Error("expected error for file without numeric prefix")
	}
}

func TestGetSession_Defaults(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.GetSession("alice")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Mode != note.Work {
		t.Errorf("Mode = %q, want %q", sess.Mode, note.Work)
	}
	if wm, err := s.VaultWatermark(); err != nil || wm != "" {
		t.Errorf("VaultWatermark() = %q, %v; want empty", wm, err)
	}
}

func TestSaveMode_Persists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveMode("alice", note.Personal); err != nil {
		t.Fatalf("SaveMode: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	sess, err := s.GetSession("alice")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Mode != note.Personal {
		t.Errorf("Mode = %q, want %q", sess.Mode, note.Personal)
	}
}

func TestEnqueueItem_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	it := note.Item{
		UserID:    "alice",
		Payload:   note.Payload{Kind: note.KindImage, Caption: "whiteboard", MediaType: "image/png", Data: []byte{1, 2, 3}},
		Partition: note.Personal,
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	seq := mustEnqueue(t, s, it)

	got, err := s.GetItem(seq)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Payload.Kind != note.KindImage {
		t.Errorf("Kind = %q, want %q", got.Payload.Kind, note.KindImage)
	}
	if got.Payload.Caption != "whiteboard" {
		t.Errorf("Caption = %q, want %q", got.Payload.Caption, "whiteboard")
	}
	if string(got.Payload.Data) != string([]byte{1, 2, 3}) {
		t.Errorf("Data = %v, want [1 2 3]", got.Payload.Data)
	}
	if got.Partition != note.Personal {
		t.Errorf("Partition = %q, want %q", got.Partition, note.Personal)
	}
	if got.Clarification != note.ClarificationNone {
		t.Errorf("Clarification = %q, want %q", got.Clarification, note.ClarificationNone)
	}
	if !got.CreatedAt.Equal(it.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, it.CreatedAt)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetItem(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem err = %v, want ErrNotFound", err)
	}
}

func TestClaimItems_OrderAndIsolation(t *testing.T) {
	s := openTestStore(t)

	a1 := mustEnqueue(t, s, textItem("alice", "one", note.Work))
	mustEnqueue(t, s, textItem("bob", "bob's", note.Work))
	a2 := mustEnqueue(t, s, textItem("alice", "two", note.Personal))

	items, err := s.ClaimItems("alice", "run-1", false)
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("claimed %d items, want 2", len(items))
	}
	if items[0].Seq != a1 || items[1].Seq != a2 {
		t.Errorf("claimed seqs = [%d %d], want [%d %d]", items[0].Seq, items[1].Seq, a1, a2)
	}

	counts, err := s.CountItems("alice")
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	if counts.Queued != 0 || counts.InFlight != 2 {
		t.Errorf("counts = %+v, want queued=0 in_flight=2", counts)
	}

	bob, err := s.CountItems("bob")
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	if bob.Queued != 1 {
		t.Errorf("bob queued = %d, want 1", bob.Queued)
	}
}

func TestClaimItems_SkipPending(t *testing.T) {
	s := openTestStore(t)

	pending := mustEnqueue(t, s, textItem("alice", "vague", note.Work))
	ready := mustEnqueue(t, s, textItem("alice", "clear", note.Work))
	if err := s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: pending, Question: "what?", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}

	items, err := s.ClaimItems("alice", "run-1", true)
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(items) != 1 || items[0].Seq != ready {
		t.Fatalf("claimed %+v, want only seq %d", items, ready)
	}

	queued, err := s.ListItems("alice", StatusQueued)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(queued) != 1 || queued[0].Seq != pending {
		t.Errorf("queued = %+v, want only seq %d", queued, pending)
	}
}

func TestCompleteClaim_DeletesAndAdvancesWatermark(t *testing.T) {
	s := openTestStore(t)

	seq := mustEnqueue(t, s, textItem("alice", "one", note.Work))
	if err := s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: seq, Question: "?", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}
	if _, err := s.ClaimItems("alice", "run-1", false); err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	late := mustEnqueue(t, s, textItem("alice", "late", note.Work))

	n, err := s.CompleteClaim("alice", "run-1", "20250301100000")
	if err != nil {
		t.Fatalf("CompleteClaim: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if _, err := s.GetItem(seq); !errors.Is(err, ErrNotFound) {
		t.Errorf("consumed item still present: %v", err)
	}
	if _, err := s.GetItem(late); err != nil {
		t.Errorf("item enqueued during run was lost: %v", err)
	}
	qs, err := s.ListQuestions("alice")
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 0 {
		t.Errorf("questions = %d, want 0", len(qs))
	}

	wm, err := s.VaultWatermark()
	if err != nil {
		t.Fatalf("VaultWatermark: %v", err)
	}
	if wm != "20250301100000" {
		t.Errorf("VaultWatermark() = %q, want %q", wm, "20250301100000")
	}

	// An older id never moves the watermark backwards.
	if _, err := s.CompleteClaim("alice", "run-2", "20240101000000"); err != nil {
		t.Fatalf("CompleteClaim: %v", err)
	}
	if wm, _ = s.VaultWatermark(); wm != "20250301100000" {
		t.Errorf("VaultWatermark() = %q after older id, want unchanged", wm)
	}
}

// TestVaultWatermark_SharedAcrossUsers verifies that the id watermark is one
// value for the vault, advanced by whichever user commits.
func TestVaultWatermark_SharedAcrossUsers(t *testing.T) {
	s := openTestStore(t)

	mustEnqueue(t, s, textItem("alice", "a", note.Work))
	mustEnqueue(t, s, textItem("bob", "b", note.Personal))
	if _, err := s.ClaimItems("alice", "run-a", false); err != nil {
		t.Fatalf("ClaimItems alice: %v", err)
	}
	if _, err := s.ClaimItems("bob", "run-b", false); err != nil {
		t.Fatalf("ClaimItems bob: %v", err)
	}

	if _, err := s.CompleteClaim("alice", "run-a", "20250301100005"); err != nil {
		t.Fatalf("CompleteClaim alice: %v", err)
	}
	if _, err := s.CompleteClaim("bob", "run-b", "20250301100002"); err != nil {
		t.Fatalf("CompleteClaim bob: %v", err)
	}

	wm, err := s.VaultWatermark()
	if err != nil {
		t.Fatalf("VaultWatermark: %v", err)
	}
	if wm != "20250301100005" {
		t.Errorf("VaultWatermark() = %q, want %q", wm, "20250301100005")
	}

	var cols int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sessions') WHERE name = 'last_doc_id'`).Scan(&cols); err != nil {
		t.Fatalf("reading sessions columns: %v", err)
	}
	if cols != 0 {
		t.Error("sessions still carries a per-user id watermark")
	}
}

func TestClaimItems_CarriesBoundQuestion(t *testing.T) {
	s := openTestStore(t)

	seq := mustEnqueue(t, s, textItem("alice", "talk to Sam", note.Work))
	mustEnqueue(t, s, textItem("alice", "plain", note.Work))
	if err := s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: seq, Question: "Which Sam?", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}

	items, err := s.ClaimItems("alice", "run-1", false)
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("claimed = %d, want 2", len(items))
	}
	if items[0].Question != "Which Sam?" {
		t.Errorf("items[0].Question = %q, want %q", items[0].Question, "Which Sam?")
	}
	if items[1].Question != "" {
		t.Errorf("items[1].Question = %q, want empty", items[1].Question)
	}
}

// TestListQuestions_MatchesPendingCount verifies that questions of claimed
// items are neither listed nor counted, and reappear when the claim is
// released.
func TestListQuestions_MatchesPendingCount(t *testing.T) {
	s := openTestStore(t)

	seq := mustEnqueue(t, s, textItem("alice", "talk to Sam", note.Work))
	if err := s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: seq, Question: "Which Sam?", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}
	if _, err := s.ClaimItems("alice", "run-1", false); err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}

	counts, err := s.CountItems("alice")
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	qs, err := s.ListQuestions("alice")
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if counts.Pending != 0 || len(qs) != 0 {
		t.Errorf("during run: pending = %d, questions = %d; want 0, 0", counts.Pending, len(qs))
	}

	if _, err := s.ReleaseClaim("run-1"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	counts, _ = s.CountItems("alice")
	qs, _ = s.ListQuestions("alice")
	if counts.Pending != 1 || len(qs) != 1 {
		t.Errorf("after release: pending = %d, questions = %d; want 1, 1", counts.Pending, len(qs))
	}
}

func TestReleaseClaim_RestoresOrder(t *testing.T) {
	s := openTestStore(t)

	first := mustEnqueue(t, s, textItem("alice", "first", note.Work))
	if _, err := s.ClaimItems("alice", "run-1", false); err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	second := mustEnqueue(t, s, textItem("alice", "second", note.Work))

	n, err := s.ReleaseClaim("run-1")
	if err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}

	items, err := s.ListItems("alice", StatusQueued)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 2 || items[0].Seq != first || items[1].Seq != second {
		t.Errorf("queue after release = %+v, want [%d %d]", items, first, second)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	s := openTestStore(t)

	mustEnqueue(t, s, textItem("alice", "a", note.Work))
	mustEnqueue(t, s, textItem("bob", "b", note.Work))
	s.ClaimItems("alice", "run-a", false)
	s.ClaimItems("bob", "run-b", false)

	n, err := s.ReleaseStaleClaims()
	if err != nil {
		t.Fatalf("ReleaseStaleClaims: %v", err)
	}
	if n != 2 {
		t.Errorf("released = %d, want 2", n)
	}
}

func TestClearQueued_LeavesInFlight(t *testing.T) {
	s := openTestStore(t)

	inflight := mustEnqueue(t, s, textItem("alice", "a", note.Work))
	s.ClaimItems("alice", "run-1", false)
	q := mustEnqueue(t, s, textItem("alice", "b", note.Work))
	if err := s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: q, Question: "?", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}

	items, questions, err := s.ClearQueued("alice")
	if err != nil {
		t.Fatalf("ClearQueued: %v", err)
	}
	if items != 1 || questions != 1 {
		t.Errorf("cleared items=%d questions=%d, want 1 and 1", items, questions)
	}
	if _, err := s.GetItem(inflight); err != nil {
		t.Errorf("in-flight item removed by clear: %v", err)
	}
}

func TestSaveQuestion_Conflicts(t *testing.T) {
	s := openTestStore(t)

	seq := mustEnqueue(t, s, textItem("alice", "a", note.Work))
	q := note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: seq, Question: "?", CreatedAt: time.Now()}
	if err := s.SaveQuestion(q); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}

	q.ReplyTarget = "q2"
	if err := s.SaveQuestion(q); !errors.Is(err, ErrConflict) {
		t.Errorf("second question err = %v, want ErrConflict", err)
	}

	other := mustEnqueue(t, s, textItem("alice", "b", note.Work))
	s.ClaimItems("alice", "run-1", false)
	err := s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q3", UserID: "alice", ItemSeq: other, Question: "?", CreatedAt: time.Now()})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("question on in-flight item err = %v, want ErrConflict", err)
	}

	err = s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q4", UserID: "bob", ItemSeq: seq, Question: "?", CreatedAt: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("question for other user's item err = %v, want ErrNotFound", err)
	}
}

func TestAnswerQuestion_ByReplyTargetAndAlias(t *testing.T) {
	s := openTestStore(t)

	a := mustEnqueue(t, s, textItem("alice", "a", note.Work))
	b := mustEnqueue(t, s, textItem("alice", "b", note.Work))
	s.SaveQuestion(note.PendingQuestion{ReplyTarget: "qa", UserID: "alice", ItemSeq: a, Question: "which a?", CreatedAt: time.Now()})
	s.SaveQuestion(note.PendingQuestion{ReplyTarget: "qb", UserID: "alice", ItemSeq: b, Question: "which b?", CreatedAt: time.Now()})
	if err := s.SetDeliveryRef("alice", "qb", "msg-77"); err != nil {
		t.Fatalf("SetDeliveryRef: %v", err)
	}

	it, err := s.AnswerQuestion("alice", "qa", "the first")
	if err != nil {
		t.Fatalf("AnswerQuestion(qa): %v", err)
	}
	if it.Seq != a || it.Answer != "the first" || it.Clarification != note.ClarificationAnswered {
		t.Errorf("answered item = %+v", it)
	}

	it, err = s.AnswerQuestion("alice", "msg-77", "the second")
	if err != nil {
		t.Fatalf("AnswerQuestion(msg-77): %v", err)
	}
	if it.Seq != b {
		t.Errorf("alias resolved to seq %d, want %d", it.Seq, b)
	}

	if _, err := s.AnswerQuestion("alice", "qa", "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second answer err = %v, want ErrNotFound", err)
	}
	if _, err := s.AnswerQuestion("bob", "qb", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user answer err = %v, want ErrNotFound", err)
	}
}

func TestAnswerQuestion_InFlightItemUnknown(t *testing.T) {
	s := openTestStore(t)

	seq := mustEnqueue(t, s, textItem("alice", "a", note.Work))
	s.SaveQuestion(note.PendingQuestion{ReplyTarget: "q1", UserID: "alice", ItemSeq: seq, Question: "?", CreatedAt: time.Now()})
	s.ClaimItems("alice", "run-1", false)

	if _, err := s.AnswerQuestion("alice", "q1", "late"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("answer for in-flight item err = %v, want ErrNotFound", err)
	}
	it, err := s.GetItem(seq)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.Answer != "" {
		t.Errorf("in-flight item answer = %q, want empty", it.Answer)
	}
}

func TestSetDeliveryRef_Unknown(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetDeliveryRef("alice", "nope", "ref"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDeliveryRef err = %v, want ErrNotFound", err)
	}
}

func TestRuns_History(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2"} {
		if err := s.StartRun(Run{ID: id, UserID: "alice", StartedAt: base.Add(time.Duration(i) * time.Minute), ItemCount: 3}); err != nil {
			t.Fatalf("StartRun(%s): %v", id, err)
		}
	}
	done := base.Add(5 * time.Minute)
	if err := s.FinishRun(Run{ID: "r2", Status: RunSucceeded, DocumentCount: 2, RejectedCount: 1, CommitRef: "abc", FinishedAt: &done}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := s.FinishRun(Run{ID: "missing", Status: RunFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(missing) err = %v, want ErrNotFound", err)
	}

	runs, err := s.ListRuns("alice", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].ID != "r2" {
		t.Errorf("first run = %q, want newest r2", runs[0].ID)
	}
	if runs[0].Status != RunSucceeded || runs[0].DocumentCount != 2 || runs[0].CommitRef != "abc" {
		t.Errorf("r2 = %+v", runs[0])
	}
	if runs[0].FinishedAt == nil || !runs[0].FinishedAt.Equal(done) {
		t.Errorf("r2 FinishedAt = %v, want %v", runs[0].FinishedAt, done)
	}
	if runs[1].Status != RunRunning || runs[1].FinishedAt != nil {
		t.Errorf("r1 = %+v, want running and unfinished", runs[1])
	}
}
