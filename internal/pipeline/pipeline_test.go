package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/vault"
)

// fakeTransformer returns canned output per partition and records requests.
type fakeTransformer struct {
	mu       sync.Mutex
	out      map[note.Partition]string
	err      error
	requests []Request
}

func (f *fakeTransformer) Structure(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.out[req.Partition], nil
}

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 500, time.UTC)

func newTestPipeline(f *fakeTransformer) *Pipeline {
	return New(f).WithClock(func() time.Time { return fixedNow })
}

func item(seq int64, p note.Partition, text string) note.Item {
	return note.Item{
		Seq:           seq,
		UserID:        "alice",
		Payload:       note.Payload{Kind: note.KindText, Text: text},
		Partition:     p,
		Clarification: note.ClarificationNone,
	}
}

const taskDoc = `---
id: 202503011000
title: Fix deploy pipeline flakiness
type: tasks
tags: [#delivery, #risk]
links: [[[Deploy Pipeline Ownership]]]
status: open
due: TBD
---

The integration stage fails intermittently and blocks releases.`

const permanentDoc = `---
title: Deploy Pipeline Ownership
type: permanent
tags: [#process]
links: []
---

Every pipeline needs a single owning team.`

func TestBuild_SingleTask(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: `---
title: Fix the deploy pipeline flakiness
type: tasks
tags: [#delivery]
links: []
---

Investigate and fix the flaky deploy pipeline.`}}

	batch, warnings, err := newTestPipeline(f).Build(context.Background(),
		[]note.Item{item(1, note.Work, "Fix the deploy pipeline flakiness")}, "")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, batch.Documents, 1)

	d := batch.Documents[0]
	assert.Equal(t, vault.TypeTasks, d.Type)
	assert.Equal(t, "20250301100000", d.ID)
	assert.Equal(t, vault.DefaultTaskStatus, d.Status)
	assert.Empty(t, d.Due)
	assert.Equal(t, note.Work, d.Partition)
	assert.Equal(t, d.ID, batch.LastID)
}

func TestBuild_AssignsIDsAndResolvesLinks(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{
		note.Work: "```markdown\n" + taskDoc + "\n===\n" + permanentDoc + "\n```",
	}}

	batch, warnings, err := newTestPipeline(f).Build(context.Background(),
		[]note.Item{item(1, note.Work, "deploys are flaky, who owns them?")}, "")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, batch.Documents, 2)

	task, perm := batch.Documents[0], batch.Documents[1]
	assert.Equal(t, "20250301100000", task.ID, "transform-provided id must be ignored")
	assert.Equal(t, "20250301100001", perm.ID)
	assert.Equal(t, []string{"delivery", "risk"}, task.Tags)
	assert.Equal(t, []string{perm.ID}, task.Links)
	assert.Empty(t, perm.Links)
}

func TestBuild_IDsFollowWatermark(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: permanentDoc}}

	batch, _, err := newTestPipeline(f).Build(context.Background(),
		[]note.Item{item(1, note.Work, "x")}, "20250301100005")
	require.NoError(t, err)
	assert.Equal(t, "20250301100006", batch.Documents[0].ID)

	batch, _, err = newTestPipeline(f).Build(context.Background(),
		[]note.Item{item(1, note.Work, "x")}, "20240101000000")
	require.NoError(t, err)
	assert.Equal(t, "20250301100000", batch.Documents[0].ID)
}

// TestBuild_SharedPipelineNeverRepeatsIDs covers two uncommitted runs on one
// pipeline: the persisted watermark has not moved, yet ids must not repeat.
func TestBuild_SharedPipelineNeverRepeatsIDs(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: permanentDoc}}
	p := newTestPipeline(f)

	a, _, err := p.Build(context.Background(), []note.Item{item(1, note.Work, "x")}, "")
	require.NoError(t, err)
	b, _, err := p.Build(context.Background(), []note.Item{item(2, note.Work, "y")}, "")
	require.NoError(t, err)

	assert.Equal(t, "20250301100000", a.LastID)
	assert.Equal(t, "20250301100001", b.LastID)
}

func TestBuild_SchemaViolationIsPerDocument(t *testing.T) {
	bad := `---
title: Mystery
type: unknown-type
---

Something.`
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: bad + "\n===\n" + permanentDoc}}

	batch, warnings, err := newTestPipeline(f).Build(context.Background(),
		[]note.Item{item(1, note.Work, "x")}, "")
	require.NoError(t, err)
	require.Len(t, batch.Documents, 1)
	assert.Equal(t, "Deploy Pipeline Ownership", batch.Documents[0].Title)

	require.Len(t, warnings, 1)
	assert.Equal(t, WarnSchemaViolation, warnings[0].Kind)
	assert.Equal(t, "Mystery", warnings[0].Title)
	assert.Contains(t, warnings[0].Message, "unknown-type")
}

func TestBuild_AllRejected(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: "---\ntitle: x\ntype: nope\n---\n\nbody"}}

	_, warnings, err := newTestPipeline(f).Build(context.Background(), []note.Item{item(1, note.Work, "x")}, "")
	assert.ErrorIs(t, err, ErrNoDocuments)
	assert.ErrorIs(t, err, ErrTransformMalformedOutput)
	assert.Len(t, warnings, 1)
}

func TestBuild_MalformedOutput(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: "Sorry, I can't help with that."}}

	_, _, err := newTestPipeline(f).Build(context.Background(), []note.Item{item(1, note.Work, "x")}, "")
	assert.ErrorIs(t, err, ErrTransformMalformedOutput)
	assert.False(t, errors.Is(err, ErrNoDocuments))
}

func TestBuild_TransformUnavailable(t *testing.T) {
	f := &fakeTransformer{err: errors.New("connection reset")}

	_, _, err := newTestPipeline(f).Build(context.Background(), []note.Item{item(1, note.Work, "x")}, "")
	assert.ErrorIs(t, err, ErrTransformUnavailable)
}

func TestBuild_GroupsByPartitionInOrder(t *testing.T) {
	personal := `---
title: Call mum
type: personal
tags: [family]
---

Call mum on Sunday.`
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: permanentDoc, note.Personal: personal}}

	items := []note.Item{
		item(1, note.Personal, "call mum"),
		item(2, note.Work, "ownership"),
		item(3, note.Personal, "book dentist"),
	}
	batch, _, err := newTestPipeline(f).Build(context.Background(), items, "")
	require.NoError(t, err)

	require.Len(t, f.requests, 2)
	byPartition := map[note.Partition][]int64{}
	for _, r := range f.requests {
		for _, e := range r.Entries {
			byPartition[r.Partition] = append(byPartition[r.Partition], e.Seq)
		}
	}
	assert.Equal(t, []int64{1, 3}, byPartition[note.Personal])
	assert.Equal(t, []int64{2}, byPartition[note.Work])

	require.Len(t, batch.Documents, 2)
	assert.Equal(t, note.Personal, batch.Documents[0].Partition)
	assert.Equal(t, note.Work, batch.Documents[1].Partition)
}

func TestBuild_UnresolvedClarificationWarns(t *testing.T) {
	f := &fakeTransformer{out: map[note.Partition]string{note.Work: permanentDoc}}

	pending := item(7, note.Work, "talk to Sam")
	pending.Clarification = note.ClarificationPending
	pending.Question = "Which Sam?"
	answered := item(8, note.Work, "fix it")
	answered.Clarification = note.ClarificationAnswered
	answered.Answer = "the login bug"

	_, warnings, err := newTestPipeline(f).Build(context.Background(), []note.Item{pending, answered}, "")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnUnresolvedClarification, warnings[0].Kind)
	assert.Equal(t, int64(7), warnings[0].ItemSeq)

	entries := f.requests[0].Entries
	assert.True(t, entries[0].Unresolved)
	assert.Equal(t, "Which Sam?", entries[0].Question)
	assert.False(t, entries[1].Unresolved)
	assert.Equal(t, "the login bug", entries[1].Answer)
}

func TestParseBlock_LenientFrontmatter(t *testing.T) {
	block := `---
title: Hiring: next steps
type: Meetings
tags: #hiring, #people
attendees: [Dana Lee, Sam]
date: 2025-03-01
links: [[Hiring Plan]], Budget
---

Agreed to open two roles.`

	doc, ok, err := parseBlock(block, note.Work)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "Hiring: next steps", doc.Title)
	assert.Equal(t, vault.TypeMeetings, doc.Type)
	assert.Equal(t, []string{"hiring", "people"}, doc.Tags)
	assert.Equal(t, []string{"Dana Lee", "Sam"}, doc.Attendees)
	assert.Equal(t, "2025-03-01", doc.Date)
	assert.Equal(t, "Agreed to open two roles.", doc.Body)
	assert.NoError(t, doc.Validate())
}

func TestSplitBlocks(t *testing.T) {
	got := SplitBlocks("===\nA\n===\n\n===\nB\n  ===  \nC")
	if diff := cmp.Diff([]string{"A", "B", "C"}, got); diff != "" {
		t.Errorf("SplitBlocks mismatch (-want +got):\n%s", diff)
	}
}

func TestIDSequence_StrictlyIncreasing(t *testing.T) {
	s := NewIDSequence(fixedNow, "")
	prev := ""
	for i := 0; i < 120; i++ {
		id := s.Next()
		require.True(t, vault.IsID(id), id)
		require.Greater(t, id, prev)
		prev = id
	}
}

// TestProperty11_ResolveLinksIdempotent verifies that a second resolution
// pass leaves every document unchanged.
func TestProperty11_ResolveLinksIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "num_docs")
		titles := rapid.SliceOfNDistinct(rapid.StringMatching(`[A-Z][a-z]{2,8}`), n, n, func(s string) string { return s }).Draw(rt, "titles")
		pool := append([]string{"Unknown thing", "20200101000000"}, titles...)

		ids := NewIDSequence(fixedNow, "")
		docs := make([]vault.Document, n)
		for i := range docs {
			docs[i] = vault.Document{
				ID:    ids.Next(),
				Title: titles[i],
				Type:  vault.TypeFleeting,
				Links: rapid.SliceOfN(rapid.SampledFrom(pool), 0, 4).Draw(rt, "links"),
				Body:  "b",
			}
		}

		once := ResolveLinks(docs)
		twice := ResolveLinks(once)
		if diff := cmp.Diff(once, twice); diff != "" {
			rt.Fatalf("second resolution changed the batch (-once +twice):\n%s", diff)
		}
		for _, d := range once {
			for _, l := range d.Links {
				for _, title := range titles {
					if l == title {
						rt.Fatalf("link %q to a sibling title was not resolved", l)
					}
				}
			}
		}
	})
}
