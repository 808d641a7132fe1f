package entities

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pmdash/internal/slogutil"
	"pmdash/internal/storage"
)

const testProject = "demo"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(t.TempDir(), slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestDocuments_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	commit := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	doc := &Document{
		ID:             "docs/auth/login.md",
		CanonicalPath:  "docs/auth/login.md",
		RootKind:       RootOther,
		Subtype:        "design",
		Status:         "draft",
		Title:          "Login",
		RelatedRefs:    []string{"docs/auth/session.md"},
		LinkedFeatures: []string{"login-v1"},
		PRDRef:         "docs/prds/login.md",
		Body:           "# Login\n",
		Extra:          map[string]interface{}{"owner": "ana"},
		Hash:           "abc",
		LastCommitAt:   &commit,
	}
	if err := s.SaveDocuments(testProject, []*Document{doc}); err != nil {
		t.Fatalf("SaveDocuments() error = %v", err)
	}

	got, err := s.GetDocument(testProject, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	missing, err := s.GetDocument(testProject, "docs/nope.md")
	if err != nil || missing != nil {
		t.Errorf("GetDocument(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestDocuments_ReplaceTombstones(t *testing.T) {
	s := newTestStore(t)

	a := &Document{ID: "docs/a.md", CanonicalPath: "docs/a.md", RootKind: RootOther}
	b := &Document{ID: "docs/b.md", CanonicalPath: "docs/b.md", RootKind: RootOther}
	if _, err := s.ReplaceDocuments(testProject, []*Document{a, b}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReplaceDocuments(testProject, []*Document{a})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("tombstoned = %d, want 1", n)
	}

	live, err := s.ListDocuments(testProject, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ID != "docs/a.md" {
		t.Errorf("live documents = %v", live)
	}

	all, err := s.ListDocuments(testProject, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || !all[1].Tombstoned {
		t.Errorf("tombstoned document should be kept, got %+v", all)
	}

	// Re-saving revives it.
	if err := s.SaveDocuments(testProject, []*Document{b}); err != nil {
		t.Fatal(err)
	}
	live, _ = s.ListDocuments(testProject, false)
	if len(live) != 2 {
		t.Errorf("revived document missing, live = %d", len(live))
	}

	n, err = s.TombstoneDocuments(testProject, []string{"docs/b.md"})
	if err != nil || n != 1 {
		t.Errorf("TombstoneDocuments() = %d, %v", n, err)
	}
}

func TestFeatures_ReplaceKeepsRollupsUntilAnalytics(t *testing.T) {
	s := newTestStore(t)

	f := &Feature{ID: "login-v1", Name: "Login v1", PlanPath: "docs/plans/login-v1.md", PlanRefs: []string{"docs/prds/login.md"}}
	if _, err := s.ReplaceFeatures(testProject, []*Feature{f}); err != nil {
		t.Fatal(err)
	}

	task := &Task{ID: "T1", SourcePath: "progress/login.md", Status: "done"}
	if err := s.ReplaceTasks(testProject, []*Task{task}); err != nil {
		t.Fatal(err)
	}
	err := s.SaveAnalytics(testProject,
		map[string]string{task.Key(): "login-v1"},
		map[string]Rollup{"login-v1": {Total: 1, Done: 1}})
	if err != nil {
		t.Fatalf("SaveAnalytics() error = %v", err)
	}

	features, err := s.ListFeatures(testProject, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []*Feature{{ID: "login-v1", Name: "Login v1", PlanPath: "docs/plans/login-v1.md",
		PlanRefs: []string{"docs/prds/login.md"}, TasksTotal: 1, TasksDone: 1}}
	if diff := cmp.Diff(want, features); diff != "" {
		t.Errorf("features mismatch (-want +got):\n%s", diff)
	}

	tasks, err := s.ListTasks(testProject)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].FeatureID != "login-v1" {
		t.Errorf("task assignment not saved: %+v", tasks)
	}

	n, err := s.ReplaceFeatures(testProject, nil)
	if err != nil || n != 1 {
		t.Errorf("ReplaceFeatures(nil) = %d, %v; want 1 tombstoned", n, err)
	}
}

func TestTasks_ReplaceForSources(t *testing.T) {
	s := newTestStore(t)

	err := s.ReplaceTasks(testProject, []*Task{
		{ID: "T1", SourcePath: "progress/a.md"},
		{ID: "T1", SourcePath: "progress/b.md"},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.ReplaceTasksForSources(testProject, []string{"progress/a.md"}, []*Task{
		{ID: "T2", SourcePath: "progress/a.md"},
	})
	if err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks(testProject)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, task := range tasks {
		keys = append(keys, task.Key())
	}
	if diff := cmp.Diff([]string{"progress/a.md#T2", "progress/b.md#T1"}, keys); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestSessions_ReplaceAndDelete(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	sess := &Session{
		ID:          "s-001",
		SourcePath:  ".claude/sessions/s-001.jsonl",
		Commands:    []Command{{Name: "implement", Args: []string{"login-v1"}}},
		FileUpdates: []FileUpdate{{Path: "docs/auth/login.md", Action: FileWrite}},
		StartedAt:   &start,
	}
	other := &Session{ID: "s-002", SourcePath: ".claude/sessions/s-002.jsonl"}
	if _, err := s.ReplaceSessions(testProject, []*Session{sess, other}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.ReplaceSessions(testProject, []*Session{sess})
	if err != nil || removed != 1 {
		t.Errorf("ReplaceSessions() removed = %d, %v; want 1", removed, err)
	}

	got, err := s.ListSessions(testProject)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]*Session{sess}, got); diff != "" {
		t.Errorf("sessions mismatch (-want +got):\n%s", diff)
	}

	n, err := s.DeleteSessionsBySource(testProject, []string{sess.SourcePath})
	if err != nil || n != 1 {
		t.Errorf("DeleteSessionsBySource() = %d, %v", n, err)
	}
}

func TestReplace_MoreIDsThanBindVariables(t *testing.T) {
	if testing.Short() {
		t.Skip("large batch")
	}
	s := newTestStore(t)
	const n = 33000 // SQLite allows at most 32766 variables per statement

	sessions := make([]*Session, n)
	docs := make([]*Document, n)
	ids := make([]string, n)
	for i := range sessions {
		id := fmt.Sprintf("s-%05d", i)
		sessions[i] = &Session{ID: id, SourcePath: ".claude/sessions/" + id + ".jsonl"}
		ids[i] = fmt.Sprintf("docs/bulk/%05d.md", i)
		docs[i] = &Document{ID: ids[i], CanonicalPath: ids[i], RootKind: RootOther}
	}

	if _, err := s.ReplaceSessions(testProject, sessions); err != nil {
		t.Fatal(err)
	}
	removed, err := s.ReplaceSessions(testProject, sessions[1:])
	if err != nil || removed != 1 {
		t.Errorf("ReplaceSessions() removed = %d, %v; want 1", removed, err)
	}

	if _, err := s.ReplaceDocuments(testProject, docs); err != nil {
		t.Fatal(err)
	}
	tombstoned, err := s.ReplaceDocuments(testProject, docs[:n-2])
	if err != nil || tombstoned != 2 {
		t.Errorf("ReplaceDocuments() tombstoned = %d, %v; want 2", tombstoned, err)
	}
	tombstoned, err = s.TombstoneDocuments(testProject, ids)
	if err != nil || tombstoned != n-2 {
		t.Errorf("TombstoneDocuments() = %d, %v; want %d", tombstoned, err, n-2)
	}

	paths := make([]string, 0, n)
	for _, sess := range sessions {
		paths = append(paths, sess.SourcePath)
	}
	deleted, err := s.DeleteSessionsBySource(testProject, paths)
	if err != nil || deleted != n-1 {
		t.Errorf("DeleteSessionsBySource() = %d, %v; want %d", deleted, err, n-1)
	}
}

func TestLinkKindFor(t *testing.T) {
	tests := []struct {
		source, target Kind
		want           LinkKind
		ok             bool
	}{
		{KindDocument, KindFeature, LinkDocumentFeature, true},
		{KindDocument, KindDocument, LinkDocumentDocument, true},
		{KindDocument, KindSession, LinkDocumentSession, true},
		{KindSession, KindFeature, LinkSessionFeature, true},
		{KindSession, KindDocument, LinkSessionDocument, true},
		{KindTask, KindFeature, LinkTaskFeature, true},
		{KindFeature, KindDocument, "", false},
		{KindSession, KindSession, "", false},
	}
	for _, tt := range tests {
		got, ok := LinkKindFor(tt.source, tt.target)
		if got != tt.want || ok != tt.ok {
			t.Errorf("LinkKindFor(%s, %s) = %s, %v; want %s, %v", tt.source, tt.target, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLink_Tiers(t *testing.T) {
	strong := &Link{Confidence: 0.75, SignalType: SignalPathMatch}
	weak := &Link{Confidence: 0.45, SignalType: SignalPathMatch}
	suggestion := &Link{Confidence: 0.6, SignalType: SignalSuggestion}

	if !strong.PrimaryEligible() {
		t.Error("0.75 path_match should be primary-eligible")
	}
	if weak.PrimaryEligible() || suggestion.PrimaryEligible() {
		t.Error("suggestion tier must never be primary-eligible")
	}
}
