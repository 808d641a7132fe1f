package syncer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/links"
	"pmdash/internal/operations"
	"pmdash/internal/slogutil"
	"pmdash/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type harness struct {
	fx       *testutil.Fixture
	syncer   *Syncer
	links    *links.Store
	entities *entities.Store
	ops      *operations.Store
	registry *operations.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := testutil.NewFixture(t)
	db := fx.OpenDB()
	logger := slogutil.NewDiscardLogger()
	ops := operations.NewStore(db, logger)
	reg := operations.NewRegistry(ops, 15*time.Minute, logger)

	s := New(Options{
		Project:  fx.Project,
		Config:   fx.Config,
		DB:       db,
		Registry: reg,
		Logger:   logger,
	})
	t.Cleanup(s.Wait)

	return &harness{
		fx:       fx,
		syncer:   s,
		links:    links.NewStore(db),
		entities: entities.NewStore(db),
		ops:      ops,
		registry: reg,
	}
}

func (h *harness) run(t *testing.T, kind operations.Kind, scope ...string) *operations.Operation {
	t.Helper()
	op, err := h.syncer.Run(context.Background(), kind, scope)
	require.NoError(t, err)
	require.Equal(t, operations.StatusCompleted, op.Status)
	return op
}

func (h *harness) linksFrom(t *testing.T, sourceID string) []*entities.Link {
	t.Helper()
	got, err := h.links.ListBySource(h.fx.Project.ID, sourceID)
	require.NoError(t, err)
	return got
}

func find(list []*entities.Link, targetKind entities.Kind, targetID string) *entities.Link {
	for _, l := range list {
		if l.TargetKind == targetKind && l.TargetID == targetID {
			return l
		}
	}
	return nil
}

// writeLoginProject lays out the login-v1 feature with a plan, a feature doc,
// a progress note with tasks and one agent session.
func writeLoginProject(fx *testutil.Fixture) {
	fx.WritePlan("login-v1", "Login v1")
	fx.WriteDoc("docs/auth/login.md", "title: Login flow\nfeature: login-v1", "# Login\n")
	fx.WriteDoc(".claude/progress/login-v1/phase-1-progress.md", `
title: Phase 1
tasks:
  - id: T1
    title: Build form
    status: done
    feature: login-v1
  - id: T2
    title: Wire API
    status: pending`, "Progress.\n")
	fx.WriteDoc(".claude/progress/notes/misc.md", "related: empty to clear mapping", "empty to clear mapping\n")

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	fx.WriteSession("s-001",
		testutil.CommandLine(at, "implement", "login-v1 docs/plans/login-v1.md"),
		testutil.ToolLine(at.Add(time.Minute), "Edit", "docs/auth/login.md"),
	)
}

func TestFullSync_LoginScenario(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)

	op := h.run(t, operations.KindFullSync)
	require.Equal(t, operations.PhaseCompleted, op.Phase)
	for _, phase := range operations.Phases(operations.KindFullSync) {
		require.Contains(t, op.Counters, phase)
	}

	login := find(h.linksFrom(t, "docs/auth/login.md"), entities.KindFeature, "login-v1")
	require.NotNil(t, login)
	require.Equal(t, 0.95, login.Confidence)
	require.True(t, login.IsPrimary)
	require.Equal(t, entities.SignalExplicitRef, login.SignalType)
	require.Equal(t, entities.LinkDocumentFeature, login.LinkKind)

	// Prose in a frontmatter field is rejected by the grammar.
	require.Empty(t, h.linksFrom(t, ".claude/progress/notes/misc.md"))

	session := h.linksFrom(t, "s-001")
	toFeature := find(session, entities.KindFeature, "login-v1")
	require.NotNil(t, toFeature)
	require.True(t, toFeature.IsPrimary)
	require.Equal(t, entities.LinkSessionFeature, toFeature.LinkKind)
	toDoc := find(session, entities.KindDocument, "docs/auth/login.md")
	require.NotNil(t, toDoc)
	require.Equal(t, entities.SignalFileWrite, toDoc.SignalType)

	features, err := h.entities.ListFeatures(h.fx.Project.ID, false)
	require.NoError(t, err)
	require.Len(t, features, 1)
	require.Equal(t, 2, features[0].TasksTotal)
	require.Equal(t, 1, features[0].TasksDone)

	tasks, err := h.entities.ListTasks(h.fx.Project.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, "login-v1", task.FeatureID, "task %s", task.Key())
	}
}

func TestRebuildLinks_Idempotent(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)
	h.run(t, operations.KindFullSync)

	first := h.run(t, operations.KindRebuildLinks)
	require.Equal(t, operations.PhaseLinksCompleted, first.Phase)
	before, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	h.run(t, operations.KindRebuildLinks)
	after, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)

	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(entities.Link{}, "LastSeenOperationID")); diff != "" {
		t.Errorf("rebuild_links changed the link table (-before +after):\n%s", diff)
	}
}

func TestFullSync_NonTransitive(t *testing.T) {
	h := newHarness(t)
	h.fx.WritePlan("gamma", "Gamma")
	h.fx.WriteDoc("docs/notes/a.md", "related: docs/notes/b.md", "")
	h.fx.WriteDoc("docs/notes/b.md", "feature: gamma", "")

	h.run(t, operations.KindFullSync)

	fromA := h.linksFrom(t, "docs/notes/a.md")
	require.NotNil(t, find(fromA, entities.KindDocument, "docs/notes/b.md"))
	require.Nil(t, find(fromA, entities.KindFeature, "gamma"), "a must not inherit b's feature")

	require.NotNil(t, find(h.linksFrom(t, "docs/notes/b.md"), entities.KindFeature, "gamma"))
}

func TestFullSync_PrimaryAndSuggestionInvariants(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)
	h.fx.WritePlan("login-v2", "Login v2")
	h.fx.WritePlan("auth-core", "Auth core")
	h.fx.WriteDoc("docs/auth/tokens.md", "linked_features: [auth-core, login-v2]", "")
	h.fx.WriteDoc("docs/login/overview.md", "", "")

	h.run(t, operations.KindFullSync)

	all, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)

	type sourceTarget struct {
		source entities.Ref
		kind   entities.Kind
	}
	primaries := make(map[sourceTarget]int)
	for _, l := range all {
		if l.IsPrimary {
			primaries[sourceTarget{l.Source(), l.TargetKind}]++
		}
		if l.Confidence < 0.5 {
			require.False(t, l.IsPrimary, "suggestion-tier link %s is primary", l.Key())
		}
		require.NotEqual(t, l.Source(), l.Target(), "self link %s", l.Key())
	}
	for key, n := range primaries {
		require.Equal(t, 1, n, "source %s has %d primaries to %s", key.source, n, key.kind)
	}
}

func TestFullSync_FanoutCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	h.fx.WritePlan("hub", "Hub")

	var sb strings.Builder
	sb.WriteString("version = 1\n")
	for i := 1; i <= 15; i++ {
		rel := fmt.Sprintf("docs/misc/note-%02d.md", i)
		h.fx.WriteDoc(rel, "", "note\n")
		fmt.Fprintf(&sb, "\n[[mapping]]\nsource = %q\nsource_kind = \"document\"\ntarget = \"hub\"\ntarget_kind = \"feature\"\nconfidence = 0.6\n", rel)
	}
	h.fx.Write(".pmdash/mappings.toml", sb.String())

	h.run(t, operations.KindFullSync)

	toHub, err := h.links.ListByTargetRef(h.fx.Project.ID, entities.Ref{Kind: entities.KindFeature, ID: "hub"})
	require.NoError(t, err)
	require.Len(t, toHub, 16) // 15 notes plus the plan itself

	var aboveFloor, demoted int
	for _, l := range toHub {
		if l.Confidence >= h.fx.Config.Audit.PrimaryFloor {
			aboveFloor++
		}
		if l.Demoted {
			demoted++
			require.Equal(t, 0.45, l.Confidence)
			require.Equal(t, entities.SignalSuggestion, l.SignalType)
			require.False(t, l.IsPrimary)
		}
	}
	require.Equal(t, h.fx.Config.Correlation.FanoutLimit, aboveFloor)
	require.Equal(t, 6, demoted)

	kept := find(h.linksFrom(t, "docs/misc/note-01.md"), entities.KindFeature, "hub")
	require.NotNil(t, kept)
	require.False(t, kept.Demoted)
	cut := find(h.linksFrom(t, "docs/misc/note-15.md"), entities.KindFeature, "hub")
	require.NotNil(t, cut)
	require.True(t, cut.Demoted)
}

func TestFullSync_PrunesRenamedDocument(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)
	h.run(t, operations.KindFullSync)
	before := find(h.linksFrom(t, "docs/auth/login.md"), entities.KindFeature, "login-v1")
	require.NotNil(t, before)

	h.fx.Rename("docs/auth/login.md", "docs/auth/signin.md")
	h.run(t, operations.KindFullSync)

	require.Empty(t, h.linksFrom(t, "docs/auth/login.md"))
	after := find(h.linksFrom(t, "docs/auth/signin.md"), entities.KindFeature, "login-v1")
	require.NotNil(t, after)
	require.Equal(t, before.Confidence, after.Confidence)
	require.Equal(t, before.SignalType, after.SignalType)
	require.Equal(t, before.IsPrimary, after.IsPrimary)

	old, err := h.entities.GetDocument(h.fx.Project.ID, "docs/auth/login.md")
	require.NoError(t, err)
	require.NotNil(t, old)
	require.True(t, old.Tombstoned)
}

func TestRun_RejectsConcurrentOperation(t *testing.T) {
	h := newHarness(t)

	active, err := h.registry.Begin(h.fx.Project.ID, operations.KindFullSync, nil)
	require.NoError(t, err)

	_, err = h.syncer.Run(context.Background(), operations.KindRebuildLinks, nil)
	require.True(t, pmerrors.Is(err, pmerrors.OperationInProgress), "got %v", err)

	_, err = h.syncer.Start(context.Background(), operations.KindFullSync, nil)
	require.True(t, pmerrors.Is(err, pmerrors.OperationInProgress), "got %v", err)

	require.NoError(t, active.Complete())
	h.run(t, operations.KindRebuildLinks)
}

func TestStart_RunsInBackground(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)

	handle, err := h.syncer.Start(context.Background(), operations.KindFullSync, nil)
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("operation did not finish")
	}
	h.syncer.Wait()

	stored, err := h.ops.Get(handle.ID())
	require.NoError(t, err)
	require.Equal(t, operations.StatusCompleted, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestSyncChanged_AddsAndRemoves(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)
	h.run(t, operations.KindFullSync)

	h.fx.WriteDoc("docs/auth/logout.md", "feature: login-v1", "")
	op := h.run(t, operations.KindSyncChangedFiles, "docs/auth/logout.md")
	require.Equal(t, []string{"docs/auth/logout.md"}, op.Scope)

	logout := find(h.linksFrom(t, "docs/auth/logout.md"), entities.KindFeature, "login-v1")
	require.NotNil(t, logout)
	require.True(t, logout.IsPrimary)

	// Removing a document clears its primaries; the rows stay until a full sync.
	h.fx.Remove("docs/auth/logout.md")
	h.run(t, operations.KindSyncChangedFiles, h.fx.Root+"/docs/auth/logout.md")
	for _, l := range h.linksFrom(t, "docs/auth/logout.md") {
		require.False(t, l.IsPrimary)
	}
	doc, err := h.entities.GetDocument(h.fx.Project.ID, "docs/auth/logout.md")
	require.NoError(t, err)
	require.True(t, doc.Tombstoned)

	h.run(t, operations.KindFullSync)
	require.Empty(t, h.linksFrom(t, "docs/auth/logout.md"))
}

func TestSyncChanged_FanoutMatchesRebuild(t *testing.T) {
	h := newHarness(t)
	h.fx.WritePlan("hub", "Hub")

	var sb strings.Builder
	sb.WriteString("version = 1\n")
	for i := 1; i <= 9; i++ {
		rel := fmt.Sprintf("docs/misc/note-%02d.md", i)
		h.fx.WriteDoc(rel, "", "note\n")
		fmt.Fprintf(&sb, "\n[[mapping]]\nsource = %q\nsource_kind = \"document\"\ntarget = \"hub\"\ntarget_kind = \"feature\"\nconfidence = 0.6\n", rel)
	}
	h.fx.Write(".pmdash/mappings.toml", sb.String())
	h.run(t, operations.KindFullSync)
	require.False(t, find(h.linksFrom(t, "docs/misc/note-09.md"), entities.KindFeature, "hub").Demoted)

	// An eleventh eligible source outranks the weakest note.
	h.fx.WriteDoc("docs/misc/new.md", "feature: hub", "")
	h.run(t, operations.KindSyncChangedFiles, "docs/misc/new.md")

	added := find(h.linksFrom(t, "docs/misc/new.md"), entities.KindFeature, "hub")
	require.NotNil(t, added)
	require.Equal(t, 0.95, added.Confidence)
	require.Equal(t, entities.SignalExplicitRef, added.SignalType)
	require.False(t, added.Demoted)
	require.True(t, added.IsPrimary)

	cut := find(h.linksFrom(t, "docs/misc/note-09.md"), entities.KindFeature, "hub")
	require.NotNil(t, cut)
	require.True(t, cut.Demoted)
	require.Equal(t, 0.45, cut.Confidence)
	require.False(t, cut.IsPrimary)

	before, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)
	h.run(t, operations.KindRebuildLinks)
	after, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)

	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(entities.Link{}, "LastSeenOperationID", "UpdatedAt")); diff != "" {
		t.Errorf("rebuild_links disagreed with sync_changed_files (-incremental +rebuild):\n%s", diff)
	}

	// Dropping the new source gives its slot back.
	h.fx.Remove("docs/misc/new.md")
	h.run(t, operations.KindSyncChangedFiles, "docs/misc/new.md")
	restored := find(h.linksFrom(t, "docs/misc/note-09.md"), entities.KindFeature, "hub")
	require.NotNil(t, restored)
	require.False(t, restored.Demoted)
	require.Equal(t, 0.6, restored.Confidence)
}

func TestSyncChanged_ProgressTasks(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)
	h.run(t, operations.KindFullSync)

	h.fx.WriteDoc(".claude/progress/login-v1/phase-1-progress.md", `
tasks:
  - id: T1
    status: done
  - id: T2
    status: done
  - id: T3
    status: pending`, "")
	h.run(t, operations.KindSyncChangedFiles, ".claude/progress/login-v1/phase-1-progress.md")

	features, err := h.entities.ListFeatures(h.fx.Project.ID, false)
	require.NoError(t, err)
	require.Len(t, features, 1)
	require.Equal(t, 3, features[0].TasksTotal)
	require.Equal(t, 2, features[0].TasksDone)
}

func TestSyncChanged_InvalidScope(t *testing.T) {
	h := newHarness(t)

	_, err := h.syncer.Run(context.Background(), operations.KindSyncChangedFiles, []string{"../outside.md"})
	require.True(t, pmerrors.Is(err, pmerrors.InvalidPath), "got %v", err)

	_, err = h.syncer.Run(context.Background(), operations.KindSyncChangedFiles, nil)
	require.True(t, pmerrors.Is(err, pmerrors.InvalidPath), "got %v", err)

	require.Nil(t, h.registry.Active(h.fx.Project.ID))
}

func TestRebuildLinks_PhaseFailureKeepsPriorWrites(t *testing.T) {
	h := newHarness(t)
	writeLoginProject(h.fx)
	h.run(t, operations.KindFullSync)
	before, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)

	h.fx.Write(".pmdash/mappings.toml", "[[mapping]\nbroken")
	op, err := h.syncer.Run(context.Background(), operations.KindRebuildLinks, nil)
	require.Error(t, err)
	require.True(t, pmerrors.Is(err, pmerrors.PhaseFailed), "got %v", err)
	require.Equal(t, operations.StatusFailed, op.Status)
	require.Equal(t, operations.PhaseLinksInit, op.Phase)
	require.NotEmpty(t, op.Error)

	stored, err := h.ops.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, operations.StatusFailed, stored.Status)

	after, err := h.links.ListAll(h.fx.Project.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	require.Nil(t, h.registry.Active(h.fx.Project.ID))
}
