package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pmdash/internal/audit"
	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/export"
	"pmdash/internal/operations"
	"pmdash/internal/slogutil"
	"pmdash/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func openEngine(t *testing.T, fx *testutil.Fixture) *Engine {
	t.Helper()
	e, err := Open(fx.Root, fx.Config, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func syncAndWait(t *testing.T, e *Engine, kind operations.Kind, scope ...string) *operations.Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := e.StartOperation(ctx, kind, scope)
	require.NoError(t, err)
	op, err := e.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, operations.StatusCompleted, op.Status, "operation error: %s", op.Error)
	return op
}

func TestOpen_OutsideProject(t *testing.T) {
	_, err := Open(t.TempDir(), nil, nil)
	require.True(t, pmerrors.Is(err, pmerrors.ProjectNotFound), "got %v", err)
}

func TestOpen_FromSubdirectory(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.WriteDoc("docs/notes/a.md", "", "")

	e := openEngine(t, fx)
	// Open walks up from a nested directory to the descriptor.
	nested, err := Open(filepath.Join(fx.Root, "docs", "notes"), fx.Config, nil)
	require.NoError(t, err)
	require.NoError(t, nested.Close())
	require.Equal(t, fx.Project.ID, e.Project().ID)
}

func TestGetOperation_NotFound(t *testing.T) {
	e := openEngine(t, testutil.NewFixture(t))

	_, err := e.GetOperation("missing")
	require.True(t, pmerrors.Is(err, pmerrors.OperationNotFound), "got %v", err)
}

func TestStartOperation_AndList(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.WritePlan("login-v1", "Login v1")
	fx.WriteDoc("docs/auth/login.md", "feature: login-v1", "")
	e := openEngine(t, fx)

	full := syncAndWait(t, e, operations.KindFullSync)
	links := syncAndWait(t, e, operations.KindRebuildLinks)

	list, err := e.ListOperations(operations.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, list.TotalCount)
	ids := []string{list.Operations[0].ID, list.Operations[1].ID}
	require.ElementsMatch(t, []string{full.ID, links.ID}, ids)

	byKind, err := e.ListOperations(operations.ListOptions{Kind: []operations.Kind{operations.KindRebuildLinks}})
	require.NoError(t, err)
	require.Equal(t, 1, byKind.TotalCount)

	stored, err := e.GetOperation(full.ID)
	require.NoError(t, err)
	require.Equal(t, operations.PhaseCompleted, stored.Phase)
}

func TestGetLinksFor(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.WritePlan("login-v1", "Login v1")
	fx.WriteDoc("docs/auth/login.md", "feature: login-v1", "")
	e := openEngine(t, fx)
	syncAndWait(t, e, operations.KindFullSync)

	got, err := e.GetLinksFor(filepath.Join(fx.Root, "docs", "auth", "login.md"))
	require.NoError(t, err)
	require.Equal(t, "docs/auth/login.md", got.EntityID)
	require.NotEmpty(t, got.Outgoing)
	require.Equal(t, "login-v1", got.Outgoing[0].TargetID)
	require.NotNil(t, got.Incoming)

	feature, err := e.GetLinksFor("login-v1")
	require.NoError(t, err)
	require.Empty(t, feature.Outgoing)
	require.Len(t, feature.Incoming, 2)

	_, err = e.GetLinksFor("../elsewhere.md")
	require.True(t, pmerrors.Is(err, pmerrors.InvalidPath), "got %v", err)
}

func TestGetAudit_UsesConfiguredFloors(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.Config.Audit.FanoutFloor = 2
	fx.WritePlan("hub", "Hub")
	fx.WriteDoc("docs/hub/a.md", "", "")
	fx.WriteDoc("docs/hub/b.md", "", "")
	e := openEngine(t, fx)
	syncAndWait(t, e, operations.KindFullSync)

	report, err := e.GetAudit(context.Background(), audit.Options{FeatureID: "hub"})
	require.NoError(t, err)
	require.Equal(t, fx.Project.ID, report.ProjectID)
	require.Equal(t, 3, report.Summary.TotalLinks)
	for _, s := range report.Suspects {
		require.Equal(t, entities.KindFeature, s.Link.TargetKind)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	fx := testutil.NewFixture(t)
	e := openEngine(t, fx)

	h, err := e.registry.Begin(fx.Project.ID, operations.KindFullSync, nil)
	require.NoError(t, err)
	defer func() { _ = h.Complete() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	op, err := e.Wait(ctx, h.ID(), 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, operations.StatusQueued, op.Status)
}

func TestPruneHistory(t *testing.T) {
	fx := testutil.NewFixture(t)
	e := openEngine(t, fx)
	syncAndWait(t, e, operations.KindFullSync)

	n, err := e.PruneHistory()
	require.NoError(t, err)
	require.Zero(t, n)

	list, err := e.ListOperations(operations.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, list.TotalCount)
}

func TestExport_WritesCompressedFile(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.WritePlan("login-v1", "Login v1")
	fx.WriteDoc("docs/auth/login.md", "feature: login-v1", "")
	e := openEngine(t, fx)
	syncAndWait(t, e, operations.KindFullSync)

	out := filepath.Join(t.TempDir(), "out", "links.jsonl.zst")
	res, err := e.Export(context.Background(), out, export.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Features)
	require.GreaterOrEqual(t, res.Links, 1)

	records, err := export.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, records, 1+res.Features+res.Links)
}
