package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry/artifacts"
)

// flakyFiles wraps an artifacts store and fails writes while broken.
type flakyFiles struct {
	artifacts.Store
	broken bool
	puts   int
}

func (f *flakyFiles) Put(ctx context.Context, key string, data []byte) error {
	if f.broken {
		return errors.New("disk full")
	}

	f.puts++

	return f.Store.Put(ctx, key, data)
}

func setupReconciler(t *testing.T) (registry.Store, *flakyFiles, registry.Reconciler) {
	t.Helper()

	s := setupTestStore(t)
	files := &flakyFiles{Store: artifacts.NewLocal(t.TempDir())}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return s, files, registry.NewReconciler(log, s, files)
}

func TestReconciler_SyncIsIdempotent(t *testing.T) {
	s, files, rec := setupReconciler(t)
	ctx := context.Background()

	registerWithEvidence(t, s, "v1", 12, 10)
	promoteVersion(t, s, "v1")
	registerWithEvidence(t, s, "v2", 10, 10)

	assert.True(t, rec.Stale(), "stale until the first successful sync")

	first, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Pairs)
	assert.Equal(t, 2, first.FilesWritten)
	assert.False(t, rec.Stale())

	second, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.FilesWritten, "no diff on the second call")
	assert.True(t, second.InSync())
	assert.Equal(t, 2, files.puts)

	recs, err := s.ListReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1, "only syncs that changed files are recorded")
	assert.Equal(t, "acme/demand_forecast", recs[0].DivergedPairs)
}

func TestReconciler_FilesFollowPromotions(t *testing.T) {
	s, files, rec := setupReconciler(t)
	ctx := context.Background()

	registerWithEvidence(t, s, "v1", 12, 10)
	promoteVersion(t, s, "v1")

	_, err := rec.Sync(ctx)
	require.NoError(t, err)

	registerWithEvidence(t, s, "v2", 10, 10)
	promoteVersion(t, s, "v2")

	check, err := rec.Check(ctx)
	require.NoError(t, err)
	assert.False(t, check.InSync())
	assert.ElementsMatch(t, []string{
		"acme/demand_forecast/registry.json",
		"acme/demand_forecast/champion.json",
	}, check.Diverged)

	puts := files.puts

	_, err = rec.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, puts, files.puts, "check never writes")

	_, err = rec.Sync(ctx)
	require.NoError(t, err)

	data, err := files.Get(ctx, "acme/demand_forecast/champion.json")
	require.NoError(t, err)

	var pointer struct {
		Champion struct {
			Version string `json:"version"`
			Status  string `json:"status"`
		} `json:"champion"`
	}

	require.NoError(t, json.Unmarshal(data, &pointer))
	assert.Equal(t, "v2", pointer.Champion.Version)
	assert.Equal(t, "champion", pointer.Champion.Status)

	data, err = files.Get(ctx, "acme/demand_forecast/registry.json")
	require.NoError(t, err)

	var lineage struct {
		Versions []struct {
			Version string `json:"version"`
			Status  string `json:"status"`
		} `json:"versions"`
	}

	require.NoError(t, json.Unmarshal(data, &lineage))
	require.Len(t, lineage.Versions, 2)
	assert.Equal(t, "v1", lineage.Versions[0].Version)
	assert.Equal(t, "archived", lineage.Versions[0].Status)
}

func TestReconciler_OverwritesTamperedFiles(t *testing.T) {
	s, files, rec := setupReconciler(t)
	ctx := context.Background()

	registerWithEvidence(t, s, "v1", 12, 10)
	promoteVersion(t, s, "v1")

	_, err := rec.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, files.Store.Put(ctx, "acme/demand_forecast/champion.json", []byte(`{"champion":null}`)))
	require.NoError(t, files.Store.Put(ctx, "ghost/model/registry.json", []byte(`{}`)))

	report, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/demand_forecast/champion.json"}, report.Diverged)
	assert.Equal(t, []string{"ghost/model/registry.json"}, report.Orphans)
	assert.Equal(t, 1, report.FilesWritten)
}

func TestReconciler_FailureFlagsStale(t *testing.T) {
	s, files, rec := setupReconciler(t)
	ctx := context.Background()

	registerWithEvidence(t, s, "v1", 12, 10)

	_, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, rec.Stale())

	promoteVersion(t, s, "v1")

	files.broken = true

	_, err = rec.Sync(ctx)
	require.Error(t, err)
	assert.True(t, rec.Stale(), "database stays authoritative, files are flagged")

	champion, err := s.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, "v1", champion.Version)

	files.broken = false

	_, err = rec.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, rec.Stale(), "cleared by the next successful sync")
}

func TestRender_Deterministic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	registerWithEvidence(t, s, "v1", 12, 10)
	promoteVersion(t, s, "v1")

	snapA, err := s.Snapshot(ctx)
	require.NoError(t, err)

	snapB, err := s.Snapshot(ctx)
	require.NoError(t, err)

	a, err := registry.Render(snapA)
	require.NoError(t, err)

	b, err := registry.Render(snapB)
	require.NoError(t, err)

	require.Len(t, a, 2)
	assert.Equal(t, a, b)
}
