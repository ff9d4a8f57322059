package storage

import (
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, dir string) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	return s
}

func record(id string, status types.JobStatus) *types.JobRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.JobRecord{
		JobID: id,
		Request: types.JobResourceRequest{
			JobID:          id,
			Parallelism:    3,
			SlotsPerWorker: 4,
			Volumes:        []types.VolumeRequest{{Name: "scratch", Kind: types.VolumeEmptyDir}},
			Labels:         map[string]string{"team": "data"},
		},
		Parallelism: 3,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJobCRUD(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()

	want := record("wordcount", types.JobActive)
	require.NoError(t, s.PutJob(want))

	got, err := s.GetJob("wordcount")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got.Parallelism = 5
	got.Degraded = "Forbidden: exceeded quota"
	require.NoError(t, s.PutJob(got))
	again, err := s.GetJob("wordcount")
	require.NoError(t, err)
	assert.Equal(t, 5, again.Parallelism)
	assert.Equal(t, "Forbidden: exceeded quota", again.Degraded)

	require.NoError(t, s.DeleteJob("wordcount"))
	require.NoError(t, s.DeleteJob("wordcount"))
	_, err = s.GetJob("wordcount")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListJobs(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.PutJob(record("c", types.JobActive)))
	require.NoError(t, s.PutJob(record("a", types.JobFinished)))
	require.NoError(t, s.PutJob(record("b", types.JobActive)))

	all, err := s.ListJobs()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].JobID)

	active, err := s.ListActiveJobs()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[0].JobID)
	assert.Equal(t, "c", active[1].JobID)
}

func TestPutJobRequiresID(t *testing.T) {
	s := newStore(t, t.TempDir())
	defer s.Close()
	assert.True(t, errdefs.IsValidation(s.PutJob(&types.JobRecord{})))
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	require.NoError(t, s.PutJob(record("wordcount", types.JobActive)))
	require.NoError(t, s.Close())

	s = newStore(t, dir)
	defer s.Close()
	active, err := s.ListActiveJobs()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].Request.Parallelism)
}
