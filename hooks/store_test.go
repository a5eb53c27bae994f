package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
	jobtest "github.com/teranos/jobkit/internal/testing"
)

func TestHookStore(t *testing.T) {
	store := NewStore(jobtest.CreateTestDB(t))
	ctx := context.Background()

	h := &Hook{
		ID:           "h1",
		Name:         "watch ferns",
		ClassPath:    "local/greenhouse/WaterLog",
		ContentTypes: []string{plantType, "garden.bed"},
		Enabled:      true,
		TypeUpdate:   true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.CreateHook(ctx, h))

	got, err := store.GetHook(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{plantType, "garden.bed"}, got.ContentTypes)
	assert.True(t, got.TypeUpdate)
	assert.False(t, got.TypeCreate)

	dup := *h
	dup.ID = "h2"
	assert.True(t, errors.Is(store.CreateHook(ctx, &dup), errors.ErrConflict))

	matching, err := store.MatchingHooks(ctx, "garden.bed", changes.ActionUpdate)
	require.NoError(t, err)
	assert.Len(t, matching, 1)
	matching, err = store.MatchingHooks(ctx, "garden.bed", changes.ActionCreate)
	require.NoError(t, err)
	assert.Empty(t, matching)

	require.NoError(t, store.SetHookEnabled(ctx, "h1", false))
	matching, err = store.MatchingHooks(ctx, "garden.bed", changes.ActionUpdate)
	require.NoError(t, err)
	assert.Empty(t, matching)

	require.NoError(t, store.DeleteHook(ctx, "h1"))
	assert.True(t, errors.IsNotFoundError(store.DeleteHook(ctx, "h1")))
	_, err = store.GetHook(ctx, "h1")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestButtonStoreOrdering(t *testing.T) {
	store := NewStore(jobtest.CreateTestDB(t))
	ctx := context.Background()
	now := time.Now()

	for _, b := range []*Button{
		{ID: "b1", Name: "water", ClassPath: "local/greenhouse/Water", ContentTypes: []string{plantType}, Weight: 200, CreatedAt: now},
		{ID: "b2", Name: "mist", ClassPath: "local/greenhouse/Mist", ContentTypes: []string{plantType}, Weight: 100, CreatedAt: now},
		{ID: "b3", Name: "calibrate", ClassPath: "local/greenhouse/Calibrate", ContentTypes: []string{"garden.sensor"}, Weight: 50, CreatedAt: now},
	} {
		require.NoError(t, store.CreateButton(ctx, b))
	}

	all, err := store.ListButtons(ctx, "")
	require.NoError(t, err)
	names := []string{}
	for _, b := range all {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"calibrate", "mist", "water"}, names)

	plants, err := store.ListButtons(ctx, plantType)
	require.NoError(t, err)
	require.Len(t, plants, 2)
	assert.Equal(t, "mist", plants[0].Name)

	require.NoError(t, store.DeleteButton(ctx, "b2"))
	_, err = store.GetButton(ctx, "b2")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListHooksDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM job_hooks").WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(db).MatchingHooks(context.Background(), plantType, changes.ActionCreate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list job hooks")
	assert.NoError(t, mock.ExpectationsWereMet())
}
