package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsr-orchestrator/pkg/models"
)

func TestMemoryWorkflowStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()
	details := models.RequestDetails{Email: "alice@example.com", RequestType: models.RequestTypeAccess}

	t.Run("Create and Get", func(t *testing.T) {
		created, err := store.Create(ctx, details)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, models.StatusPending, created.Status)
		assert.Nil(t, created.DiscoveredData)
		assert.Nil(t, created.DeliveryInfo)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created, got)
	})

	t.Run("Get unknown id", func(t *testing.T) {
		_, err := store.Get(ctx, "wf-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Update is visible to the next Get", func(t *testing.T) {
		created, err := store.Create(ctx, details)
		require.NoError(t, err)

		_, err = store.Update(ctx, created.ID, func(r *models.WorkflowRecord) error {
			r.Status = models.StatusDataDiscoveryComplete
			r.DiscoveredData = json.RawMessage(`{"crm":[{"id":1}]}`)
			return nil
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDataDiscoveryComplete, got.Status)
		assert.JSONEq(t, `{"crm":[{"id":1}]}`, string(got.DiscoveredData))
	})

	t.Run("Failed mutation leaves record untouched", func(t *testing.T) {
		created, err := store.Create(ctx, details)
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.Update(ctx, created.ID, func(r *models.WorkflowRecord) error {
			r.Status = models.StatusFailed
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("Mutation cannot rewrite identity or details", func(t *testing.T) {
		created, err := store.Create(ctx, details)
		require.NoError(t, err)

		updated, err := store.Update(ctx, created.ID, func(r *models.WorkflowRecord) error {
			r.ID = "other"
			r.Details.Email = "mallory@example.com"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, details, updated.Details)
	})

	t.Run("Returned records are copies", func(t *testing.T) {
		created, err := store.Create(ctx, details)
		require.NoError(t, err)
		created.Status = models.StatusComplete

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("Update unknown id", func(t *testing.T) {
		_, err := store.Update(ctx, "wf-missing", func(*models.WorkflowRecord) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryWorkflowStoreListKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := store.Create(ctx, models.RequestDetails{
			Email:       fmt.Sprintf("user%d@example.com", i),
			RequestType: models.RequestTypeDeletion,
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, ids[i], rec.ID)
	}
}

func TestMemoryWorkflowStoreConcurrentWorkflowsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.Create(ctx, models.RequestDetails{Email: "a@example.com", RequestType: models.RequestTypeAccess})
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = rec.ID
			_, err = store.Update(ctx, rec.ID, func(r *models.WorkflowRecord) error {
				r.Status = models.StatusInProgress
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInProgress, rec.Status)
	}
}
