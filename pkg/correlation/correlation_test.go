package correlation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeepsProvidedID(t *testing.T) {
	ctx, id, generated := Ensure(context.Background(), "  corr-1 ")
	assert.Equal(t, "corr-1", id)
	assert.False(t, generated)
	assert.Equal(t, "corr-1", FromContext(ctx))
}

func TestEnsureGeneratesWhenMissing(t *testing.T) {
	ctx, id, generated := Ensure(context.Background(), "")
	require.True(t, generated)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContextWithoutValue(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
	var nilCtx context.Context
	assert.Empty(t, FromContext(nilCtx))
}

func TestConcurrentOperationsDoNotShareIDs(t *testing.T) {
	base := context.Background()
	const workers = 32

	var wg sync.WaitGroup
	seen := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, id, _ := Ensure(base, "")
			if FromContext(ctx) == id {
				seen[i] = id
			}
		}(i)
	}
	wg.Wait()

	unique := map[string]struct{}{}
	for _, id := range seen {
		require.NotEmpty(t, id)
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, workers)
	assert.Empty(t, FromContext(base), "parent context must stay untouched")
}
