package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) (bool, string) { return true, "ok" })
	r.Register("verifier", func(ctx context.Context) (bool, string) { return true, "circuit closed" })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "store", statuses[0].Name)
	assert.Equal(t, "verifier", statuses[1].Name)
	assert.Equal(t, "circuit closed", statuses[1].Detail)
}

func TestCheckAll_OneUnhealthyDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(ctx context.Context) (bool, string) { return true, "" })
	r.Register("down", func(ctx context.Context) (bool, string) { return false, "circuit open" })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
}

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegister_ReplaceKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(ctx context.Context) (bool, string) { return true, "v1" })
	r.Register("b", func(ctx context.Context) (bool, string) { return true, "" })
	r.Register("a", func(ctx context.Context) (bool, string) { return false, "v2" })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.Equal(t, "v2", statuses[0].Detail)
}
