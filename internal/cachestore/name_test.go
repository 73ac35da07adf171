package cachestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	n, ok := ParseName("id-verify-static-v2")
	require.True(t, ok)
	assert.Equal(t, Name{Prefix: "id-verify", Category: "static", Generation: "v2"}, n)
	assert.Equal(t, "id-verify-static-v2", n.String())

	for _, bad := range []string{"", "static-v1", "app-other-v1", "app-static-", "-static-v1", "plain"} {
		_, ok := ParseName(bad)
		assert.False(t, ok, bad)
	}
}

func TestNamerStale(t *testing.T) {
	n := Namer{Prefix: "app", Generation: "v2"}
	assert.Equal(t, "app-static-v2", n.Static())
	assert.Equal(t, "app-dynamic-v2", n.Dynamic())
	assert.Equal(t, "app-images-v2", n.Images())

	assert.True(t, n.Stale(Name{Prefix: "app", Category: "static", Generation: "v1"}))
	assert.False(t, n.Stale(Name{Prefix: "app", Category: "static", Generation: "v2"}))
	assert.False(t, n.Stale(Name{Prefix: "other", Category: "static", Generation: "v1"}))
}

func TestDeleteGeneration(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	for _, name := range []string{"app-static-v1", "app-images-v1", "app-static-v2", "other-static-v1", "foreign"} {
		require.NoError(t, b.Put(ctx, name, entry(1)))
	}
	namer := Namer{Prefix: "app", Generation: "v2"}

	deleted, err := DeleteGeneration(ctx, b, func(n Name, ok bool, _ string) bool {
		return ok && namer.Stale(n)
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-static-v1", "app-images-v1"}, deleted)

	names, err := b.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-static-v2", "foreign", "other-static-v1"}, names)
}
