package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	Name string
}

func TestRegisterRejectsEmptyNameAndDuplicates(t *testing.T) {
	r := New[testItem]()

	require.NoError(t, r.Register("a", testItem{Name: "A"}))
	assert.Error(t, r.Register("", testItem{Name: "empty"}))
	assert.Error(t, r.Register("a", testItem{Name: "dup"}))
}

func TestGetReturnsRegisteredItem(t *testing.T) {
	r := New[testItem]()
	require.NoError(t, r.Register("a", testItem{Name: "A"}))

	item, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A", item.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestKeysReturnsSortedNames(t *testing.T) {
	r := New[testItem]()
	require.NoError(t, r.Register("charlie", testItem{}))
	require.NoError(t, r.Register("alpha", testItem{}))
	require.NoError(t, r.Register("bravo", testItem{}))

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, r.Keys())
}

func TestRemoveDeletesItem(t *testing.T) {
	r := New[testItem]()
	require.NoError(t, r.Register("a", testItem{}))

	require.NoError(t, r.Remove("a"))
	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Error(t, r.Remove("a"))
}

func TestCountTracksRegistrations(t *testing.T) {
	r := New[testItem]()
	assert.Equal(t, 0, r.Count())
	require.NoError(t, r.Register("a", testItem{}))
	assert.Equal(t, 1, r.Count())
	require.NoError(t, r.Register("b", testItem{}))
	assert.Equal(t, 2, r.Count())
}

func TestRegistryIsSafeForConcurrentUse(t *testing.T) {
	r := New[testItem]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(string(rune('a'+i%26))+string(rune('0'+i/26)), testItem{})
			r.Get("a0")
			r.Count()
			r.Keys()
		}(i)
	}
	wg.Wait()
}
