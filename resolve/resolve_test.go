package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirserv/entrymod/cache"
	"github.com/dirserv/entrymod/entry"
)

func TestIndex_ResolveByNDN_UnknownNDNReturnsErrNotFound(t *testing.T) {
	idx := NewIndex(cache.New())
	_, err := idx.ResolveByNDN("cn=nobody,o=example", cache.Read)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndex_PutThenResolveByNDNSucceeds(t *testing.T) {
	c := cache.New()
	idx := NewIndex(c)
	e := entry.New(1, "cn=alice,o=example", "cn=alice,o=example")
	idx.Put(e)

	h, err := idx.ResolveByNDN("cn=alice,o=example", cache.Read)
	require.NoError(t, err)
	assert.Same(t, e, h.Entry())
	h.Release()
}

func TestIndex_ResolveByNDN_WriteIntentExcludesConcurrentCheckout(t *testing.T) {
	c := cache.New()
	idx := NewIndex(c)
	idx.Put(entry.New(1, "cn=alice,o=example", "cn=alice,o=example"))

	h1, err := idx.ResolveByNDN("cn=alice,o=example", cache.Write)
	require.NoError(t, err)
	defer h1.Release()

	done := make(chan struct{})
	go func() {
		h2, err := idx.ResolveByNDN("cn=alice,o=example", cache.Read)
		require.NoError(t, err)
		h2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second resolve should have blocked on the held write intent")
	default:
	}
}

func TestIndex_ResolveByNDN_KnownNDNButEvictedEntryIsAlsoNotFound(t *testing.T) {
	c := cache.New()
	idx := NewIndex(c)
	idx.Put(entry.New(1, "cn=alice,o=example", "cn=alice,o=example"))
	c.Evict(1)

	_, err := idx.ResolveByNDN("cn=alice,o=example", cache.Read)
	assert.ErrorIs(t, err, ErrNotFound)
}
