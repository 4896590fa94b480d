package registry

import (
	"strconv"
	"sync"
	"testing"

	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/require"
)

type call struct{ id int }

func TestDirectoryPairing(t *testing.T) {
	d := NewMemoryDirectory[*call]()
	a, b := &call{1}, &call{2}

	got, loaded := d.LoadOrStore("bob@example.com", a)
	require.False(t, loaded)
	require.Same(t, a, got)

	got, loaded = d.LoadOrStore("bob@example.com", b)
	require.True(t, loaded)
	require.Same(t, a, got)
	require.Equal(t, 1, d.Len())

	require.False(t, d.Remove("bob@example.com", b), "stale session must not evict the live one")
	require.True(t, d.Remove("bob@example.com", a))
	require.False(t, d.Remove("bob@example.com", a))
	require.Zero(t, d.Len())

	_, ok := d.Load("bob@example.com")
	require.False(t, ok)
}

func TestDirectoryConcurrent(t *testing.T) {
	d := NewMemoryDirectory[*call]()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "user" + strconv.Itoa(i%8) + "@example.com"
			c := &call{i}
			if _, loaded := d.LoadOrStore(key, c); !loaded {
				d.Remove(key, c)
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, d.Len())

	for i := 0; i < 5; i++ {
		d.LoadOrStore(strconv.Itoa(i), &call{i})
	}
	seen := 0
	d.Range(func(key string, c *call) bool {
		require.Equal(t, key, strconv.Itoa(c.id))
		seen++
		return true
	})
	require.Equal(t, 5, seen)
	require.Equal(t, 5, d.Len())
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	aor := &sip.SipUri{FUser: sip.String{Str: "alice"}, FHost: "example.com"}
	withParams := &sip.SipUri{
		FUser:      sip.String{Str: "alice"},
		FHost:      "example.com",
		FUriParams: sip.NewParams().Add("transport", sip.String{Str: "udp"}),
	}

	require.False(t, r.AorIsRegistered(aor))
	require.NoError(t, r.AddAor(aor, &ContactInstance{Source: "127.0.0.1:5060", RegExpires: 60}))
	require.True(t, r.AorIsRegistered(withParams))

	contacts, ok := r.GetContacts(aor)
	require.True(t, ok)
	require.Len(t, contacts, 1)

	require.NoError(t, r.AddAor(aor, &ContactInstance{Source: "127.0.0.1:5060", RegExpires: 0}))
	require.False(t, r.AorIsRegistered(aor))

	require.Error(t, r.RemoveAor(aor))
	require.NoError(t, r.AddAor(aor, &ContactInstance{Source: "a", RegExpires: 60}))
	require.NoError(t, r.RemoveAor(aor))
}
