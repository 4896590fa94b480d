package rtp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sip4k/sipbot/pkg/siperr"
)

func TestPortPoolRange(t *testing.T) {
	p := NewPortPool(1001, 1006)
	require.Equal(t, 3, p.Size())
	require.Equal(t, 3, p.Available())

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := p.Lease()
		require.NoError(t, err)
		require.Zero(t, port%2, "odd port %d", port)
		require.GreaterOrEqual(t, port, 1002)
		require.LessOrEqual(t, port, 1006)
		require.False(t, seen[port])
		require.True(t, p.Leased(port))
		seen[port] = true
	}

	_, err := p.Lease()
	require.Error(t, err)
	require.True(t, siperr.IsNoFreePort(err))

	require.True(t, p.Release(1004))
	require.False(t, p.Release(1004), "double release")
	require.False(t, p.Release(2000), "foreign port")
	require.Equal(t, 1, p.Available())

	port, err := p.Lease()
	require.NoError(t, err)
	require.Equal(t, 1004, port)
}

func TestPortPoolEmptyRange(t *testing.T) {
	p := NewPortPool(DefaultPortMax, DefaultPortMin)
	require.Zero(t, p.Size())
	_, err := p.Lease()
	require.True(t, siperr.IsNoFreePort(err))
}

func TestPortPoolConcurrent(t *testing.T) {
	p := NewPortPool(DefaultPortMin, DefaultPortMin+200)
	initial := p.Available()

	var (
		owned sync.Map
		wg    sync.WaitGroup
		dupes = make(chan int, 1000)
	)
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				port, err := p.Lease()
				if err != nil {
					continue
				}
				if _, loaded := owned.LoadOrStore(port, struct{}{}); loaded {
					dupes <- port
				}
				owned.Delete(port)
				p.Release(port)
			}
		}()
	}
	wg.Wait()
	close(dupes)

	for port := range dupes {
		t.Errorf("port %d leased twice", port)
	}
	require.Equal(t, initial, p.Available())

	free := map[int]bool{}
	for i := 0; i < initial; i++ {
		port, err := p.Lease()
		require.NoError(t, err)
		free[port] = true
	}
	require.Len(t, free, initial)
}
