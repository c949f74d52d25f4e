package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopStateApproveIdempotent(t *testing.T) {
	ls := &LoopState{}
	ls.Approve("c1")
	ls.Approve("c1")
	ls.Approve("c2")

	assert.Equal(t, []string{"c1", "c2"}, ls.ApprovedToolCallIDs)
	assert.True(t, ls.Approved("c1"))
	assert.False(t, ls.Approved("c3"))
}

func TestLoopStateApproveConcurrent(t *testing.T) {
	const (
		workers = 16
		repeats = 50
	)
	ls := &LoopState{}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", w)
			for r := 0; r < repeats; r++ {
				ls.Approve(id)
				_ = ls.Approved(id)
			}
		}(w)
	}
	wg.Wait()

	// One entry per distinct call ID, none lost to contention.
	require.Len(t, ls.ApprovedToolCallIDs, workers)
	for w := 0; w < workers; w++ {
		assert.True(t, ls.Approved(fmt.Sprintf("c%d", w)))
	}
}
