package vidcomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slotRecorder struct {
	calls []releasedOutput
}

func (r *slotRecorder) returnSlot(index int, render bool) error {
	r.calls = append(r.calls, releasedOutput{index, render})
	return nil
}

func TestFramePoolRenderReturnsSlot(t *testing.T) {
	rec := &slotRecorder{}
	pool := newFramePool(0, rec.returnSlot)

	f, err := pool.acquire(3, 40_000)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), f.PresentationTimeUs())
	assert.Equal(t, 1, pool.Outstanding())

	require.NoError(t, f.Render())
	assert.Equal(t, []releasedOutput{{3, true}}, rec.calls)
	assert.Equal(t, 0, pool.Outstanding())
}

func TestFramePoolDoubleRelease(t *testing.T) {
	rec := &slotRecorder{}
	pool := newFramePool(0, rec.returnSlot)

	f, err := pool.acquire(1, 0)
	require.NoError(t, err)
	dup := f

	require.NoError(t, f.Discard())
	assert.ErrorIs(t, f.Render(), ErrProtocolViolation)
	assert.ErrorIs(t, dup.Discard(), ErrProtocolViolation)
	assert.Len(t, rec.calls, 1, "slot must be returned exactly once")
}

func TestFramePoolStaleHandleAfterReuse(t *testing.T) {
	pool := newFramePool(0, (&slotRecorder{}).returnSlot)

	old, err := pool.acquire(0, 0)
	require.NoError(t, err)
	require.NoError(t, old.Discard())

	// the slot record is recycled for the next frame
	fresh, err := pool.acquire(0, 33_333)
	require.NoError(t, err)
	assert.ErrorIs(t, old.Render(), ErrProtocolViolation)
	require.NoError(t, fresh.Render())
}

func TestFramePoolZeroValue(t *testing.T) {
	var f PendingFrame
	assert.ErrorIs(t, f.Render(), ErrProtocolViolation)
	assert.ErrorIs(t, f.Discard(), ErrProtocolViolation)
}

func TestFramePoolLimit(t *testing.T) {
	pool := newFramePool(2, (&slotRecorder{}).returnSlot)
	a, err := pool.acquire(0, 0)
	require.NoError(t, err)
	_, err = pool.acquire(1, 1)
	require.NoError(t, err)

	_, err = pool.acquire(2, 2)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	require.NoError(t, a.Discard())
	_, err = pool.acquire(2, 2)
	assert.NoError(t, err)
}

func TestFramePoolClosed(t *testing.T) {
	rec := &slotRecorder{}
	pool := newFramePool(0, rec.returnSlot)
	f, err := pool.acquire(0, 0)
	require.NoError(t, err)

	pool.close()
	require.NoError(t, f.Discard())
	assert.Empty(t, rec.calls, "closed pool must not touch the pipeline")
	assert.ErrorIs(t, f.Discard(), ErrProtocolViolation)

	_, err = pool.acquire(1, 0)
	assert.ErrorIs(t, err, ErrReleased)
}
