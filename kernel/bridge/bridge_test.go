package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/threads/sab"
)

func newBridge(t *testing.T) *Bridge {
	t.Helper()
	b := New(Options{})
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBridge_AllocateSharedRegion(t *testing.T) {
	b := newBridge(t)

	h, err := b.AllocateSharedRegion(64)
	require.NoError(t, err)
	assert.NotZero(t, h)

	r, err := b.Region(h)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), r.Bytes())

	_, err = b.AllocateSharedRegion(0)
	assert.ErrorIs(t, err, sab.ErrAllocation)

	require.NoError(t, b.ReleaseSharedRegion(h))
	_, err = b.Region(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, b.ReleaseSharedRegion(h), ErrUnknownHandle)
}

func TestBridge_HandoffThroughHandles(t *testing.T) {
	b := newBridge(t)

	hs, err := b.CreateFrameBufferSet(8, 4, 3)
	require.NoError(t, err)
	require.Len(t, hs.Buffers, 3)

	control, err := b.Region(hs.Control)
	require.NoError(t, err)
	assert.Equal(t, sab.ControlBlockSize(3, sab.MAX_DIRTY_REGIONS), control.ByteLength())

	// Writer: first frame, whole surface.
	idx, err := b.AcquireWritable(hs.Set)
	require.NoError(t, err)
	buf, err := b.Region(hs.Buffers[idx])
	require.NoError(t, err)
	buf.Bytes()[0] = 0xAB
	require.NoError(t, b.MarkDirty(hs.Set, 0, 0, 1, 1))
	require.NoError(t, b.Publish(hs.Set, idx))

	got, err := b.Consume(hs.Set)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, idx, got.BufferIndex)
	assert.Equal(t, hs.Buffers[idx], got.BufferHandle)
	assert.Equal(t, uint32(1), got.Generation)
	assert.True(t, got.Full)
	assert.Equal(t, []dirty.Rect{{W: 8, H: 4}}, got.DirtyRects)
	assert.Equal(t, byte(0xAB), got.Frame.Pixels[0])
	require.NoError(t, b.ReleaseToWritable(hs.Set, got.BufferIndex))

	none, err := b.Consume(hs.Set)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Second frame reports only its rect.
	idx, err = b.AcquireWritable(hs.Set)
	require.NoError(t, err)
	require.NoError(t, b.MarkDirty(hs.Set, 6, 2, 5, 5))
	require.NoError(t, b.Publish(hs.Set, idx))

	got, err = b.Consume(hs.Set)
	require.NoError(t, err)
	assert.False(t, got.Full)
	assert.Equal(t, []dirty.Rect{{X: 6, Y: 2, W: 2, H: 2}}, got.DirtyRects)
	require.NoError(t, b.ReleaseToWritable(hs.Set, got.BufferIndex))

	assert.ErrorIs(t, b.ReleaseSharedRegion(hs.Control), framebuffer.ErrSlotState)
}

func TestBridge_ProtocolErrorsPropagate(t *testing.T) {
	b := newBridge(t)
	hs, err := b.CreateFrameBufferSet(4, 4, 3)
	require.NoError(t, err)

	_, err = b.AcquireWritable(hs.Set)
	require.NoError(t, err)
	_, err = b.AcquireWritable(hs.Set)
	assert.ErrorIs(t, err, framebuffer.ErrSlotState)

	assert.ErrorIs(t, b.ReleaseToWritable(hs.Set, 0), framebuffer.ErrSlotState)

	_, err = b.CreateFrameBufferSet(0, 4, 3)
	assert.ErrorIs(t, err, framebuffer.ErrInvalidConfig)
	_, err = b.CreateFrameBufferSet(4, 4, 9)
	assert.ErrorIs(t, err, framebuffer.ErrInvalidConfig)
}

func TestBridge_UnknownSet(t *testing.T) {
	b := newBridge(t)

	_, err := b.AcquireWritable(42)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, b.MarkDirty(42, 0, 0, 1, 1), ErrUnknownHandle)
	assert.ErrorIs(t, b.Publish(42, 0), ErrUnknownHandle)
	_, err = b.Consume(42)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, b.ReleaseToWritable(42, 0), ErrUnknownHandle)
	assert.ErrorIs(t, b.DestroyFrameBufferSet(context.Background(), 42), ErrUnknownHandle)
}

func TestBridge_DestroyFrameBufferSet(t *testing.T) {
	b := newBridge(t)
	hs, err := b.CreateFrameBufferSet(4, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Allocator().Len())

	set, err := b.Set(hs.Set)
	require.NoError(t, err)

	require.NoError(t, b.DestroyFrameBufferSet(context.Background(), hs.Set))
	assert.Zero(t, b.Allocator().Len())

	_, err = b.Set(hs.Set)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	_, err = set.AcquireWritable()
	assert.ErrorIs(t, err, framebuffer.ErrClosed)
	_, err = b.Region(hs.Buffers[0])
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestBridge_DestroyWaitsForReader(t *testing.T) {
	b := newBridge(t)
	hs, err := b.CreateFrameBufferSet(4, 4, 3)
	require.NoError(t, err)

	idx, err := b.AcquireWritable(hs.Set)
	require.NoError(t, err)
	require.NoError(t, b.Publish(hs.Set, idx))
	got, err := b.Consume(hs.Set)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.DestroyFrameBufferSet(ctx, hs.Set), context.DeadlineExceeded)

	// The set survives a timed-out destroy; the reader can still release.
	require.NoError(t, b.ReleaseToWritable(hs.Set, got.BufferIndex))
	require.NoError(t, b.DestroyFrameBufferSet(context.Background(), hs.Set))
}

func TestBridge_Close(t *testing.T) {
	b := New(Options{})
	_, err := b.CreateFrameBufferSet(4, 4, 3)
	require.NoError(t, err)
	_, err = b.AllocateSharedRegion(16)
	require.NoError(t, err)

	require.NoError(t, b.Close(context.Background()))
	assert.Zero(t, b.Allocator().Len())

	assert.ErrorIs(t, b.Close(context.Background()), framebuffer.ErrClosed)
	_, err = b.AllocateSharedRegion(16)
	assert.ErrorIs(t, err, framebuffer.ErrClosed)
	_, err = b.CreateFrameBufferSet(4, 4, 3)
	assert.ErrorIs(t, err, framebuffer.ErrClosed)
	_, err = b.Consume(1)
	assert.ErrorIs(t, err, framebuffer.ErrClosed)
}
