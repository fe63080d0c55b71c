package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WrapsValueAndHandles(t *testing.T) {
	h1 := Handle{Buf: []byte("a")}
	h2 := Handle{Buf: []byte("b")}

	tr := New(42, h1, h2)

	require.Equal(t, 42, tr.Value)
	require.Len(t, tr.Handles, 2)
	require.Equal(t, []byte("a"), tr.Handles[0].Buf)
	require.Equal(t, []byte("b"), tr.Handles[1].Buf)
}

func TestNew_NoHandles(t *testing.T) {
	tr := New("hello")
	require.Equal(t, "hello", tr.Value)
	require.Empty(t, tr.Handles)
}

func TestTake_DetachesHandlesFromSender(t *testing.T) {
	buf := []byte{1, 2, 3}
	tr := New(nil, Handle{Buf: buf})

	out := tr.Take()

	require.Len(t, out, 1)
	require.Equal(t, buf, out[0].Buf)
	require.Nil(t, tr.Handles, "sender's Handles must be cleared after Take")
}

func TestTake_SharesBackingArray(t *testing.T) {
	buf := []byte{9, 9, 9}
	tr := New(nil, Handle{Buf: buf})

	out := tr.Take()
	out[0].Buf[0] = 255

	require.Equal(t, byte(255), buf[0], "Take must not copy the underlying buffer")
}

func TestTake_SecondCallReturnsEmpty(t *testing.T) {
	tr := New(nil, Handle{Buf: []byte{1}})

	first := tr.Take()
	require.Len(t, first, 1)

	second := tr.Take()
	require.Empty(t, second)
}
