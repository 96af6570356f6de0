package ringbuf

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	_ io.ReadWriter = &Buffer[byte]{}
)

func TestBuffer(t *testing.T) {
	t.Run("push and pop", func(t *testing.T) {
		t.Run("empty", func(t *testing.T) {
			b := New[int](3)
			_, ok := b.TryPeek()
			require.False(t, ok)
			v, ok := b.TryPop()
			require.False(t, ok)
			require.Zero(t, v)
			require.Equal(t, 0, b.Len())
			require.Equal(t, 3, b.Free())
		})
		t.Run("fifo", func(t *testing.T) {
			const size = 3
			b := New[int](size)
			for i := 0; i < size; i++ {
				require.True(t, b.TryPush(i+1))
				require.Equal(t, i+1, b.Len())
			}
			require.False(t, b.TryPush(-1))
			for i := 0; i < size; i++ {
				require.Equal(t, i+1, b.Pop())
				require.Equal(t, size-(i+1), b.Len())
			}
		})
		t.Run("push drops oldest", func(t *testing.T) {
			b := New[int](3)
			for i := 1; i <= 3; i++ {
				require.False(t, b.Push(i))
			}
			require.True(t, b.Push(4))
			require.True(t, b.Push(5))
			require.Equal(t, 3, b.Len())
			v, _ := b.TryPeek()
			require.Equal(t, 3, v)
			require.Equal(t, []int{3, 4, 5}, []int{b.Pop(), b.Pop(), b.Pop()})
		})
	})
	t.Run("read and write", func(t *testing.T) {
		t.Run("empty read", func(t *testing.T) {
			b := New[byte](4)
			n, err := b.Read(make([]byte, 2))
			require.Equal(t, io.EOF, err)
			require.Zero(t, n)
		})
		t.Run("fifo below capacity", func(t *testing.T) {
			b := New[byte](8)
			_, _ = b.Write([]byte{1, 2, 3})
			_, _ = b.Write([]byte{4, 5})
			out := make([]byte, 8)
			n, err := b.Read(out)
			require.NoError(t, err)
			require.Equal(t, []byte{1, 2, 3, 4, 5}, out[:n])
		})
		t.Run("wrap around", func(t *testing.T) {
			b := New[byte](5)
			_, _ = b.Write([]byte{1, 2, 3, 4})
			out := make([]byte, 3)
			n, _ := b.Read(out)
			require.Equal(t, 3, n)
			dropped := b.Overwrite([]byte{5, 6, 7})
			require.Zero(t, dropped)
			out = make([]byte, 5)
			n, _ = b.Read(out)
			require.Equal(t, []byte{4, 5, 6, 7}, out[:n])
		})
		t.Run("overflow keeps newest", func(t *testing.T) {
			b := New[byte](4)
			_, _ = b.Write([]byte{1, 2, 3})
			dropped := b.Overwrite([]byte{4, 5, 6})
			require.Equal(t, 2, dropped)
			out := make([]byte, 4)
			n, _ := b.Read(out)
			require.Equal(t, []byte{3, 4, 5, 6}, out[:n])
		})
		t.Run("oversized write", func(t *testing.T) {
			b := New[byte](3)
			_, _ = b.Write([]byte{9})
			dropped := b.Overwrite([]byte{1, 2, 3, 4, 5})
			require.Equal(t, 3, dropped)
			out := make([]byte, 3)
			n, _ := b.Read(out)
			require.Equal(t, []byte{3, 4, 5}, out[:n])
		})
		t.Run("reset", func(t *testing.T) {
			b := New[byte](3)
			_, _ = b.Write([]byte{1, 2})
			b.Reset()
			require.Equal(t, 0, b.Len())
			_, _ = b.Write([]byte{7})
			require.Equal(t, byte(7), b.Pop())
		})
	})
}
