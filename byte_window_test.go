package nioproxy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireWindowInvariant(t *testing.T, w *ByteWindow) {
	t.Helper()
	mark, ok := w.MarkPosition()
	if ok {
		require.GreaterOrEqual(t, mark, 0)
		require.LessOrEqual(t, mark, w.Position())
	}
	require.GreaterOrEqual(t, w.Position(), 0)
	require.LessOrEqual(t, w.Position(), w.Limit())
	require.LessOrEqual(t, w.Limit(), w.Capacity())
}

func TestByteWindowPutGet(t *testing.T) {
	w := NewByteWindow(1024)
	require.NoError(t, w.Put([]byte("abcde")))
	require.Equal(t, 5, w.Position())
	require.NoError(t, w.SwitchToDrain())
	require.Equal(t, 5, w.Limit())
	require.Equal(t, 0, w.Position())
	data, err := w.Get(5)
	require.NoError(t, err)
	require.Equal(t, "abcde", string(data))
	require.Equal(t, 5, w.Position())
	require.Equal(t, w.Limit(), w.Position())
	require.False(t, w.HasRemaining())
}

func TestByteWindowRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for _, size := range []int{0, 1, 17, 512, 4096} {
		payload := make([]byte, size)
		r.Read(payload)
		w := NewByteWindow(4096)
		require.NoError(t, w.Put(payload))
		require.NoError(t, w.SwitchToDrain())
		require.Equal(t, size, w.Remaining())
		data, err := w.Get(size)
		require.NoError(t, err)
		require.Equal(t, payload, data)
	}
}

func TestByteWindowCapacityBoundary(t *testing.T) {
	w := NewByteWindow(8)
	require.NoError(t, w.Put(make([]byte, 8)))
	require.ErrorIs(t, w.PutByte(1), ErrOverflow)

	w = NewByteWindow(8)
	require.ErrorIs(t, w.Put(make([]byte, 9)), ErrOverflow)
	require.Equal(t, 0, w.Position())
}

func TestByteWindowUnderflow(t *testing.T) {
	w := NewByteWindow(8)
	require.NoError(t, w.Put([]byte("abc")))
	require.NoError(t, w.SwitchToDrain())
	_, err := w.Get(4)
	require.ErrorIs(t, err, ErrUnderflow)
	require.Equal(t, 0, w.Position())
	_, err = w.Get(3)
	require.NoError(t, err)
	_, err = w.GetByte()
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestByteWindowModeChecks(t *testing.T) {
	w := NewByteWindow(8)
	_, err := w.Get(1)
	require.ErrorIs(t, err, ErrInvalidMode)
	require.ErrorIs(t, w.Compact(), ErrInvalidMode)
	require.NoError(t, w.SwitchToDrain())
	require.ErrorIs(t, w.SwitchToDrain(), ErrInvalidMode)
	require.ErrorIs(t, w.Put([]byte("a")), ErrInvalidMode)
	require.Equal(t, DrainMode, w.Mode())
	w.ResetToFill()
	require.Equal(t, FillMode, w.Mode())
}

func TestByteWindowMark(t *testing.T) {
	w := NewByteWindow(16)
	require.ErrorIs(t, w.ResetToMark(), ErrInvalidMark)
	require.NoError(t, w.Put([]byte("hello world")))
	w.Mark()
	require.NoError(t, w.SwitchToDrain())
	require.ErrorIs(t, w.ResetToMark(), ErrInvalidMark, "switching mode clears the mark")

	_, err := w.Get(6)
	require.NoError(t, err)
	w.Mark()
	first, err := w.Get(5)
	require.NoError(t, err)
	require.NoError(t, w.ResetToMark())
	again, err := w.Get(5)
	require.NoError(t, err)
	require.Equal(t, "world", string(first))
	require.Equal(t, first, again)
}

func TestByteWindowRewindToStart(t *testing.T) {
	w := NewByteWindow(16)
	require.NoError(t, w.Put([]byte("rewind")))
	require.NoError(t, w.SwitchToDrain())
	_, err := w.Get(4)
	require.NoError(t, err)
	w.Mark()
	w.RewindToStart()
	require.Equal(t, 0, w.Position())
	require.Equal(t, 6, w.Limit())
	_, hasMark := w.MarkPosition()
	require.False(t, hasMark)
	data, err := w.Get(6)
	require.NoError(t, err)
	require.Equal(t, "rewind", string(data))
}

func TestByteWindowResetToFillForgetsData(t *testing.T) {
	w := NewByteWindow(16)
	require.NoError(t, w.Put([]byte("secret")))
	require.NoError(t, w.SwitchToDrain())
	w.ResetToFill()
	require.Equal(t, 0, w.Position())
	require.Equal(t, 16, w.Limit())

	require.NoError(t, w.Put([]byte("ab")))
	require.NoError(t, w.SwitchToDrain())
	require.Equal(t, 2, w.Remaining())
	data, err := w.Get(2)
	require.NoError(t, err)
	require.Equal(t, "ab", string(data))
	_, err = w.Get(1)
	require.ErrorIs(t, err, ErrUnderflow, "stale bytes must stay unreachable")
}

func TestByteWindowCompact(t *testing.T) {
	w := NewByteWindow(8)
	require.NoError(t, w.Put([]byte("abcdef")))
	require.NoError(t, w.SwitchToDrain())
	_, err := w.Get(4)
	require.NoError(t, err)
	require.NoError(t, w.Compact())
	require.Equal(t, FillMode, w.Mode())
	require.Equal(t, 2, w.Position())
	require.NoError(t, w.Put([]byte("gh")))
	require.NoError(t, w.SwitchToDrain())
	data, err := w.Get(4)
	require.NoError(t, err)
	require.Equal(t, "efgh", string(data))
}

func TestByteWindowInvariantUnderRandomOperations(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	w := NewByteWindow(64)
	for i := 0; i < 20000; i++ {
		switch r.Intn(10) {
		case 0:
			_ = w.Put(make([]byte, r.Intn(32)))
		case 1:
			_ = w.PutByte(byte(i))
		case 2:
			_ = w.SwitchToDrain()
		case 3:
			_, _ = w.Get(r.Intn(32))
		case 4:
			_, _ = w.GetByte()
		case 5:
			w.Mark()
		case 6:
			_ = w.ResetToMark()
		case 7:
			w.RewindToStart()
		case 8:
			w.ResetToFill()
		case 9:
			_ = w.Compact()
		}
		requireWindowInvariant(t, w)
	}
}
