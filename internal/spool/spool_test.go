package spool

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestSpoolInMemory(t *testing.T) {
	s := New(64)
	_, err := io.WriteString(s, "Subject: hi\r\n\r\nbody\r\n")
	require.NoError(t, err)
	assert.True(t, s.InMemory())

	body, err := s.Finish("Return-Path: <a@example.com>\r\n")
	require.NoError(t, err)
	defer body.Close()

	assert.False(t, body.OnDisk())
	want := "Return-Path: <a@example.com>\r\nSubject: hi\r\n\r\nbody\r\n"
	assert.Equal(t, want, readAll(t, body.Open()))
	assert.Equal(t, int64(len(want)), body.Size())
}

func TestSpoolPromotesAtThreshold(t *testing.T) {
	dir := t.TempDir()
	promoted := 0
	s := New(10, WithTempDir(dir), WithPromoteHook(func(size int) { promoted++ }))

	_, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.True(t, s.InMemory(), "exactly the threshold stays in memory")

	_, err = s.Write([]byte("x"))
	require.NoError(t, err)
	assert.False(t, s.InMemory())
	_, err = s.Write([]byte("yz"))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, int64(13), s.Size())

	// The spool file is unlinked as soon as it is created.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	body, err := s.Finish("H: v\r\n")
	require.NoError(t, err)
	defer body.Close()
	assert.True(t, body.OnDisk())
	assert.Equal(t, "H: v\r\n0123456789xyz", readAll(t, body.Open()))
}

func TestSpoolContentIndependentOfChunking(t *testing.T) {
	payload := strings.Repeat("line of message text\r\n", 40)

	for _, chunk := range []int{1, 7, 64, 255, 256, 257, len(payload)} {
		s := New(256, WithTempDir(t.TempDir()))
		for i := 0; i < len(payload); i += chunk {
			end := i + chunk
			if end > len(payload) {
				end = len(payload)
			}
			_, err := s.Write([]byte(payload[i:end]))
			require.NoError(t, err)
		}
		body, err := s.Finish("X: 1\r\n")
		require.NoError(t, err)
		assert.Equal(t, "X: 1\r\n"+payload, readAll(t, body.Open()), "chunk size %d", chunk)
		require.NoError(t, body.Close())
	}
}

func TestBodyOpenedTwice(t *testing.T) {
	s := New(4, WithTempDir(t.TempDir()))
	_, err := s.Write([]byte("hello world"))
	require.NoError(t, err)
	body, err := s.Finish("")
	require.NoError(t, err)
	defer body.Close()

	r1 := body.Open()
	r2 := body.Open()
	buf := make([]byte, 5)
	_, err = io.ReadFull(r1, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", readAll(t, r2))
	assert.Equal(t, " world", readAll(t, r1))
}

func TestSpoolClosed(t *testing.T) {
	s := New(4, WithTempDir(t.TempDir()))
	_, err := s.Write(bytes.Repeat([]byte("a"), 10))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Write([]byte("b"))
	assert.Error(t, err)
	_, err = s.Finish("")
	assert.Error(t, err)
}

func TestSpoolPromotionFailure(t *testing.T) {
	s := New(2, WithTempDir("/nonexistent/spool/dir"))
	_, err := s.Write([]byte("abc"))
	assert.Error(t, err)
}
