package blobstore

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/errs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Dispose() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), DefaultChunkSize*3+17)
	require.NoError(t, s.Save(ctx, "blob-1", data))

	loaded, ok, err := s.Load(ctx, "blob-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, loaded)
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContainsAndSize(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "b", []byte("hello")))

	ok, err := s.Contains(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := s.Size(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestSizeNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Size(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "b", []byte("hello")))
	require.NoError(t, s.Delete(ctx, "b"))

	ok, err := s.Contains(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamReadYieldsFullPayloadWithoutFullLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("abcde"), DefaultChunkSize)
	require.NoError(t, s.Save(ctx, "stream", data))

	reader, err := s.StreamRead(ctx, "stream", 1024)
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStreamReadMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.StreamRead(context.Background(), "nope", 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSaveOverwritesPreviousChunks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "b", bytes.Repeat([]byte("x"), DefaultChunkSize*2)))
	require.NoError(t, s.Save(ctx, "b", []byte("short")))

	loaded, ok, err := s.Load(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("short"), loaded)
}
