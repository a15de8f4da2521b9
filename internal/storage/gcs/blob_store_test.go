package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesUnderPrefix(t *testing.T) {
	t.Parallel()

	fw := &fakeWriters{}
	store, err := New(fw, Config{Bucket: "archive", Prefix: "/convograph/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "malformed/quotes/1.json", "application/json", []byte("{}"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/convograph/malformed/quotes/1.json", uri)
	require.Equal(t, "convograph/malformed/quotes/1.json", fw.object)
	require.Equal(t, "application/json", fw.contentType)
	require.Equal(t, "{}", fw.buf.String())
	require.True(t, fw.closed)
}

func TestPutObjectReportsCloseError(t *testing.T) {
	t.Parallel()

	store, err := New(&fakeWriters{closeErr: errors.New("quota")}, Config{Bucket: "b"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.json", "", []byte("{}"))
	require.ErrorContains(t, err, "close writer: quota")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeWriters{}, Config{})
	require.Error(t, err)
}

type fakeWriters struct {
	buf         bytes.Buffer
	object      string
	contentType string
	closed      bool
	closeErr    error
}

func (f *fakeWriters) NewWriter(_ context.Context, _, object, contentType string) io.WriteCloser {
	f.object, f.contentType = object, contentType
	return f
}

func (f *fakeWriters) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *fakeWriters) Close() error {
	f.closed = true
	return f.closeErr
}
