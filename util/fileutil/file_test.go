package fileutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "model.onnx")

	require.NoError(t, WriteFileAtomic(target, []byte("first")))
	require.NoError(t, WriteFileAtomic(target, []byte("second")))

	b, err := ReadFileBytes(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not remain after publishing")
}

func TestWriteFileAtomicMissingDirectory(t *testing.T) {
	target := filepath.Join(t.TempDir(), "missing", "model.onnx")
	err := WriteFileAtomic(target, []byte("data"))
	require.Error(t, err)

	exists, err := FileExists(target)
	require.NoError(t, err)
	assert.False(t, exists)
}

type failingCloser struct {
	*strings.Reader
}

func (failingCloser) Close() error {
	return errors.New("close failed")
}

func TestReadAllReportsCloseError(t *testing.T) {
	data, err := readAll(failingCloser{strings.NewReader("payload")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.Nil(t, data)

	data, err = readAll(io.NopCloser(strings.NewReader("payload")))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestCreateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models", "onnx")
	require.NoError(t, CreateDirectory(dir))
	require.NoError(t, CreateDirectory(dir), "existing directories are fine")
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NoError(t, CreateDirectory("s3://bucket/models"))
}

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/models/a.onnx", PathJoinSafe("s3://bucket/", "models", "a.onnx"))
	assert.Equal(t, filepath.Join("models", "a.onnx"), PathJoinSafe("models", "a.onnx"))
	assert.Equal(t, "S3", GetPathType("s3://bucket"))
	assert.Equal(t, "os", GetPathType("/tmp"))
}
