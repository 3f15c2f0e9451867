package fileutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	return readAll(file)
}

// readAll drains and closes file. A failing Close is reported even when the read succeeded.
func readAll(file io.ReadCloser) (data []byte, err error) {
	defer func() {
		err = errors.Join(err, CloseFile(file))
		if err != nil {
			data = nil
		}
	}()
	buf := &bytes.Buffer{}
	if _, err = io.Copy(buf, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join that keeps the double slash of s3:// urls intact.
func PathJoinSafe(elem ...string) string {
	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		return filepath.Join(elem...)
	}
}

// WalkDir visits every entry below a local directory or s3:// prefix.
func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// CreateDirectory creates a local directory and its parents. Object stores have no directories, so
// s3:// paths are left alone.
func CreateDirectory(path string) error {
	if GetPathType(path) == "S3" {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

func DeleteFile(filename string) error {
	return fileSystem.Delete(context.Background(), filename)
}

// WriteFileAtomic publishes data at filename so that readers either see the previous content or the
// complete new content. Local files are written to a uniquely named temporary file in the destination
// directory, synced and renamed over the destination. Object stores replace objects atomically on upload.
func WriteFileAtomic(filename string, data []byte) error {
	if GetPathType(filename) == "S3" {
		return fileSystem.Upload(context.Background(), filename, 0o644, bytes.NewReader(data))
	}

	dir, base := filepath.Split(filename)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		return errors.Join(cause, tmp.Close(), os.Remove(tmpName))
	}

	if _, err = tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("writing %s: %w", tmpName, err))
	}
	if err = tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("syncing %s: %w", tmpName, err))
	}
	if err = tmp.Chmod(0o644); err != nil {
		return cleanup(fmt.Errorf("setting permissions on %s: %w", tmpName, err))
	}
	if err = tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("closing %s: %w", tmpName, err), os.Remove(tmpName))
	}
	if err = os.Rename(tmpName, filename); err != nil {
		return errors.Join(fmt.Errorf("publishing %s: %w", filename, err), os.Remove(tmpName))
	}
	return nil
}
