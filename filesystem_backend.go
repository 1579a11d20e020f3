package savedobjects

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FilesystemBackend implements Backend on a local directory. Writes go
// through a temp file and rename so a reader never sees a partial object.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks
}

// NewFilesystemBackend creates a new filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

func (b *FilesystemBackend) getPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrUnauthorized
	default:
		return err
	}
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		return nil, mapFSError(err)
	}
	return data, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	tmp, err := b.writeTemp(key, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, b.getPath(key)); err != nil {
		os.Remove(tmp)
		return mapFSError(err)
	}
	return nil
}

// writeTemp stages data next to key so the final rename or link stays on
// one filesystem.
func (b *FilesystemBackend) writeTemp(key string, data []byte) (string, error) {
	path := b.getPath(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return "", mapFSError(err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return "", mapFSError(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), DefaultFilePermissions); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.getPath(key)); err != nil {
		return mapFSError(err)
	}
	return nil
}

func (b *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.getPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FilesystemBackend) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, etagOf(data), nil
}

// staleLockAge is how old a lock file must be before it is taken to belong
// to a process that died holding it.
const staleLockAge = 10 * time.Second

// lockKey holds key exclusively against every process sharing the
// directory. The stripe is taken first so goroutines of this process queue
// on a mutex instead of polling the lock file.
func (b *FilesystemBackend) lockKey(ctx context.Context, key string) (func(), error) {
	unlockStripe := b.locks.Lock(key)

	path := b.getPath(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		unlockStripe()
		return nil, mapFSError(err)
	}
	// The .tmp- prefix keeps the lock file out of listings.
	lockPath := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path)+".lock")

	delay := time.Millisecond
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, DefaultFilePermissions)
		if err == nil {
			f.Close()
			return func() {
				os.Remove(lockPath)
				unlockStripe()
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			unlockStripe()
			return nil, mapFSError(err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			unlockStripe()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 20*time.Millisecond {
			delay *= 2
		}
	}
}

// PutIfMatch writes data only if the stored object still hashes to
// expectedETag. An empty expectedETag writes unconditionally. The compare
// and the rename run under a lock file, so other processes sharing the
// directory cannot interleave.
func (b *FilesystemBackend) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	unlock, err := b.lockKey(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	if expectedETag != "" {
		_, currentETag, err := b.GetWithETag(ctx, key)
		if err != nil {
			return "", err
		}
		if currentETag != expectedETag {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": expectedETag,
				"actual":   currentETag,
			})
		}
	}

	if err := b.Put(ctx, key, data); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

// PutIfAbsent hard-links a staged temp file into place. link(2) fails when
// the target exists, which makes creation exclusive across processes
// sharing the directory, not just within this one.
func (b *FilesystemBackend) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	unlock := b.locks.Lock(key)
	defer unlock()

	tmp, err := b.writeTemp(key, data)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, b.getPath(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", WithContext(ErrAlreadyExists, map[string]interface{}{"key": key})
		}
		return "", mapFSError(err)
	}
	return etagOf(data), nil
}

func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.ListPaginated(ctx, prefix, func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	return keys, err
}

// ListPaginated walks the directory holding prefix and hands matching keys
// to handler in lexical order, DefaultListPaginatedSize at a time.
func (b *FilesystemBackend) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	root := b.basePath
	if dir := prefixDir(prefix); dir != "" {
		root = b.getPath(dir)
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(keys)

	for start := 0; start < len(keys); start += DefaultListPaginatedSize {
		end := start + DefaultListPaginatedSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := handler(keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// prefixDir is the deepest directory fully named by prefix.
func prefixDir(prefix string) string {
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return ""
	}
	return prefix[:i]
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: base path is not a directory: %s", ErrBackendUnavailable, b.basePath)
	}

	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return fmt.Errorf("cannot write to base path: %w", err)
	}
	os.Remove(testFile)

	return nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}
