package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	namespacePrefix = "any-image."
	maxExtLen       = 8
)

// NewStore 以 root/<md5(namespace)> 为可写目录构建磁盘缓存，同一命名空间整站复用一份实例。
func NewStore(root, namespace string) (Store, error) {
	if root == "" {
		return nil, errors.New("storage path required")
	}
	if namespace == "" {
		return nil, errors.New("namespace required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	dir := filepath.Join(abs, NamespaceDir(namespace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: dir,
		locks:    make(map[string]*entryLock),
	}, nil
}

// NamespaceDir 返回命名空间对应的目录名。
func NamespaceDir(namespace string) string {
	sum := md5.Sum([]byte(namespacePrefix + namespace))
	return hex.EncodeToString(sum[:])
}

// FileNameForKey 返回 key 的文件名：md5(key) 加上 key 自带的短扩展名。
func FileNameForKey(key string) string {
	sum := md5.Sum([]byte(key))
	name := hex.EncodeToString(sum[:])

	raw := key
	if u, err := url.Parse(key); err == nil && u.Path != "" {
		raw = u.Path
	}
	ext := path.Ext(raw)
	if ext != "" && len(ext) <= maxExtLen+1 && !strings.ContainsAny(ext, `/\?#`) {
		name += ext
	}
	return name
}

// CachePathForKey 返回 key 位于 root 目录下时的文件路径，常用于定位只读目录中的预置文件。
func CachePathForKey(key, root string) string {
	if key == "" || root == "" {
		return ""
	}
	return filepath.Join(root, FileNameForKey(key))
}

// fileStore 通过 entryLock 避免同一 key 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu       sync.Mutex
	locks    map[string]*entryLock
	readOnly []string
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Path(key string) string {
	return filepath.Join(s.basePath, FileNameForKey(key))
}

func (s *fileStore) AddReadOnlyPath(p string) {
	if p == "" {
		return
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.readOnly {
		if existing == p {
			return
		}
	}
	s.readOnly = append(s.readOnly, p)
}

// candidates 返回读路径：先可写根目录，再只读目录；每个目录同时尝试去掉扩展名的文件名。
func (s *fileStore) candidates(key string) []string {
	name := FileNameForKey(key)
	bare := strings.TrimSuffix(name, filepath.Ext(name))

	s.mu.Lock()
	dirs := append([]string{s.basePath}, s.readOnly...)
	s.mu.Unlock()

	result := make([]string, 0, len(dirs)*2)
	for _, dir := range dirs {
		result = append(result, filepath.Join(dir, name))
		if bare != name {
			result = append(result, filepath.Join(dir, bare))
		}
	}
	return result
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	for _, filePath := range s.candidates(key) {
		info, err := os.Stat(filePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if info.IsDir() {
			continue
		}

		f, err := os.Open(filePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}

		return &ReadResult{
			Entry: Entry{
				Key:       key,
				FilePath:  filePath,
				SizeBytes: info.Size(),
				ModTime:   info.ModTime(),
			},
			Reader: f,
		}, nil
	}
	return nil, ErrNotFound
}

func (s *fileStore) Exists(key string) bool {
	for _, filePath := range s.candidates(key) {
		if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

func (s *fileStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(key)
	defer unlock()

	filePath := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	unlock := s.lockEntry(key)
	defer unlock()

	name := FileNameForKey(key)
	paths := []string{filepath.Join(s.basePath, name)}
	if bare := strings.TrimSuffix(name, filepath.Ext(name)); bare != name {
		paths = append(paths, filepath.Join(s.basePath, bare))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.basePath); err != nil {
		return err
	}
	return os.MkdirAll(s.basePath, 0o755)
}

type diskFile struct {
	path    string
	size    int64
	modTime time.Time
}

// scan 列出可写根目录中的缓存文件，忽略目录和写入中的临时文件。
func (s *fileStore) scan(ctx context.Context) ([]diskFile, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]diskFile, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".cache-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, diskFile{
			path:    filepath.Join(s.basePath, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

func (s *fileStore) Usage(ctx context.Context) (Usage, error) {
	files, err := s.scan(ctx)
	if err != nil {
		return Usage{}, err
	}
	var usage Usage
	for _, f := range files {
		usage.Count++
		usage.Bytes += f.size
	}
	return usage, nil
}

func (s *fileStore) Prune(ctx context.Context, policy PrunePolicy) (PruneResult, error) {
	files, err := s.scan(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	now := policy.Now
	if now.IsZero() {
		now = time.Now()
	}

	var result PruneResult
	survivors := files[:0]
	var total int64
	for _, f := range files {
		if policy.MaxAge > 0 && f.modTime.Before(now.Add(-policy.MaxAge)) {
			if err := os.Remove(f.path); err == nil || errors.Is(err, fs.ErrNotExist) {
				result.Expired++
				result.FreedBytes += f.size
				continue
			}
		}
		survivors = append(survivors, f)
		total += f.size
	}

	if policy.MaxSize > 0 && total > policy.MaxSize {
		target := policy.MaxSize / 2
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].modTime.Before(survivors[j].modTime)
		})
		kept := survivors[:0]
		for i, f := range survivors {
			if total < target {
				kept = append(kept, survivors[i:]...)
				break
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				kept = append(kept, f)
				continue
			}
			result.Trimmed++
			result.FreedBytes += f.size
			total -= f.size
		}
		survivors = kept
	}

	result.Remaining = Usage{Count: len(survivors), Bytes: total}
	return result, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
