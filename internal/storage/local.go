package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Compile-time check that LocalBackend implements Backend.
var _ Backend = (*LocalBackend)(nil)

const metaDirName = ".meta"

// sidecar is the on-disk metadata record kept next to each object.
type sidecar struct {
	ContentType string            `json:"content_type"`
	SHA256      string            `json:"sha256,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

var (
	errIncompleteBody = errors.New("body length does not match Content-Length")
	errBadDigest      = errors.New("body does not match the supplied SHA-256")
)

// integrity is what an upload claims about its body. A zero value claims
// nothing.
type integrity struct {
	size      int64
	sizeKnown bool
	sha256    []byte
}

// LocalBackend implements Backend on local disk. Objects live under
// <root>/<container>/<key>; their metadata lives under
// <root>/.meta/<container>/<key>.json and is replaced with a
// write-then-rename so readers never see a partial record.
type LocalBackend struct {
	root   string
	signer *Signer

	// mu serialises metadata read-modify-write cycles.
	mu sync.Mutex
}

// NewLocalBackend creates a new LocalBackend rooted at root.
// If root is empty, a directory below os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalBackend(root string, signer *Signer) (*LocalBackend, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "streetstage")
	}
	if signer == nil {
		return nil, errors.New("storage: local backend requires an upload signer")
	}

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalBackend{root: root, signer: signer}, nil
}

// Stat returns file size and sidecar metadata.
func (b *LocalBackend) Stat(ctx context.Context, loc Location) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	objPath, err := b.objectPath(loc)
	if err != nil {
		return ObjectInfo{}, err
	}

	fi, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", loc, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}

	sc, err := b.readSidecar(loc)
	if err != nil {
		return ObjectInfo{}, err
	}

	contentType := sc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return ObjectInfo{
		Location:     loc,
		Size:         fi.Size(),
		ContentType:  contentType,
		Metadata:     sc.Metadata,
		LastModified: fi.ModTime(),
		SHA256:       sc.SHA256,
	}, nil
}

// Open returns the file positioned at offset, limited to length bytes.
func (b *LocalBackend) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objPath, err := b.objectPath(loc)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(objPath) // #nosec G304 - path is derived from a validated location
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("open object %s: %w", loc, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek object %s: %w", loc, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

// ReplaceMetadata rewrites the sidecar, keeping the stored content type.
func (b *LocalBackend) ReplaceMetadata(ctx context.Context, loc Location, metadata map[string]string, mode WriteMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objPath, err := b.objectPath(loc)
	if err != nil {
		return err
	}

	if mode == ModeStrict {
		if _, err := os.Stat(objPath); err != nil {
			if os.IsNotExist(err) {
				return ErrObjectNotFound
			}
			return fmt.Errorf("stat object %s: %w", loc, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sc, err := b.readSidecar(loc)
	if err != nil {
		return err
	}
	sc.Metadata = copyMetadata(metadata)
	return b.writeSidecar(loc, sc)
}

// SignUpload returns a signed URL served by UploadHandler.
func (b *LocalBackend) SignUpload(_ context.Context, loc Location, ttl time.Duration) (string, error) {
	if _, err := b.objectPath(loc); err != nil {
		return "", err
	}
	return b.signer.Sign(loc, ttl), nil
}

// write stores data at loc atomically and records its content type.
// write stores data at loc and records its SHA-256. Nothing is committed
// when the body contradicts want.
func (b *LocalBackend) write(loc Location, contentType string, data io.Reader, want integrity) (int64, error) {
	objPath, err := b.objectPath(loc)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0750); err != nil {
		return 0, fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(objPath), ".upload_*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()

	hash := sha256.New()
	n, err := io.Copy(f, io.TeeReader(data, hash))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close object: %w", err)
	}
	sum := hash.Sum(nil)
	if want.sizeKnown && n != want.size {
		_ = os.Remove(tmpName)
		return n, fmt.Errorf("%w: got %d bytes, want %d", errIncompleteBody, n, want.size)
	}
	if want.sha256 != nil && !bytes.Equal(sum, want.sha256) {
		_ = os.Remove(tmpName)
		return n, errBadDigest
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Rename(tmpName, objPath); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("commit object: %w", err)
	}

	sc, err := b.readSidecar(loc)
	if err != nil {
		return n, err
	}
	sc.ContentType = contentType
	sc.SHA256 = hex.EncodeToString(sum)
	if err := b.writeSidecar(loc, sc); err != nil {
		return n, err
	}
	return n, nil
}

func (b *LocalBackend) objectPath(loc Location) (string, error) {
	if !loc.Valid() || !safeSegment(loc.Container) || !safeKey(loc.Key) {
		return "", ErrInvalidLocation
	}
	return filepath.Join(b.root, loc.Container, filepath.FromSlash(loc.Key)), nil
}

func (b *LocalBackend) sidecarPath(loc Location) string {
	return filepath.Join(b.root, metaDirName, loc.Container, filepath.FromSlash(loc.Key)+".json")
}

func (b *LocalBackend) readSidecar(loc Location) (sidecar, error) {
	raw, err := os.ReadFile(b.sidecarPath(loc))
	if err != nil {
		if os.IsNotExist(err) {
			return sidecar{}, nil
		}
		return sidecar{}, fmt.Errorf("read metadata %s: %w", loc, err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sidecar{}, fmt.Errorf("decode metadata %s: %w", loc, err)
	}
	return sc, nil
}

func (b *LocalBackend) writeSidecar(loc Location, sc sidecar) error {
	target := b.sidecarPath(loc)
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}

	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", loc, err)
	}

	f, err := os.CreateTemp(filepath.Dir(target), ".meta_*")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpName := f.Name()
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write metadata %s: %w", loc, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close metadata %s: %w", loc, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit metadata %s: %w", loc, err)
	}
	return nil
}

// limitedFile closes the underlying file of a LimitReader.
type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && s != metaDirName && !strings.ContainsAny(s, `/\`)
}

func safeKey(key string) bool {
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
