package capability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// FileInfo describes one entry returned by RemoteFS.GetInfo/List.
type FileInfo struct {
	Path  string
	Size  int64
	IsDir bool
}

// RemoteFS is the remote-filesystem capability the Deployment Engine uses
// for backup and apply. Every path is validated against directory traversal
// and a whitelisted root before any operation touches the filesystem.
//
// This is a tool-wrapper capability like RepoHost, but unlike git/gh there
// is no external tool whose behavior differs from a direct filesystem call
// here — shelling out to mkdir/cp/rm would only add shell-quoting risk for
// a local path. CommandRemoteFS therefore performs the operation directly
// and reserves the "wrap a process" shape for a future SSH/SFTP-backed
// implementation without changing the interface.
type RemoteFS interface {
	CreateDir(ctx context.Context, share, path string) error
	WriteFile(ctx context.Context, share, path string, content []byte) error
	ReadFile(ctx context.Context, share, path string) ([]byte, error)
	List(ctx context.Context, share, path string) ([]FileInfo, error)
	Delete(ctx context.Context, share, path string) error
	GetInfo(ctx context.Context, share, path string) (FileInfo, error)
}

// CommandRemoteFS implements RemoteFS against a set of whitelisted local
// root directories ("shares"), each identified by name.
type CommandRemoteFS struct {
	roots      map[string]string
	maxContent int64
	timeout    time.Duration
}

// NewCommandRemoteFS builds a CommandRemoteFS. maxContentBytes defaults to
// 10 MiB if <= 0, per the capability's default write-size limit.
func NewCommandRemoteFS(roots map[string]string, maxContentBytes int64, timeout time.Duration) *CommandRemoteFS {
	if maxContentBytes <= 0 {
		maxContentBytes = 10 * 1024 * 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandRemoteFS{roots: roots, maxContent: maxContentBytes, timeout: timeout}
}

// resolve validates path against traversal and the share's whitelisted
// root, returning the absolute filesystem path.
func (fs *CommandRemoteFS) resolve(share, path string) (string, error) {
	root, ok := fs.roots[share]
	if !ok {
		return "", errs.New(errs.KindNotFound, "unknown share: "+share)
	}
	if strings.Contains(path, "..") || strings.Contains(path, "//") {
		return "", errs.New(errs.KindPolicyViolation, "path contains traversal or repeated separators")
	}

	full := filepath.Join(root, path)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "resolving share root", err)
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "resolving path", err)
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", errs.New(errs.KindPolicyViolation, "path escapes whitelisted root")
	}
	return fullAbs, nil
}

func (fs *CommandRemoteFS) CreateDir(ctx context.Context, share, path string) error {
	full, err := fs.resolve(share, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return errs.Wrap(errs.KindTransport, "creating directory", err)
	}
	return nil
}

func (fs *CommandRemoteFS) WriteFile(ctx context.Context, share, path string, content []byte) error {
	if int64(len(content)) > fs.maxContent {
		return errs.New(errs.KindPayloadTooLarge, "content exceeds maximum write size")
	}
	full, err := fs.resolve(share, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrap(errs.KindTransport, "creating parent directory", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return errs.Wrap(errs.KindTransport, "writing file", err)
	}
	return nil
}

func (fs *CommandRemoteFS) ReadFile(ctx context.Context, share, path string) ([]byte, error) {
	full, err := fs.resolve(share, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "file not found")
		}
		return nil, errs.Wrap(errs.KindTransport, "reading file", err)
	}
	return data, nil
}

func (fs *CommandRemoteFS) List(ctx context.Context, share, path string) ([]FileInfo, error) {
	full, err := fs.resolve(share, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "directory not found")
		}
		return nil, errs.Wrap(errs.KindTransport, "listing directory", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Path:  filepath.Join(path, e.Name()),
			Size:  info.Size(),
			IsDir: e.IsDir(),
		})
	}
	return out, nil
}

func (fs *CommandRemoteFS) Delete(ctx context.Context, share, path string) error {
	full, err := fs.resolve(share, path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return errs.Wrap(errs.KindTransport, "deleting path", err)
	}
	return nil
}

func (fs *CommandRemoteFS) GetInfo(ctx context.Context, share, path string) (FileInfo, error) {
	full, err := fs.resolve(share, path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, errs.New(errs.KindNotFound, "path not found")
		}
		return FileInfo{}, errs.Wrap(errs.KindTransport, "statting path", err)
	}
	return FileInfo{Path: path, Size: info.Size(), IsDir: info.IsDir()}, nil
}

// CopyTree recursively copies src to dst within the same share. The
// Deployment Engine does not use it: its backups are taken file by file.
// It is not part of the RemoteFS
// interface since it composes List/ReadFile/WriteFile rather than wrapping
// a single operation.
func CopyTree(ctx context.Context, fs RemoteFS, share, src, dst string) error {
	info, err := fs.GetInfo(ctx, share, src)
	if err != nil {
		return err
	}
	if !info.IsDir {
		content, err := fs.ReadFile(ctx, share, src)
		if err != nil {
			return err
		}
		return fs.WriteFile(ctx, share, dst, content)
	}

	if err := fs.CreateDir(ctx, share, dst); err != nil {
		return err
	}
	entries, err := fs.List(ctx, share, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := filepath.Base(e.Path)
		if err := CopyTree(ctx, fs, share, filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}
