package driver

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dfb-go/internal/engine"
)

// LocalDriver transfers between a local source tree and a local destination
// tree. It is the reference driver: every destination object is a plain
// file under destRoot named by its real path.
type LocalDriver struct {
	srcRoot  string
	destRoot string
	filters  *FilterMatcher
}

// NewLocalDriver creates a driver over the given roots. The source must
// exist; the destination is created on demand.
func NewLocalDriver(srcRoot, destRoot string, filters []string) (*LocalDriver, error) {
	info, err := os.Stat(srcRoot)
	if err != nil {
		return nil, fmt.Errorf("source root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", srcRoot)
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination root: %w", err)
	}
	return &LocalDriver{
		srcRoot:  srcRoot,
		destRoot: destRoot,
		filters:  NewFilterMatcher(filters),
	}, nil
}

func (d *LocalDriver) ListSource(ctx context.Context, subdir string, fn func(engine.SourceEntry) error) error {
	return listLocalSource(ctx, d.srcRoot, d.filters, subdir, fn)
}

// listLocalSource walks a local source tree, shared by every driver whose
// source side is the local filesystem.
func listLocalSource(ctx context.Context, srcRoot string, filters *FilterMatcher, subdir string, fn func(engine.SourceEntry) error) error {
	root := srcRoot
	if subdir != "" {
		root = filepath.Join(root, filepath.FromSlash(subdir))
	}

	return filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		apath := filepath.ToSlash(rel)
		if apath == "." {
			return nil
		}

		if filters.Match(apath) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if de.IsDir() {
			return fn(engine.SourceEntry{APath: apath, IsDir: true})
		}
		// Symlinks and other non-regular files are skipped; they do not
		// appear in the source listing.
		if !de.Type().IsRegular() {
			return nil
		}

		info, err := de.Info()
		if err != nil {
			return err
		}
		return fn(engine.SourceEntry{
			APath:   apath,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Unix(),
		})
	})
}

func (d *LocalDriver) ListDest(ctx context.Context, fn func(engine.DestEntry) error) error {
	return filepath.WalkDir(d.destRoot, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.destRoot, p)
		if err != nil {
			return err
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		return fn(engine.DestEntry{
			RPath:   filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Unix(),
		})
	})
}

func (d *LocalDriver) srcPath(apath string) string {
	return filepath.Join(d.srcRoot, filepath.FromSlash(apath))
}

func (d *LocalDriver) destPath(rpath string) string {
	return filepath.Join(d.destRoot, filepath.FromSlash(rpath))
}

func (d *LocalDriver) Upload(ctx context.Context, apath, rpath string) (*engine.UploadInfo, error) {
	src, err := os.Open(d.srcPath(apath))
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if err := writeFileAtomic(d.destPath(rpath), src); err != nil {
		return nil, err
	}

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("statting source file: %w", err)
	}
	return &engine.UploadInfo{ModTime: info.ModTime().UTC().Unix()}, nil
}

func (d *LocalDriver) CopyDest(ctx context.Context, srcRPath, dstRPath string) error {
	src, err := os.Open(d.destPath(srcRPath))
	if err != nil {
		return fmt.Errorf("opening destination object: %w", err)
	}
	defer src.Close()
	return writeFileAtomic(d.destPath(dstRPath), src)
}

func (d *LocalDriver) PutSmall(ctx context.Context, rpath string, data []byte) error {
	return writeFileAtomic(d.destPath(rpath), strings.NewReader(string(data)))
}

func (d *LocalDriver) GetSmall(ctx context.Context, rpath string) ([]byte, error) {
	data, err := os.ReadFile(d.destPath(rpath))
	if err != nil {
		return nil, fmt.Errorf("reading destination object: %w", err)
	}
	return data, nil
}

func (d *LocalDriver) Delete(ctx context.Context, rpath string) error {
	if err := os.Remove(d.destPath(rpath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting destination object: %w", err)
	}
	return nil
}

func (d *LocalDriver) SupportsServerCopy() bool { return true }

func (d *LocalDriver) CacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine cache directory: %w", err)
	}
	return dir, nil
}

// writeFileAtomic writes via a temporary name and renames into place so a
// crashed transfer never leaves a half-written object under its final name.
func writeFileAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".swap.*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing destination object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing destination object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

var _ engine.Transfer = (*LocalDriver)(nil)
