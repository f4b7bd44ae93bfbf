package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/fileutil"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

type walkEntry struct {
	rel  string
	abs  string
	info fs.FileInfo
}

// walk visits the regular files of a project that are not in an ignored
// location, in lexical order. Directories are reported through onDir when it
// is non-nil. Entries that vanish during the walk are skipped.
func (s *Service) walk(ctx context.Context, project string, onDir func(rel string), onFile func(walkEntry) error) error {
	root, err := s.registry.PathOf(project)
	if err != nil {
		return err
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			s.logger.Warn("skipping unreadable entry", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.filter.SkipDir(rel) || s.filter.ShouldIgnore(rel) {
				return filepath.SkipDir
			}
			if onDir != nil {
				onDir(rel)
			}
			return nil
		}
		if !d.Type().IsRegular() || fileutil.IsTempName(rel) || s.filter.ShouldIgnore(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return &fileutil.IOError{Op: "stat", Path: p, Err: err}
		}
		return onFile(walkEntry{rel: rel, abs: p, info: info})
	})
	if err != nil {
		var ioErr *fileutil.IOError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ioErr) {
			return err
		}
		return &fileutil.IOError{Op: "walk", Path: root, Err: err}
	}
	return nil
}

// listable walks the files that take part in synchronization: binary
// extensions and files above the size ceiling are left out.
func (s *Service) listable(ctx context.Context, project string, fn func(walkEntry) error) error {
	return s.walk(ctx, project, nil, func(e walkEntry) error {
		size := e.info.Size()
		if s.filter.Listable(e.rel, size) {
			return fn(e)
		}
		if !s.filter.IsBinaryPath(e.rel) {
			s.logger.Info("excluding oversized file",
				zap.String("project", project),
				zap.String("path", e.rel),
				zap.Int64("size", size),
				zap.Int64("max", s.filter.MaxFileSize()))
		}
		return nil
	})
}

// ListFiles returns the sorted relative paths of the project's text files.
func (s *Service) ListFiles(ctx context.Context, project string) ([]string, error) {
	files := []string{}
	err := s.listable(ctx, project, func(e walkEntry) error {
		files = append(files, e.rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Snapshot returns every listed file with its content. Files that vanish or
// turn out not to be text are skipped.
func (s *Service) Snapshot(ctx context.Context, project string) ([]WorkspaceFile, error) {
	var files []WorkspaceFile
	err := s.listable(ctx, project, func(e walkEntry) error {
		data, err := os.ReadFile(e.abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return &fileutil.IOError{Op: "read", Path: e.abs, Err: err}
		}
		if !filter.IsText(data) {
			s.logger.Debug("snapshot skipping undecodable file", zap.String("project", project), zap.String("path", e.rel))
			return nil
		}
		files = append(files, WorkspaceFile{
			Project: project,
			Path:    e.rel,
			Content: string(data),
			Size:    int64(len(data)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Stat counts the files and directories of a project. Excluded files are
// counted in Files and Bytes as well as in Excluded.
func (s *Service) Stat(ctx context.Context, project string) (ProjectInfo, error) {
	info := ProjectInfo{Name: project}
	err := s.walk(ctx, project,
		func(string) { info.Directories++ },
		func(e walkEntry) error {
			info.Files++
			info.Bytes += e.info.Size()
			if s.filter.Excluded(e.rel, e.info.Size()) {
				info.Excluded++
			}
			return nil
		})
	if err != nil {
		return ProjectInfo{}, err
	}
	return info, nil
}

// DownloadArchive streams a deflated zip of the files ListFiles returns.
func (s *Service) DownloadArchive(ctx context.Context, project string, w io.Writer) error {
	files, err := s.ListFiles(ctx, project)
	if err != nil {
		return err
	}
	root, err := s.registry.PathOf(project)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addToArchive(zw, filepath.Join(root, filepath.FromSlash(rel)), rel); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	s.logger.Info("archive written", zap.String("project", project), zap.Int("files", len(files)))
	return nil
}

func addToArchive(zw *zip.Writer, abs, name string) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &fileutil.IOError{Op: "stat", Path: abs, Err: err}
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build archive header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return &fileutil.IOError{Op: "archive", Path: abs, Err: err}
	}
	return nil
}
