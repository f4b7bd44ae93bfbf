package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/fileutil"
	"github.com/devdost/wsync/internal/ledger"
	"github.com/devdost/wsync/sandbox"
	"go.uber.org/zap"
)

// resolve validates the relative path lexically, then the project, then
// confines the path physically. It returns the normalized relative path and
// the absolute one.
func (s *Service) resolve(project, rel string) (string, string, error) {
	clean, err := sandbox.Clean(rel)
	if err != nil {
		return "", "", err
	}
	if clean == "." {
		return "", "", fmt.Errorf("%w: %q refers to the project root", ErrInvalidPath, rel)
	}
	if fileutil.IsTempName(clean) {
		return "", "", fmt.Errorf("%w: %q uses a reserved name", ErrInvalidPath, rel)
	}

	root, err := s.registry.PathOf(project)
	if err != nil {
		return "", "", err
	}
	abs, err := sandbox.Resolve(root, clean)
	if err != nil {
		return "", "", err
	}
	return clean, abs, nil
}

// WriteFile creates or replaces a file with UTF-8 content. The project must
// exist; missing parent directories are created.
func (s *Service) WriteFile(ctx context.Context, project, path, content, origin string) (WorkspaceFile, error) {
	if err := ctx.Err(); err != nil {
		return WorkspaceFile{}, err
	}
	if !filter.IsText([]byte(content)) {
		return WorkspaceFile{}, fmt.Errorf("%w: %s", ErrDecodeFailure, path)
	}
	clean, abs, err := s.resolve(project, path)
	if err != nil {
		return WorkspaceFile{}, err
	}
	return s.write(project, clean, abs, []byte(content), origin)
}

func (s *Service) write(project, clean, abs string, data []byte, origin string) (WorkspaceFile, error) {
	unlock := s.locks.lock(abs)
	defer unlock()

	info, statErr := os.Stat(abs)
	existed := statErr == nil
	if existed && info.IsDir() {
		return WorkspaceFile{}, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, clean)
	}

	id := s.ledger.RecordWrite(abs, ledger.Hash(data))
	if err := s.writer.Write(abs, data); err != nil {
		s.ledger.Drop(id)
		return WorkspaceFile{}, err
	}
	s.ledger.Land(id)

	size := int64(len(data))
	file := WorkspaceFile{
		Project:  project,
		Path:     clean,
		Size:     size,
		Excluded: s.filter.Excluded(clean, size),
	}
	if !file.Excluded {
		file.Content = string(data)
	}

	var change event.Change
	if existed {
		change = event.Updated{Path: clean, Content: file.Content, Size: size, Excluded: file.Excluded}
	} else {
		change = event.Created{Path: clean, Content: file.Content, Size: size, Excluded: file.Excluded}
	}
	s.publish(project, origin, change)

	s.logger.Debug("file written",
		zap.String("project", project),
		zap.String("path", clean),
		zap.Int64("size", size),
		zap.String("origin", origin))
	return file, nil
}

// ReadFile returns the content of a file. Files above the size ceiling are
// still readable.
func (s *Service) ReadFile(ctx context.Context, project, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, abs, err := s.resolve(project, path)
	if err != nil {
		return "", err
	}

	if err := regularFile(clean, abs); err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return "", &fileutil.IOError{Op: "read", Path: abs, Err: err}
	}
	if !filter.IsText(data) {
		return "", fmt.Errorf("%w: %s", ErrDecodeFailure, clean)
	}
	return string(data), nil
}

// DeleteFile removes a file, or a directory recursively.
func (s *Service) DeleteFile(ctx context.Context, project, path, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, abs, err := s.resolve(project, path)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(abs)
	defer unlock()

	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return &fileutil.IOError{Op: "stat", Path: abs, Err: err}
	}

	ids := s.recordRemoval(abs)
	if err := s.writer.Remove(abs); err != nil {
		s.ledger.Drop(ids...)
		return err
	}
	s.ledger.Land(ids...)

	s.publish(project, origin, event.Deleted{Path: clean})
	s.logger.Debug("file deleted", zap.String("project", project), zap.String("path", clean), zap.String("origin", origin))
	return nil
}

// RenameFile moves a file or directory within one project, creating the
// destination's parents.
func (s *Service) RenameFile(ctx context.Context, project, oldPath, newPath, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	oldClean, oldAbs, err := s.resolve(project, oldPath)
	if err != nil {
		return err
	}
	newClean, newAbs, err := s.resolve(project, newPath)
	if err != nil {
		return err
	}
	if oldAbs == newAbs {
		return nil
	}
	if sandbox.Within(oldAbs, newAbs) {
		return fmt.Errorf("%w: cannot move %s into itself", ErrInvalidPath, oldClean)
	}

	unlock := s.locks.lock(oldAbs, newAbs)
	defer unlock()

	if _, err := os.Lstat(oldAbs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, oldClean)
		}
		return &fileutil.IOError{Op: "stat", Path: oldAbs, Err: err}
	}

	ids := s.recordMove(oldAbs, newAbs)
	if err := s.writer.Rename(oldAbs, newAbs); err != nil {
		s.ledger.Drop(ids...)
		return err
	}
	s.ledger.Land(ids...)

	s.publish(project, origin, event.Renamed{OldPath: oldClean, NewPath: newClean})
	s.logger.Debug("file renamed",
		zap.String("project", project),
		zap.String("from", oldClean),
		zap.String("to", newClean),
		zap.String("origin", origin))
	return nil
}

// CreateDirectory makes a directory and its parents. Directories are implicit
// in file paths, so no event is published.
func (s *Service) CreateDirectory(ctx context.Context, project, path, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, abs, err := s.resolve(project, path)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(abs)
	defer unlock()

	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s is a file", ErrInvalidPath, clean)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return &fileutil.IOError{Op: "mkdir", Path: abs, Err: err}
	}

	s.logger.Debug("directory created", zap.String("project", project), zap.String("path", clean), zap.String("origin", origin))
	return nil
}

// CopyFile duplicates a file inside a project. The destination event is a
// creation or an update like any write.
func (s *Service) CopyFile(ctx context.Context, project, src, dst, origin string) (WorkspaceFile, error) {
	if err := ctx.Err(); err != nil {
		return WorkspaceFile{}, err
	}
	srcClean, srcAbs, err := s.resolve(project, src)
	if err != nil {
		return WorkspaceFile{}, err
	}
	dstClean, dstAbs, err := s.resolve(project, dst)
	if err != nil {
		return WorkspaceFile{}, err
	}

	if err := regularFile(srcClean, srcAbs); err != nil {
		return WorkspaceFile{}, err
	}

	data, err := os.ReadFile(srcAbs)
	if err != nil {
		return WorkspaceFile{}, &fileutil.IOError{Op: "read", Path: srcAbs, Err: err}
	}
	return s.write(project, dstClean, dstAbs, data, origin)
}

// regularFile checks that abs is a regular file. Directories, pipes and
// devices are refused before anything opens them.
func regularFile(clean, abs string) error {
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return &fileutil.IOError{Op: "stat", Path: abs, Err: err}
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, clean)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidPath, clean)
	}
	return nil
}

// recordRemoval tombstones abs and, for a directory, everything below it:
// the watcher sees one removal per entry.
func (s *Service) recordRemoval(abs string) []uint64 {
	var ids []uint64
	_ = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		ids = append(ids, s.ledger.RecordRemove(p))
		return nil
	})
	return ids
}

// recordMove tombstones the source tree and records the content of every
// file under its destination path, where the watcher will find it again.
func (s *Service) recordMove(oldAbs, newAbs string) []uint64 {
	var ids []uint64
	_ = filepath.WalkDir(oldAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		ids = append(ids, s.ledger.RecordRemove(p))
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(oldAbs, p)
		if err != nil {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		hash, _, err := ledger.HashReader(f)
		if err != nil {
			return nil
		}
		ids = append(ids, s.ledger.RecordWrite(filepath.Join(newAbs, rel), hash))
		return nil
	})
	return ids
}
