// Package filter decides which workspace files take part in text
// synchronization. Tool directories are skipped, binary and media files are
// recognized by extension, and files above the size ceiling are tracked but
// never loaded.
package filter

import (
	"bytes"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultMaxFileSize is the content ceiling for synchronized files (1 MiB).
const DefaultMaxFileSize int64 = 1 << 20

// DefaultIgnoreDirs are tool and build artifact directories that never hold
// user-authored files.
var DefaultIgnoreDirs = []string{
	"node_modules",
	".git",
	"__pycache__",
	"dist",
	"build",
}

// DefaultBinaryExtensions lists media, archive and executable extensions.
var DefaultBinaryExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".webp", ".avif", ".tiff",
	".mp3", ".wav", ".ogg", ".flac", ".m4a",
	".mp4", ".mov", ".avi", ".mkv", ".webm",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".zip", ".gz", ".tgz", ".bz2", ".xz", ".7z", ".rar", ".tar",
	".exe", ".dll", ".so", ".dylib", ".bin", ".o", ".a", ".class", ".jar", ".pyc",
	".wasm", ".pdf", ".sqlite", ".db",
}

// Options configures a Filter. Zero values select the defaults.
type Options struct {
	// IgnorePatterns are gitignore-style patterns added to DefaultIgnoreDirs.
	IgnorePatterns []string
	// BinaryExtensions replaces DefaultBinaryExtensions when non-empty.
	BinaryExtensions []string
	// MaxFileSize replaces DefaultMaxFileSize when positive.
	MaxFileSize int64
}

type Filter struct {
	dirs       map[string]bool
	matcher    *ignore.GitIgnore
	binaryExts map[string]bool
	maxSize    int64
}

func New(opts Options) *Filter {
	f := &Filter{
		dirs:       make(map[string]bool, len(DefaultIgnoreDirs)),
		binaryExts: make(map[string]bool),
		maxSize:    opts.MaxFileSize,
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxFileSize
	}

	for _, d := range DefaultIgnoreDirs {
		f.dirs[d] = true
	}

	patterns := make([]string, 0, len(opts.IgnorePatterns))
	for _, p := range opts.IgnorePatterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		patterns = append(patterns, p)
	}
	if len(patterns) > 0 {
		f.matcher = ignore.CompileIgnoreLines(patterns...)
	}

	exts := opts.BinaryExtensions
	if len(exts) == 0 {
		exts = DefaultBinaryExtensions
	}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.binaryExts[ext] = true
	}

	return f
}

// MaxFileSize returns the content ceiling in bytes.
func (f *Filter) MaxFileSize() int64 {
	return f.maxSize
}

// SkipDir reports whether a directory (project-relative) should not be
// descended into.
func (f *Filter) SkipDir(rel string) bool {
	rel = filepath.ToSlash(rel)
	if f.dirs[path.Base(rel)] {
		return true
	}
	return f.matcher != nil && (f.matcher.MatchesPath(rel+"/") || f.matcher.MatchesPath(rel))
}

// ShouldIgnore reports whether a file (project-relative) lies in an ignored
// directory or matches an ignore pattern.
func (f *Filter) ShouldIgnore(rel string) bool {
	rel = filepath.ToSlash(rel)
	segments := strings.Split(rel, "/")
	for _, seg := range segments[:len(segments)-1] {
		if f.dirs[seg] {
			return true
		}
	}
	if f.matcher == nil {
		return false
	}
	if f.matcher.MatchesPath(rel) {
		return true
	}
	// Directory-only patterns ("logs/") must also hide what is inside.
	for i := 1; i < len(segments); i++ {
		if f.matcher.MatchesPath(strings.Join(segments[:i], "/") + "/") {
			return true
		}
	}
	return false
}

// IsBinaryPath reports whether the extension marks a binary or media file.
func (f *Filter) IsBinaryPath(rel string) bool {
	return f.binaryExts[strings.ToLower(path.Ext(filepath.ToSlash(rel)))]
}

// Oversized reports whether size exceeds the content ceiling.
func (f *Filter) Oversized(size int64) bool {
	return size > f.maxSize
}

// Excluded reports whether the file's content stays out of synchronization.
func (f *Filter) Excluded(rel string, size int64) bool {
	return f.IsBinaryPath(rel) || f.Oversized(size)
}

// Listable reports whether a file appears in listings and archives.
func (f *Filter) Listable(rel string, size int64) bool {
	return !f.ShouldIgnore(rel) && !f.Excluded(rel, size)
}

// IsText reports whether data decodes as UTF-8 text. NUL bytes are treated
// as a binary marker even though they are valid UTF-8.
func IsText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}
