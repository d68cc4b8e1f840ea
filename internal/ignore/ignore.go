package ignore

import (
	"bufio"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/davsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const FileName = ".davignore"

var defaultIgnoreLines = []string{
	// davsync
	FileName,
	".davsync_journal.db",
	".davsync_journal.db-*",
	"*.~dav*",
	// partial downloads and editors
	"*.part",
	"*.tmp",
	"*~",
	".~lock.*#",
	// vcs
	".git",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon",
}

// List decides which files under baseDir are left out of an upload run.
type List struct {
	baseDir  string
	ignore   *gitignore.GitIgnore
	excludes []string
}

func NewList(baseDir string, excludes ...string) *List {
	return &List{baseDir: baseDir, excludes: excludes}
}

// Load compiles the built-in rules plus the lines of baseDir/.davignore.
func (l *List) Load() {
	ignorePath := filepath.Join(l.baseDir, FileName)
	lines := append([]string{}, defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		if extra, err := readLines(ignorePath); err != nil {
			slog.Warn("ignore file read", "path", ignorePath, "error", err)
		} else {
			lines = append(lines, extra...)
			slog.Info("ignore file loaded", "path", ignorePath, "rules", len(extra))
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore accepts a path relative to baseDir or an absolute path inside it.
// Absolute paths outside baseDir are never ignored.
func (l *List) ShouldIgnore(path string) bool {
	if filepath.IsAbs(path) {
		rel, ok := utils.RelativeTo(l.baseDir, path)
		if !ok {
			return false
		}
		path = rel
	}
	path = filepath.ToSlash(path)

	if l.ignore != nil && l.ignore.MatchesPath(path) {
		return true
	}
	for _, pattern := range l.excludes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// Files walks baseDir and returns the relative, slash separated paths of all
// regular files that are not ignored. Ignored directories are not descended.
func (l *List) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == l.baseDir {
			return nil
		}
		rel, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		if l.ShouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	return files, err
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
