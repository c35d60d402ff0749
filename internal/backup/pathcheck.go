package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/grimbot/internal/errors"
)

// PathCheckMode indicates whether the path check is for reading or writing.
type PathCheckMode int

const (
	PathCheckRead  PathCheckMode = iota // for import (read file)
	PathCheckWrite                      // for export (write file)
)

// ResolvePath places a bare file name inside dir. Other paths are returned
// unchanged for ValidatePath to judge.
func ResolvePath(path, dir string) string {
	if path != "" && !filepath.IsAbs(path) && filepath.Base(path) == path {
		return filepath.Join(dir, path)
	}
	return path
}

// ValidatePath checks an import or export path:
// no ".." components, a .jsonl extension, a parent that is exactly dir
// (no subdirectories), and no symlink as the parent or the file.
//
// Requiring the file to sit directly in dir leaves no intermediate directory
// to swap for a symlink between this check and the O_NOFOLLOW open.
func ValidatePath(path string, mode PathCheckMode, dir string) error {
	if path == "" {
		return errors.NewParse(errors.ParseMissingArgument, "path is required")
	}

	if containsTraversal(path) {
		return errors.NewParse(errors.ParseMalformed, "path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if filepath.Ext(cleaned) != ".jsonl" {
		return errors.NewParse(errors.ParseMalformed, "path must have .jsonl extension")
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewParse(errors.ParseMalformed, fmt.Sprintf("invalid path: %v", err))
	}

	allowed, err := resolveDir(dir)
	if err != nil {
		return err
	}

	parentDir := filepath.Dir(absPath)
	if filepath.Clean(parentDir) != allowed {
		return errors.NewParse(errors.ParseMalformed,
			fmt.Sprintf("file must be directly in %s (no subdirectories)", allowed))
	}

	if info, err := os.Lstat(parentDir); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewParse(errors.ParseMalformed, "parent directory must not be a symlink")
	}

	if mode == PathCheckRead {
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			return errors.NewNotFound("file", path)
		}
	}

	if info, err := os.Lstat(absPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewParse(errors.ParseMalformed, "path must not be a symlink")
	}

	return nil
}

// resolveDir returns dir absolute and cleaned, with a symlinked dir
// resolved to its target.
func resolveDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.NewInternal(fmt.Errorf("export directory is not configured"))
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return "", errors.NewParse(errors.ParseMalformed, fmt.Sprintf("invalid export directory: %v", err))
	}
	if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", errors.NewParse(errors.ParseMalformed, fmt.Sprintf("cannot resolve export directory: %v", err))
		}
		abs = resolved
	}
	return abs, nil
}

// containsTraversal checks if path contains ".." directory traversal.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}
