// Package parsers turns raw project files into entity records. Every parser is a
// pure file-in/struct-out function; nothing here touches the database.
package parsers

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var skippedDirs = map[string]bool{
	".git":         true,
	".pmdash":      true,
	"node_modules": true,
	"vendor":       true,
}

// CollectFiles walks each root (relative to projectRoot) and returns the absolute
// paths of files with one of the given extensions, sorted. Missing roots are skipped.
func CollectFiles(projectRoot string, roots []string, exts ...string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, root := range roots {
		dir := filepath.Join(projectRoot, filepath.FromSlash(root))
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", root, err)
		}
		if !info.IsDir() {
			if hasExt(dir, exts) && !seen[dir] {
				seen[dir] = true
				files = append(files, dir)
			}
			continue
		}

		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && skippedDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if hasExt(path, exts) && !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func hashBytes(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
