package main

import (
	"bufio"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

// The mock grounds its tool calls in real files from the working directory
// so transcripts read plausibly. Discovery runs once per process.

type repoFile struct {
	path string // absolute
	rel  string // relative to the working directory
}

var (
	repoOnce  sync.Once
	repoFiles []repoFile
)

var sourceExts = map[string]bool{
	".go": true, ".md": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".txt": true, ".sh": true, ".sql": true, ".proto": true,
	".ts": true, ".js": true, ".py": true, ".rs": true,
}

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "bin": true, "testdata": true, ".cache": true,
}

const (
	repoFileLimit = 150
	repoSizeLimit = 64 * 1024
)

func scanRepo() []repoFile {
	repoOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			return
		}
		repoFiles = walkRepo(wd)
	})
	return repoFiles
}

// walkRepo collects readable source files under root, skipping noisy
// directories and anything oversized.
func walkRepo(root string) []repoFile {
	var files []repoFile
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= repoFileLimit {
			return filepath.SkipAll
		}
		if !sourceExts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > repoSizeLimit {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		files = append(files, repoFile{path: path, rel: rel})
		return nil
	})
	return files
}

// pickFile returns a random workspace file, or a stable fallback when the
// working directory holds nothing usable.
func pickFile() repoFile {
	files := scanRepo()
	if len(files) == 0 {
		return repoFile{path: "/tmp/mock-workspace/README.md", rel: "README.md"}
	}
	return files[rand.IntN(len(files))]
}

// pickFiles returns up to n distinct workspace files.
func pickFiles(n int) []repoFile {
	files := scanRepo()
	if len(files) == 0 {
		return []repoFile{pickFile()}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	picked := make([]repoFile, n)
	for i := range picked {
		picked[i] = files[perm[i]]
	}
	return picked
}

// fileHead returns the first n lines of a file.
func fileHead(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return "(unreadable: " + filepath.Base(path) + ")"
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	for i := 0; i < n && scanner.Scan(); i++ {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	return b.String()
}

// editFragment picks a line suitable for a mock edit and returns it with
// its replacement.
func editFragment(path string) (string, string) {
	f, err := os.Open(path)
	if err != nil {
		return "before", "after"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 16 && len(trimmed) <= 100 && utf8.ValidString(trimmed) {
			return line, line + " // touched by mock"
		}
	}
	return "before", "after"
}
