package main

import (
	"bufio"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// The scripts ground their fabricated edits and search results in real
// files so the output looks plausible against any checkout.

type fileInfo struct {
	absPath string
	relPath string // relative to the working directory
}

var sourceExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".css": true, ".html": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true, ".sh": true, ".sql": true,
	".proto": true, ".xml": true, ".env": true, ".gitignore": true,
}

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "bin": true, "__pycache__": true, ".cache": true,
	"coverage": true,
}

const (
	scanFileLimit = 200
	scanSizeLimit = 100 * 1024
)

var scannedFiles []fileInfo

// workspaceScan walks the working directory once and caches small source
// files. Walk errors are skipped so a half-readable tree still works.
func workspaceScan() []fileInfo {
	if scannedFiles != nil {
		return scannedFiles
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil
	}

	files := make([]fileInfo, 0, scanFileLimit)
	_ = filepath.WalkDir(wd, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= scanFileLimit {
			return filepath.SkipAll
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !sourceExtensions[ext] && !sourceExtensions[d.Name()] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > scanSizeLimit {
			return nil
		}
		rel, _ := filepath.Rel(wd, path)
		files = append(files, fileInfo{absPath: path, relPath: rel})
		return nil
	})

	scannedFiles = files
	return scannedFiles
}

var fallbackFile = fileInfo{absPath: "/workspace/example.txt", relPath: "example.txt"}

func randomFile() fileInfo {
	files := workspaceScan()
	if len(files) == 0 {
		return fallbackFile
	}
	return files[rand.Intn(len(files))]
}

// randomFileExcluding avoids the given absolute paths on a best-effort
// basis; with a tiny workspace it may still repeat.
func randomFileExcluding(exclude map[string]bool) fileInfo {
	files := workspaceScan()
	if len(files) == 0 {
		return fallbackFile
	}
	for i := 0; i < 20; i++ {
		f := files[rand.Intn(len(files))]
		if !exclude[f.absPath] {
			return f
		}
	}
	return files[rand.Intn(len(files))]
}

func randomFilePaths(n int) []string {
	files := workspaceScan()
	if len(files) == 0 {
		return []string{fallbackFile.relPath}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	paths := make([]string, n)
	for i := range paths {
		paths[i] = files[perm[i]].relPath
	}
	return paths
}

// readFileSnippet returns up to maxLines lines of the file, newline
// terminated, or a placeholder when the file cannot be opened.
func readFileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// pickEditableFragment selects a code-looking line and returns it with a
// mock word substitution, suitable for a one-line diff.
func pickEditableFragment(path string) (before, after string) {
	f, err := os.Open(path)
	if err != nil {
		return "hello", "hello_mock"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var candidates []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 10 && len(trimmed) <= 120 && utf8.ValidString(trimmed) {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "original", "modified"
	}

	line := candidates[rand.Intn(len(candidates))]
	words := strings.Fields(line)
	var editable []int
	for i, w := range words {
		if len(w) > 2 {
			editable = append(editable, i)
		}
	}
	if len(editable) == 0 {
		return line, line + " // mock-edited"
	}
	idx := editable[rand.Intn(len(editable))]
	next := make([]string, len(words))
	copy(next, words)
	next[idx] = words[idx] + "_mock"
	return line, strings.Join(next, " ")
}
