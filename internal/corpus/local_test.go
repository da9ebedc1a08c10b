package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xxxsen/ragserve/internal/config"
)

func writeCorpusFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalSourceWalkFiltersDocuments(t *testing.T) {
	dir := t.TempDir()
	writeCorpusFile(t, dir, "notes/a.md", "alpha")
	writeCorpusFile(t, dir, "b.txt", "bravo")
	writeCorpusFile(t, dir, "deep/nested/c.MD", "charlie")
	writeCorpusFile(t, dir, "image.png", "binary junk")
	writeCorpusFile(t, dir, "script.sh", "#!/bin/sh")

	src, err := New(config.CorpusConfig{Type: "local", Data: map[string]interface{}{"dir": dir}})
	require.NoError(t, err)
	require.Contains(t, src.Name(), "local:")

	seen := map[string]string{}
	err = src.Walk(context.Background(), func(path string, content []byte) error {
		seen[path] = string(content)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	require.Equal(t, "alpha", seen["notes/a.md"])
	require.Equal(t, "bravo", seen["b.txt"])
	require.Equal(t, "charlie", seen["deep/nested/c.MD"])
	require.NotContains(t, seen, "image.png")
}

func TestLocalSourceWalkAbortsOnVisitError(t *testing.T) {
	dir := t.TempDir()
	writeCorpusFile(t, dir, "a.md", "alpha")
	writeCorpusFile(t, dir, "b.md", "bravo")

	src, err := New(config.CorpusConfig{Type: "local", Data: map[string]interface{}{"dir": dir}})
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	visits := 0
	err = src.Walk(context.Background(), func(string, []byte) error {
		visits++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, visits)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(config.CorpusConfig{Type: "ftp"})
	require.Error(t, err)

	_, err = New(config.CorpusConfig{})
	require.Error(t, err)
}

func TestLocalSourceRequiresDir(t *testing.T) {
	_, err := New(config.CorpusConfig{Type: "local", Data: map[string]interface{}{}})
	require.Error(t, err)
}
