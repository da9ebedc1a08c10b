package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type localConfig struct {
	Dir string `json:"dir"`
}

type localSource struct {
	dir string
}

func init() {
	Register("local", createLocalSource)
}

func createLocalSource(args interface{}) (Source, error) {
	config := &localConfig{}
	if err := decodeConfig(args, config); err != nil {
		return nil, err
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("local corpus dir is required")
	}
	return &localSource{dir: config.Dir}, nil
}

func (s *localSource) Name() string {
	return "local:" + s.dir
}

func (s *localSource) Walk(ctx context.Context, visit func(path string, content []byte) error) error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isCorpusFile(path) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read corpus file %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			rel = path
		}
		return visit(filepath.ToSlash(rel), content)
	})
}
