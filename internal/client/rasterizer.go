package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/slidevoice/api/internal/config"
)

// PageRasterizer turns a document into ordered page images.
type PageRasterizer interface {
	Rasterize(ctx context.Context, documentPath, outDir string) ([]string, error)
}

// MutoolRasterizer renders PDF pages with MuPDF's mutool.
type MutoolRasterizer struct {
	mutoolPath string
	dpi        int
	runner     CommandRunner
}

// NewMutoolRasterizer creates a rasterizer from config.
func NewMutoolRasterizer(cfg *config.RasterizerConfig, runner CommandRunner) *MutoolRasterizer {
	if runner == nil {
		runner = ExecRunner{}
	}
	dpi := cfg.DPI
	if dpi <= 0 {
		dpi = 144
	}
	return &MutoolRasterizer{
		mutoolPath: cfg.MutoolPath,
		dpi:        dpi,
		runner:     runner,
	}
}

// Rasterize writes slide_{n}.png (1-indexed) into outDir and returns the
// paths in page order. On failure the slice is empty.
func (r *MutoolRasterizer) Rasterize(ctx context.Context, documentPath, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create slides dir: %w", err)
	}

	args := []string{
		"draw",
		"-q",
		"-r", strconv.Itoa(r.dpi),
		"-o", filepath.Join(outDir, "slide_%d.png"),
		documentPath,
	}
	if _, err := runTool(ctx, r.runner, "mutool", "", r.mutoolPath, args...); err != nil {
		return nil, err
	}

	return collectSlides(outDir)
}

// collectSlides lists slide_{n}.png files sorted by page number.
func collectSlides(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read slides dir: %w", err)
	}

	type slide struct {
		n    int
		path string
	}
	var slides []slide
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "slide_") || !strings.HasSuffix(name, ".png") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "slide_"), ".png"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{n: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	paths := make([]string, 0, len(slides))
	for _, s := range slides {
		paths = append(paths, s.path)
	}
	return paths, nil
}
