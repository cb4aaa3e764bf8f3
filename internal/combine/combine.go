// Package combine merges CSV outputs of several workers into one file.
package combine

import (
	"cmp"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/sink"
)

// maxParallelReads bounds how many source files are open at once.
const maxParallelReads = 8

// Result summarizes a combine.
type Result struct {
	Files      int
	Rows       int
	Duplicates int
	Skipped    int
}

// Combine reads every source CSV, drops header rows and repeated question ids,
// and writes the rows to dest sorted by view count, highest first. Malformed
// records are skipped and counted.
func Combine(ctx context.Context, sources []string, dest string, logger *zap.Logger) (Result, error) {
	if len(sources) == 0 {
		return Result{}, errors.New("combine: at least one source is required")
	}
	if dest == "" {
		return Result{}, errors.New("combine: destination is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	perFile := make([][]crawler.Question, len(sources))
	skipped := make([]int, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i, src := range sources {
		g.Go(func() error {
			rows, bad, err := readFile(gctx, src)
			if err != nil {
				return fmt.Errorf("read %s: %w", src, err)
			}
			perFile[i], skipped[i] = rows, bad
			logger.Debug("source read", zap.String("path", src), zap.Int("rows", len(rows)), zap.Int("skipped", bad))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Files: len(sources)}
	seen := make(map[int64]struct{})
	var merged []crawler.Question
	for i, rows := range perFile {
		res.Skipped += skipped[i]
		for _, q := range rows {
			if _, dup := seen[q.ID]; dup {
				res.Duplicates++
				continue
			}
			seen[q.ID] = struct{}{}
			merged = append(merged, q)
		}
	}
	slices.SortStableFunc(merged, func(a, b crawler.Question) int {
		return cmp.Compare(b.ViewCount, a.ViewCount)
	})

	if err := writeFile(dest, merged); err != nil {
		return Result{}, err
	}
	res.Rows = len(merged)
	logger.Info("combined csv files",
		zap.Int("files", res.Files),
		zap.Int("rows", res.Rows),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.String("dest", dest),
	)
	return res, nil
}

func readFile(ctx context.Context, path string) ([]crawler.Question, int, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var (
		rows    []crawler.Question
		skipped int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, skipped, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("parse csv: %w", err)
		}
		if isHeader(rec) {
			continue
		}
		q, err := sink.ParseRecord(rec)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, q)
	}
}

func isHeader(rec []string) bool {
	return slices.Equal(rec, crawler.CSVHeader)
}

// writeFile replaces dest atomically.
func writeFile(dest string, rows []crawler.Question) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".combine-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	w := csv.NewWriter(tmp)
	if err := w.Write(crawler.CSVHeader); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, q := range rows {
		if err := w.Write(sink.Record(q)); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write row %d: %w", q.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("replace destination: %w", err)
	}
	return nil
}
