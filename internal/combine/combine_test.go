package combine

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

const header = "ID,Title,Tags,View Count,Score,Creation Date,Link\n"

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func readIDs(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestCombineMergesSortsAndDeduplicates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeCSV(t, dir, "worker[1]_appender.csv", header+
		"1,First,go,10,1,2020-01-01T00:00:00Z,https://stackoverflow.com/questions/1/a\n"+
		"2,Second,go;channels,500,3,2020-01-02T00:00:00Z,https://stackoverflow.com/questions/2/b\n")
	b := writeCSV(t, dir, "worker[2]_appender.csv", header+
		"3,Third,java,99,0,2020-01-03T00:00:00Z,https://stackoverflow.com/questions/3/c\n"+
		header+
		"2,Second again,go,500,3,2020-01-02T00:00:00Z,https://stackoverflow.com/questions/2/b\n"+
		"oops,Broken,go,1,1,2020-01-01T00:00:00Z,https://x\n")
	dest := filepath.Join(dir, "out", "all.csv")

	res, err := Combine(context.Background(), []string{a, b}, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Files: 2, Rows: 3, Duplicates: 1, Skipped: 1}, res)

	recs := readIDs(t, dest)
	require.Len(t, recs, 4)
	assert.Equal(t, crawler.CSVHeader, recs[0])
	ids := []string{recs[1][0], recs[2][0], recs[3][0]}
	assert.Equal(t, []string{"2", "3", "1"}, ids)
	assert.Equal(t, "Second", recs[1][1])
}

func TestCombineOverwritesDestination(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeCSV(t, dir, "a.csv", header+"7,Only,go,1,1,2020-01-01T00:00:00Z,https://stackoverflow.com/questions/7/x\n")
	dest := writeCSV(t, dir, "out.csv", "stale content\n")

	_, err := Combine(context.Background(), []string{src}, dest, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "stale"))
	assert.Len(t, readIDs(t, dest), 2)
}

func TestCombineMissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Combine(context.Background(), []string{filepath.Join(dir, "nope.csv")}, filepath.Join(dir, "out.csv"), nil)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "out.csv"))
}

func TestCombineValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := Combine(context.Background(), nil, "out.csv", nil)
	require.Error(t, err)
	_, err = Combine(context.Background(), []string{"a.csv"}, "", nil)
	require.Error(t, err)
}
