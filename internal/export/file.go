package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/nessus"
)

const (
	outputDirPerm  = 0750
	outputFilePerm = 0640

	fileTimestampLayout = "20060102-150405"
)

// FileName builds "<prefix>_<scanID>_<yyyymmdd-hhmmss><ext>". An empty
// scanID is left out.
func FileName(prefix, scanID string, format Format, t time.Time) string {
	parts := []string{prefix}
	if scanID != "" {
		parts = append(parts, scanID)
	}
	parts = append(parts, t.UTC().Format(fileTimestampLayout))
	return strings.Join(parts, "_") + format.FileExtension()
}

// validateFilePath rejects relative paths that climb out of the working
// directory and anything that is not a plain file name after cleaning.
func validateFilePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty output path")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("output path %q contains a parent directory reference", path)
		}
	}
	cleaned := filepath.Clean(path)
	if strings.HasSuffix(path, string(filepath.Separator)) || cleaned == "." {
		return "", fmt.Errorf("output path %q names a directory", path)
	}
	return cleaned, nil
}

// WriteFile serializes table into path, creating parent directories. The
// output goes to a temporary file in the same directory that replaces path
// only once writing succeeded, so a failed rewrite keeps the previous file.
func WriteFile(path string, table *nessus.Table, opts Options) (err error) {
	cleaned, err := validateFilePath(path)
	if err != nil {
		return errors.WrapPipelineError(errors.CodeValidation, "invalid output path", path, err)
	}

	dir := filepath.Dir(cleaned)
	if err := os.MkdirAll(dir, outputDirPerm); err != nil {
		return errors.WrapPipelineError(errors.CodeFilePermission, "cannot create output directory", cleaned, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(cleaned)+".tmp-*")
	if err != nil {
		return errors.WrapPipelineError(errors.CodeFilePermission, "cannot open output file", cleaned, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := Write(tmp, table, opts); err != nil {
		return errors.ErrExportFailed(cleaned, err)
	}
	if err := tmp.Chmod(outputFilePerm); err != nil {
		return errors.WrapPipelineError(errors.CodeFilePermission, "cannot set output file mode", cleaned, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.ErrExportFailed(cleaned, err)
	}
	if err := os.Rename(tmp.Name(), cleaned); err != nil {
		return errors.WrapPipelineError(errors.CodeFilePermission, "cannot move output file into place", cleaned, err)
	}
	return nil
}
