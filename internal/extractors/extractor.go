package extractors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/miradorstack/mirador-audit/internal/kg"
)

// Supported log formats.
const (
	FormatSQLite = "sqlite"
	FormatJSON   = "json"
)

// Reader loads a log snapshot.
type Reader interface {
	Read(ctx context.Context) (kg.Source, error)
}

// DetectFormat picks a format from an explicit setting or the file extension.
func DetectFormat(path, format string) (string, error) {
	if format != "" {
		switch strings.ToLower(format) {
		case FormatSQLite, "sqlite3":
			return FormatSQLite, nil
		case FormatJSON, "jsonocel":
			return FormatJSON, nil
		}
		return "", fmt.Errorf("unsupported source format %q", format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".sqlite3", ".db":
		return FormatSQLite, nil
	case ".json", ".jsonocel":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("cannot infer source format from %q", path)
}

// Open returns a Reader for path.
func Open(path, format string, schema kg.Schema, logger *slog.Logger) (Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("source path is required")
	}
	resolved, err := DetectFormat(path, format)
	if err != nil {
		return nil, err
	}
	if resolved == FormatSQLite {
		return NewSQLiteReader(path, logger), nil
	}
	return NewJSONReader(path, schema, logger), nil
}
