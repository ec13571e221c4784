package extractors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
)

// SQLiteReader reads the standard OCEL2 SQLite export layout.
type SQLiteReader struct {
	path   string
	logger *slog.Logger
}

// NewSQLiteReader constructs a reader for an OCEL2 SQLite file.
func NewSQLiteReader(path string, log *slog.Logger) *SQLiteReader {
	if log == nil {
		log = slog.Default()
	}
	return &SQLiteReader{path: path, logger: log}
}

type typeMapping struct {
	Type    string `gorm:"column:ocel_type"`
	TypeMap string `gorm:"column:ocel_type_map"`
}

type objectRow struct {
	ID   string `gorm:"column:ocel_id"`
	Type string `gorm:"column:ocel_type"`
}

type eventObjectRow struct {
	EventID   string `gorm:"column:ocel_event_id"`
	ObjectID  string `gorm:"column:ocel_object_id"`
	Qualifier string `gorm:"column:ocel_qualifier"`
}

type objectObjectRow struct {
	SourceID  string `gorm:"column:ocel_source_id"`
	TargetID  string `gorm:"column:ocel_target_id"`
	Qualifier string `gorm:"column:ocel_qualifier"`
}

// Read loads every event table, the objects and both linkage tables.
func (r *SQLiteReader) Read(ctx context.Context) (kg.Source, error) {
	db, err := gorm.Open(gormsqlite.Open(r.path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return kg.Source{}, fmt.Errorf("open ocel sqlite: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	db = db.WithContext(ctx)

	src := kg.Source{Name: r.path}

	var eventTypes []typeMapping
	if err := db.Table("event_map_type").Order("ocel_type").Find(&eventTypes).Error; err != nil {
		return kg.Source{}, fmt.Errorf("read event_map_type: %w", err)
	}
	for _, et := range eventTypes {
		table := "event_" + et.TypeMap
		cols, rows, err := readTable(db, table)
		if err != nil {
			return kg.Source{}, err
		}
		src.EventTables = append(src.EventTables, kg.EventTable{Name: table, Activity: et.Type, Columns: cols, Rows: rows})
	}

	var objects []objectRow
	if err := db.Table("object").Order("ocel_id").Find(&objects).Error; err != nil {
		return kg.Source{}, fmt.Errorf("read object: %w", err)
	}
	attrs, err := r.objectAttributes(db)
	if err != nil {
		return kg.Source{}, err
	}
	for _, o := range objects {
		src.Objects = append(src.Objects, models.Object{ID: o.ID, Type: o.Type, Attributes: attrs[o.ID]})
	}

	var e2o []eventObjectRow
	if err := db.Table("event_object").Find(&e2o).Error; err != nil {
		return kg.Source{}, fmt.Errorf("read event_object: %w", err)
	}
	for _, l := range e2o {
		src.EventObjects = append(src.EventObjects, models.EventObjectLink{EventID: l.EventID, ObjectID: l.ObjectID, Qualifier: l.Qualifier})
	}

	var o2o []objectObjectRow
	if err := db.Table("object_object").Find(&o2o).Error; err != nil {
		return kg.Source{}, fmt.Errorf("read object_object: %w", err)
	}
	for _, l := range o2o {
		src.ObjectObjects = append(src.ObjectObjects, models.ObjectObjectLink{SourceID: l.SourceID, TargetID: l.TargetID, Qualifier: l.Qualifier})
	}

	r.logger.Info("ocel sqlite read",
		slog.String("path", r.path),
		slog.Int("event_tables", len(src.EventTables)),
		slog.Int("objects", len(src.Objects)),
	)
	return src, nil
}

// objectAttributes folds the per-type object attribute tables into the last
// non-null value per attribute. The table is optional.
func (r *SQLiteReader) objectAttributes(db *gorm.DB) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	if !db.Migrator().HasTable("object_map_type") {
		return out, nil
	}
	var objectTypes []typeMapping
	if err := db.Table("object_map_type").Order("ocel_type").Find(&objectTypes).Error; err != nil {
		return nil, fmt.Errorf("read object_map_type: %w", err)
	}
	for _, ot := range objectTypes {
		table := "object_" + ot.TypeMap
		if !db.Migrator().HasTable(table) {
			r.logger.Warn("object attribute table missing", slog.String("table", table))
			continue
		}
		_, rows, err := readTable(db, table)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id, _ := row["ocel_id"].(string)
			if id == "" {
				continue
			}
			dst, ok := out[id]
			if !ok {
				dst = make(map[string]any)
				out[id] = dst
			}
			for k, v := range row {
				if v == nil || strings.HasPrefix(k, "ocel_") {
					continue
				}
				dst[k] = v
			}
		}
	}
	return out, nil
}

func readTable(db *gorm.DB, table string) ([]string, []map[string]any, error) {
	rows, err := db.Table(quoteIdent(table)).Rows()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
