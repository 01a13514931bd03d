// Package resultdb is the embedded analytical result store: schema,
// upsert API, and aggregation queries (plate/well/image heatmaps, list
// report). Backed by DuckDB, persisted as a single results.duckdb file
// per job, matching the legacy engine's own embedded-DuckDB result
// layout (original_source's database_interface.hpp includes
// <duckdb.hpp> for this exact table set).
package resultdb

import (
	"context"
	"database/sql"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/joda/imagec/internal/engerrors"
)

// Store wraps a pooled DuckDB connection, one method per query, context
// everywhere — the same shape as the teacher's PostgresStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the results.duckdb file at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "open duckdb", err).WithPath(path)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analyze (
			analyze_id VARCHAR PRIMARY KEY,
			run_id VARCHAR,
			name VARCHAR,
			timestamp TIMESTAMP,
			scientists VARCHAR[],
			organisation VARCHAR,
			notes VARCHAR,
			settings_json VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS plate (
			analyze_id VARCHAR,
			plate_id INTEGER,
			notes VARCHAR,
			PRIMARY KEY (analyze_id, plate_id)
		)`,
		`CREATE TABLE IF NOT EXISTS "group" (
			analyze_id VARCHAR,
			plate_id INTEGER,
			group_id INTEGER,
			well_pos_x TINYINT,
			well_pos_y TINYINT,
			name VARCHAR,
			notes VARCHAR,
			PRIMARY KEY (analyze_id, plate_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS image (
			analyze_id VARCHAR,
			plate_id INTEGER,
			group_id INTEGER,
			image_id VARCHAR PRIMARY KEY,
			image_idx INTEGER,
			original_path VARCHAR,
			width INTEGER,
			height INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS image_group (
			image_id VARCHAR,
			plate_id INTEGER,
			group_id INTEGER,
			PRIMARY KEY (image_id, plate_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS channel (
			analyze_id VARCHAR,
			channel_id INTEGER,
			name VARCHAR,
			measurements INTEGER[],
			PRIMARY KEY (analyze_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS image_channel (
			image_id VARCHAR,
			channel_id INTEGER,
			validity_bits INTEGER,
			invalidate_all BOOLEAN,
			control_image_path VARCHAR,
			PRIMARY KEY (image_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS object (
			image_id VARCHAR,
			channel_id INTEGER,
			tile_id INTEGER,
			object_id INTEGER,
			validity_bits INTEGER,
			measure_channel_id INTEGER,
			value DOUBLE,
			PRIMARY KEY (image_id, channel_id, tile_id, object_id, measure_channel_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return engerrors.New(engerrors.KindDatabaseError, "create schema", err)
		}
	}
	return nil
}

// AnalyzeMeta mirrors the legacy AnalyzeMeta struct: one row per job.
type AnalyzeMeta struct {
	AnalyzeID    string
	RunID        string
	Name         string
	Timestamp    string // RFC3339; DuckDB TIMESTAMP accepts ISO text
	Scientists   []string
	Organisation string
	Notes        string
	SettingsJSON string
}

// UpsertAnalyze creates or replaces the one analyze row for a job.
func (s *Store) UpsertAnalyze(ctx context.Context, a AnalyzeMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyze (analyze_id, run_id, name, timestamp, scientists, organisation, notes, settings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (analyze_id) DO UPDATE SET
			run_id = EXCLUDED.run_id, name = EXCLUDED.name, timestamp = EXCLUDED.timestamp,
			scientists = EXCLUDED.scientists, organisation = EXCLUDED.organisation,
			notes = EXCLUDED.notes, settings_json = EXCLUDED.settings_json`,
		a.AnalyzeID, a.RunID, a.Name, a.Timestamp, a.Scientists, a.Organisation, a.Notes, a.SettingsJSON)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert analyze", err)
	}
	return nil
}

// PlateMeta mirrors the legacy PlateMeta struct.
type PlateMeta struct {
	AnalyzeID string
	PlateID   int
	Notes     string
}

func (s *Store) UpsertPlate(ctx context.Context, p PlateMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plate (analyze_id, plate_id, notes) VALUES (?, ?, ?)
		ON CONFLICT (analyze_id, plate_id) DO UPDATE SET notes = EXCLUDED.notes`,
		p.AnalyzeID, p.PlateID, p.Notes)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert plate", err)
	}
	return nil
}

// GroupMeta mirrors the legacy GroupMeta struct (one row per well).
type GroupMeta struct {
	AnalyzeID string
	PlateID   int
	GroupID   uint16
	WellPosX  uint8
	WellPosY  uint8
	Name      string
	Notes     string
}

func (s *Store) UpsertGroup(ctx context.Context, g GroupMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "group" (analyze_id, plate_id, group_id, well_pos_x, well_pos_y, name, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (analyze_id, plate_id, group_id) DO UPDATE SET
			well_pos_x = EXCLUDED.well_pos_x, well_pos_y = EXCLUDED.well_pos_y,
			name = EXCLUDED.name, notes = EXCLUDED.notes`,
		g.AnalyzeID, g.PlateID, g.GroupID, g.WellPosX, g.WellPosY, g.Name, g.Notes)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert group", err)
	}
	return nil
}

// ImageMeta mirrors the legacy ImageMeta struct.
type ImageMeta struct {
	AnalyzeID    string
	PlateID      int
	GroupID      uint16
	ImageID      string
	ImageIdx     int
	OriginalPath string
	Width        int
	Height       int
}

func (s *Store) UpsertImage(ctx context.Context, img ImageMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image (analyze_id, plate_id, group_id, image_id, image_idx, original_path, width, height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (image_id) DO UPDATE SET
			image_idx = EXCLUDED.image_idx, original_path = EXCLUDED.original_path,
			width = EXCLUDED.width, height = EXCLUDED.height`,
		img.AnalyzeID, img.PlateID, img.GroupID, img.ImageID, img.ImageIdx, img.OriginalPath, img.Width, img.Height)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert image", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO image_group (image_id, plate_id, group_id) VALUES (?, ?, ?)
		ON CONFLICT (image_id, plate_id, group_id) DO NOTHING`,
		img.ImageID, img.PlateID, img.GroupID); err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert image_group", err)
	}
	return nil
}

// ChannelMeta mirrors the legacy ChannelMeta struct: logical channel
// metadata per analyze, with the MeasureChannelIds it emits.
type ChannelMeta struct {
	AnalyzeID    string
	ChannelID    int32
	Name         string
	Measurements []MeasureChannelID
}

func (s *Store) UpsertChannel(ctx context.Context, c ChannelMeta) error {
	ids := make([]int32, len(c.Measurements))
	for i, m := range c.Measurements {
		ids[i] = int32(m)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel (analyze_id, channel_id, name, measurements) VALUES (?, ?, ?, ?)
		ON CONFLICT (analyze_id, channel_id) DO UPDATE SET name = EXCLUDED.name, measurements = EXCLUDED.measurements`,
		c.AnalyzeID, c.ChannelID, c.Name, ids)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert channel", err)
	}
	return nil
}

// ImageChannelMeta mirrors the legacy ImageChannelMeta struct.
type ImageChannelMeta struct {
	ImageID          string
	ChannelID        int32
	ValidityBits     uint32
	InvalidateAll    bool
	ControlImagePath string // with ${tile_id} left as a literal template
}

func (s *Store) UpsertImageChannel(ctx context.Context, ic ImageChannelMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_channel (image_id, channel_id, validity_bits, invalidate_all, control_image_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (image_id, channel_id) DO UPDATE SET
			validity_bits = EXCLUDED.validity_bits, invalidate_all = EXCLUDED.invalidate_all,
			control_image_path = EXCLUDED.control_image_path`,
		ic.ImageID, ic.ChannelID, ic.ValidityBits, ic.InvalidateAll, ic.ControlImagePath)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "upsert image_channel", err)
	}
	return nil
}

// ObjectRow is one persisted (image,channel,tile,object) measurement; the
// value is a list (ValueByMeasure maps each MeasureChannelID to one or
// more samples) so cross-channel entries can carry multiple sources.
type ObjectRow struct {
	ImageID        string
	ChannelID      int32
	TileID         int32
	ObjectID       int
	ValidityBits   uint32
	ValueByMeasure map[MeasureChannelID][]float64
}

// InsertObjects persists a batch of object rows inside one transaction.
// Objects are inserted once per (image,tile,channel); never updated
// except through SetManualOutSorted on the containing ImageChannel.
func (s *Store) InsertObjects(ctx context.Context, rows []ObjectRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO object (image_id, channel_id, tile_id, object_id, validity_bits, measure_channel_id, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "prepare insert object", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		for mcid, values := range row.ValueByMeasure {
			for _, v := range values {
				if _, err := stmt.ExecContext(ctx, row.ImageID, row.ChannelID, row.TileID, row.ObjectID,
					row.ValidityBits, int32(mcid), v); err != nil {
					return engerrors.New(engerrors.KindDatabaseError, "insert object", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "commit objects", err)
	}
	return nil
}

// SetManualOutSorted toggles the MANUAL_OUT_SORTED bit on one
// image-channel's validity bitset. This is the sole persisted mutation
// allowed on an already-written image_channel row.
func (s *Store) SetManualOutSorted(ctx context.Context, imageID string, channelID int32, outSorted bool) error {
	const manualOutSortedBit = 1 << 1 // detect.ResponseManualOutSorted, kept in sync
	_, err := s.db.ExecContext(ctx, `
		UPDATE image_channel SET validity_bits = CASE WHEN ? THEN validity_bits | ? ELSE validity_bits & ~? END
		WHERE image_id = ? AND channel_id = ?`,
		outSorted, manualOutSortedBit, manualOutSortedBit, imageID, channelID)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "set manual out-sorted", err)
	}
	return nil
}
