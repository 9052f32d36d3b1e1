package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"community-sync/models"
	"community-sync/utils"

	"github.com/lib/pq"
)

// PostgresStore is the CommunityStore backed by the site's PostgreSQL database
type PostgresStore struct {
	db     *sql.DB
	logger *utils.Logger
}

var (
	_ CommunityStore     = (*PostgresStore)(nil)
	_ RegulatoryIDLister = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgresStore and pings the DB
func NewPostgresStore(ctx context.Context, connStr string, logger *utils.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open DB: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	logger.Info("Connected to PostgreSQL successfully")
	return &PostgresStore{db: db, logger: logger}, nil
}

// EnsureSchema creates the communities table if it doesn't exist, with indexes.
// In production the table is owned by the site; this keeps local setups runnable.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS communities (
		id               BIGSERIAL PRIMARY KEY,
		regulatory_id    TEXT UNIQUE,
		name             TEXT        NOT NULL DEFAULT '',
		description      TEXT        NOT NULL DEFAULT '',
		image_urls       TEXT[]      NOT NULL DEFAULT '{}',
		amenities        TEXT[]      NOT NULL DEFAULT '{}',
		address          TEXT        NOT NULL DEFAULT '',
		city             TEXT        NOT NULL DEFAULT '',
		state            TEXT        NOT NULL DEFAULT '',
		zip              TEXT        NOT NULL DEFAULT '',
		phone            TEXT        NOT NULL DEFAULT '',
		provider_details JSONB,
		staffing         JSONB,
		deficiencies     JSONB,
		inspection_pdfs  JSONB,
		last_synced_at   TIMESTAMPTZ,
		sync_source      TEXT        NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_communities_locality ON communities (lower(city), upper(state));
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	s.logger.Info("Table 'communities' is ready")
	return nil
}

const selectColumns = `id::text, COALESCE(regulatory_id, ''), COALESCE(name, ''), COALESCE(description, ''),
	COALESCE(image_urls, '{}'), COALESCE(amenities, '{}'),
	COALESCE(address, ''), COALESCE(city, ''), COALESCE(state, ''), COALESCE(zip, ''), COALESCE(phone, ''),
	provider_details, staffing, deficiencies, inspection_pdfs, last_synced_at, COALESCE(sync_source, '')`

func (s *PostgresStore) FindByRegulatoryID(ctx context.Context, regulatoryID string) (*models.CommunityRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM communities WHERE regulatory_id = $1`, regulatoryID)
	rec, err := scanCommunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find community %s: %w", regulatoryID, err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByNameAndLocality(ctx context.Context, name, city, state string) ([]*models.CommunityRecord, error) {
	key := utils.NormalizeFacilityName(name)
	if key == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM communities
		WHERE lower(btrim(regexp_replace(city, '\s+', ' ', 'g'))) = $1 AND upper(btrim(state)) = upper(btrim($2))
		ORDER BY id`, utils.NormalizeLocality(city), state)
	if err != nil {
		return nil, fmt.Errorf("failed to query locality %s, %s: %w", city, state, err)
	}
	defer rows.Close()

	var out []*models.CommunityRecord
	for rows.Next() {
		rec, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		if utils.NormalizeFacilityName(rec.Name) == key {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// UpsertFields applies the field set in a single statement. Updates use
// CASE expressions for fill-only columns; inserts carrying a regulatory id use
// ON CONFLICT so a concurrent insert of the same facility degrades to an update.
func (s *PostgresStore) UpsertFields(ctx context.Context, id string, fields models.FieldSet) (models.UpsertResult, error) {
	var (
		query string
		args  []any
		err   error
	)
	if id == "" {
		query, args, err = buildInsert(fields)
	} else {
		query, args, err = buildUpdate(id, fields)
	}
	if err != nil {
		return models.UpsertResult{}, err
	}

	var res models.UpsertResult
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&res.ID, &res.Inserted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UpsertResult{}, fmt.Errorf("upsert %s: %w", id, ErrNotFound)
		}
		return models.UpsertResult{}, classifyWriteError(err)
	}
	return res, nil
}

// ListRegulatoryIDs returns the regulatory ids of communities in the given states
func (s *PostgresStore) ListRegulatoryIDs(ctx context.Context, states []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT regulatory_id FROM communities
		WHERE regulatory_id IS NOT NULL AND regulatory_id <> ''
		AND (cardinality($1::text[]) = 0 OR upper(state) = ANY($1::text[]))
		ORDER BY regulatory_id`, pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("failed to list regulatory ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection
func (s *PostgresStore) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommunity(row rowScanner) (*models.CommunityRecord, error) {
	var (
		rec                                       models.CommunityRecord
		provider, staffing, deficiencies, reports []byte
		synced                                    sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.RegulatoryID, &rec.Name, &rec.Description,
		pq.Array(&rec.ImageURLs), pq.Array(&rec.Amenities),
		&rec.Address, &rec.City, &rec.State, &rec.Zip, &rec.Phone,
		&provider, &staffing, &deficiencies, &reports, &synced, &rec.SyncSource)
	if err != nil {
		return nil, err
	}
	if synced.Valid {
		t := synced.Time
		rec.LastSyncedAt = &t
	}
	if err := decodeJSONColumn(provider, &rec.ProviderDetails); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(staffing, &rec.Staffing); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(deficiencies, &rec.Deficiencies); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(reports, &rec.InspectionPDFs); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeJSONColumn(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

type column struct {
	field    models.Field
	fillOnly bool
	value    any
}

// sortedColumns flattens a field set into a deterministic column list.
// A field present in both maps is written as Set.
func sortedColumns(fields models.FieldSet) ([]column, error) {
	var cols []column
	for f, v := range fields.Fill {
		if _, dup := fields.Set[f]; dup {
			continue
		}
		cols = append(cols, column{field: f, fillOnly: true, value: v})
	}
	for f, v := range fields.Set {
		cols = append(cols, column{field: f, value: v})
	}
	if len(cols) == 0 {
		return nil, errors.New("empty field set")
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].field < cols[j].field })
	for i := range cols {
		if _, ok := columnKinds[cols[i].field]; !ok {
			return nil, fmt.Errorf("field %s is not writable by the pipeline", cols[i].field)
		}
	}
	return cols, nil
}

func placeholder(kind columnKind, n int) string {
	if kind == kindJSON {
		return fmt.Sprintf("$%d::jsonb", n)
	}
	return fmt.Sprintf("$%d", n)
}

// emptyCondition is the SQL predicate for "column holds no curated value"
func emptyCondition(kind columnKind, col string) string {
	switch kind {
	case kindTextArray:
		return fmt.Sprintf("(%s IS NULL OR cardinality(%s) = 0)", col, col)
	case kindJSON:
		return fmt.Sprintf("(%s IS NULL OR %s = 'null'::jsonb)", col, col)
	case kindTimestamp:
		return fmt.Sprintf("%s IS NULL", col)
	default:
		return fmt.Sprintf("(%s IS NULL OR %s = '')", col, col)
	}
}

func encodeValue(field models.Field, value any) (any, error) {
	switch columnKinds[field] {
	case kindTextArray:
		v, ok := value.([]string)
		if !ok {
			return nil, fmt.Errorf("field %s expects []string, got %T", field, value)
		}
		return pq.Array(v), nil
	case kindJSON:
		b, err := encodeJSON(value)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case kindTimestamp:
		v, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("field %s expects time.Time, got %T", field, value)
		}
		return v, nil
	default:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("field %s expects string, got %T", field, value)
		}
		if field == models.FieldRegulatoryID && v == "" {
			return sql.NullString{}, nil
		}
		return v, nil
	}
}

func buildUpdate(id string, fields models.FieldSet) (string, []any, error) {
	cols, err := sortedColumns(fields)
	if err != nil {
		return "", nil, err
	}
	args := []any{id}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		v, err := encodeValue(c.field, c.value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		kind := columnKinds[c.field]
		ph := placeholder(kind, len(args))
		name := string(c.field)
		if c.fillOnly {
			sets = append(sets, fmt.Sprintf("%s = CASE WHEN %s THEN %s ELSE %s END", name, emptyCondition(kind, name), ph, name))
		} else {
			sets = append(sets, fmt.Sprintf("%s = %s", name, ph))
		}
	}
	query := fmt.Sprintf("UPDATE communities SET %s WHERE id = $1::bigint RETURNING id::text, false", strings.Join(sets, ", "))
	return query, args, nil
}

func buildInsert(fields models.FieldSet) (string, []any, error) {
	cols, err := sortedColumns(fields)
	if err != nil {
		return "", nil, err
	}
	var (
		names, values, updates []string
		args                   []any
		hasRegID               bool
	)
	for _, c := range cols {
		v, err := encodeValue(c.field, c.value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		kind := columnKinds[c.field]
		name := string(c.field)
		names = append(names, name)
		values = append(values, placeholder(kind, len(args)))

		if c.field == models.FieldRegulatoryID {
			if s, _ := c.value.(string); s != "" {
				hasRegID = true
			}
			continue
		}
		qualified := "communities." + name
		if c.fillOnly {
			updates = append(updates, fmt.Sprintf("%s = CASE WHEN %s THEN EXCLUDED.%s ELSE %s END",
				name, emptyCondition(kind, qualified), name, qualified))
		} else {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
		}
	}

	query := fmt.Sprintf("INSERT INTO communities (%s) VALUES (%s)", strings.Join(names, ", "), strings.Join(values, ", "))
	if hasRegID && len(updates) > 0 {
		query += fmt.Sprintf(" ON CONFLICT (regulatory_id) DO UPDATE SET %s RETURNING id::text, (xmax = 0)", strings.Join(updates, ", "))
	} else {
		query += " RETURNING id::text, true"
	}
	return query, args, nil
}

// classifyWriteError adds the postgres error class to the message so run
// reports distinguish constraint violations from connectivity problems
func classifyWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			return fmt.Errorf("constraint violation (%s): %w", pqErr.Constraint, err)
		case "08":
			return fmt.Errorf("connection exception: %w", err)
		}
	}
	return fmt.Errorf("failed to write community: %w", err)
}
