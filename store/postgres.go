package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"psamonitor/models"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var (
	minTime = time.Unix(0, 0).UTC()
	maxTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

// PostgresStore implements Store on PostgreSQL through database/sql and the pgx driver
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := NewPostgresStore(db)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertReading(ctx context.Context, r *models.TelemetryReading) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (plant_id, line_id, ts, received_at, name, pressure_bar, temperature_c,
			purity_pct, flow_nm3h, mode, alarm, alarm_message, operating_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (plant_id, line_id, ts) DO NOTHING`,
		r.PlantID, r.LineID, r.Timestamp.UTC(), r.ReceivedAt.UTC(), r.Name, r.PressureBar, r.TemperatureC,
		r.PurityPct, r.FlowNm3h, r.Mode, r.Alarm, r.AlarmMessage, r.OperatingHours)
	if err != nil {
		return false, fmt.Errorf("failed to insert reading: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ListReadings(ctx context.Context, plantID string, from, to time.Time, limit int) ([]*models.TelemetryReading, error) {
	if from.IsZero() {
		from = minTime
	}
	if to.IsZero() {
		to = maxTime
	}
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT plant_id, line_id, ts, received_at, name, pressure_bar, temperature_c,
			purity_pct, flow_nm3h, mode, alarm, alarm_message, operating_hours
		FROM readings
		WHERE plant_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC, line_id ASC
		LIMIT $4`, plantID, from.UTC(), to.UTC(), lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []*models.TelemetryReading
	for rows.Next() {
		r := &models.TelemetryReading{}
		if err := rows.Scan(&r.PlantID, &r.LineID, &r.Timestamp, &r.ReceivedAt, &r.Name, &r.PressureBar,
			&r.TemperatureC, &r.PurityPct, &r.FlowNm3h, &r.Mode, &r.Alarm, &r.AlarmMessage, &r.OperatingHours); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const stateColumns = `plant_id, line_id, level, breach_count, recovery_count, pending_level,
	pending_reason, first_seen, last_transition, last_seen, last_reading_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*models.AlarmState, error) {
	st := &models.AlarmState{}
	var level, pending string
	var firstSeen sql.NullTime
	if err := row.Scan(&st.PlantID, &st.LineID, &level, &st.BreachCount, &st.RecoveryCount, &pending,
		&st.PendingReason, &firstSeen, &st.LastTransition, &st.LastSeen, &st.LastReadingAt); err != nil {
		return nil, err
	}
	if firstSeen.Valid {
		st.FirstSeen = firstSeen.Time
	}
	st.Level = models.AlarmLevel(level)
	st.PendingLevel = models.AlarmLevel(pending)
	if !st.Level.Valid() {
		return nil, fmt.Errorf("state %s has invalid level %q", st.Key(), level)
	}
	return st, nil
}

func (s *PostgresStore) LoadState(ctx context.Context, key models.LineKey) (*models.AlarmState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM alarm_states WHERE plant_id = $1 AND line_id = $2`,
		key.PlantID, key.LineID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	return st, nil
}

func (s *PostgresStore) ListStates(ctx context.Context, plantID string) ([]*models.AlarmState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM alarm_states
		WHERE $1 = '' OR plant_id = $1
		ORDER BY plant_id, line_id`, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var out []*models.AlarmState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveState(ctx context.Context, st *models.AlarmState, event *models.AlarmEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alarm_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (plant_id, line_id) DO UPDATE SET
			level = EXCLUDED.level,
			breach_count = EXCLUDED.breach_count,
			recovery_count = EXCLUDED.recovery_count,
			pending_level = EXCLUDED.pending_level,
			pending_reason = EXCLUDED.pending_reason,
			first_seen = COALESCE(alarm_states.first_seen, EXCLUDED.first_seen),
			last_transition = EXCLUDED.last_transition,
			last_seen = EXCLUDED.last_seen,
			last_reading_at = EXCLUDED.last_reading_at`,
		st.PlantID, st.LineID, string(st.Level), st.BreachCount, st.RecoveryCount, string(st.PendingLevel),
		st.PendingReason, nullTime(st.FirstSeen), st.LastTransition.UTC(), st.LastSeen.UTC(), st.LastReadingAt.UTC()); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	if event != nil {
		var readingTS sql.NullTime
		if event.ReadingTimestamp != nil {
			readingTS = sql.NullTime{Time: event.ReadingTimestamp.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alarm_events (id, plant_id, line_id, from_level, to_level, at, reading_ts, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ID, event.PlantID, event.LineID, string(event.From), string(event.To), event.At.UTC(),
			readingTS, event.Reason); err != nil {
			return fmt.Errorf("failed to insert alarm event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

const eventColumns = `id, plant_id, line_id, from_level, to_level, at, reading_ts, reason`

func scanEvent(row scanner) (*models.AlarmEvent, error) {
	ev := &models.AlarmEvent{}
	var from, to string
	var readingTS sql.NullTime
	if err := row.Scan(&ev.ID, &ev.PlantID, &ev.LineID, &from, &to, &ev.At, &readingTS, &ev.Reason); err != nil {
		return nil, err
	}
	ev.From = models.AlarmLevel(from)
	ev.To = models.AlarmLevel(to)
	if readingTS.Valid {
		t := readingTS.Time
		ev.ReadingTimestamp = &t
	}
	return ev, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]*models.AlarmEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.PlantID != "" {
		add("plant_id = $%d", q.PlantID)
	}
	if q.LineID != "" {
		add("line_id = $%d", q.LineID)
	}
	if !q.From.IsZero() {
		add("at >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("at < $%d", q.To.UTC())
	}

	query := `SELECT ` + eventColumns + ` FROM alarm_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Descending {
		query += " ORDER BY at DESC, line_id ASC"
	} else {
		query += " ORDER BY at ASC, line_id ASC"
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm events: %w", err)
	}
	defer rows.Close()

	var out []*models.AlarmEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastEventBefore(ctx context.Context, key models.LineKey, t time.Time) (*models.AlarmEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM alarm_events
		WHERE plant_id = $1 AND line_id = $2 AND at < $3
		ORDER BY at DESC LIMIT 1`, key.PlantID, key.LineID, t.UTC())
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event before %s for %s: %w", t.Format(time.RFC3339), key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) TouchPlant(ctx context.Context, r *models.TelemetryReading) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plants (id, name, last_seen, last_reading)
		VALUES ($1, COALESCE(NULLIF($2, ''), $3), $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF($2, ''), plants.name),
			last_seen = EXCLUDED.last_seen,
			last_reading = EXCLUDED.last_reading`,
		r.PlantID, r.Name, models.DefaultPlantName(r.PlantID), r.ReceivedAt.UTC(), string(snapshot))
	if err != nil {
		return fmt.Errorf("failed to update plant %s: %w", r.PlantID, err)
	}
	return nil
}

func (s *PostgresStore) PutPlant(ctx context.Context, p *models.Plant) error {
	lines, err := json.Marshal(p.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal lines: %w", err)
	}
	installation := p.InstallationType
	if installation == "" {
		installation = models.InstallationSimplex
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plants (id, name, installation_type, lines)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			installation_type = EXCLUDED.installation_type,
			lines = EXCLUDED.lines`,
		p.ID, p.Name, string(installation), string(lines))
	if err != nil {
		return fmt.Errorf("failed to save plant %s: %w", p.ID, err)
	}
	return nil
}

const plantColumns = `id, name, installation_type, lines, last_seen, last_reading`

func scanPlant(row scanner) (*models.Plant, error) {
	p := &models.Plant{}
	var (
		installation string
		lines        []byte
		lastSeen     sql.NullTime
		lastReading  []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &installation, &lines, &lastSeen, &lastReading); err != nil {
		return nil, err
	}
	p.InstallationType = models.InstallationType(installation)
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &p.Lines); err != nil {
			return nil, fmt.Errorf("plant %s lines: %w", p.ID, err)
		}
	}
	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	if len(lastReading) > 0 {
		var r models.TelemetryReading
		if err := json.Unmarshal(lastReading, &r); err != nil {
			return nil, fmt.Errorf("plant %s last reading: %w", p.ID, err)
		}
		p.LastReading = &r
	}
	return p, nil
}

func (s *PostgresStore) GetPlant(ctx context.Context, plantID string) (*models.Plant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+plantColumns+` FROM plants WHERE id = $1`, plantID)
	p, err := scanPlant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plant %s: %w", plantID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plant: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPlants(ctx context.Context) ([]*models.Plant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+plantColumns+` FROM plants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plants: %w", err)
	}
	defer rows.Close()

	var out []*models.Plant
	for rows.Next() {
		p, err := scanPlant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddEquipment(ctx context.Context, e *models.Equipment) error {
	if !e.Type.Valid() {
		return fmt.Errorf("equipment type %q: %w", e.Type, models.ErrInvalidPayload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equipment (id, plant_id, type, patrimony, position, brand, model, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.PlantID, string(e.Type), e.Patrimony, e.Position, e.Brand, e.Model, e.Notes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("patrimony %s: %w", e.Patrimony, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert equipment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEquipment(ctx context.Context, plantID string) ([]*models.Equipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plant_id, type, patrimony, position, brand, model, notes
		FROM equipment WHERE plant_id = $1
		ORDER BY type, position`, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query equipment: %w", err)
	}
	defer rows.Close()

	var out []*models.Equipment
	for rows.Next() {
		e := &models.Equipment{}
		var typ string
		if err := rows.Scan(&e.ID, &e.PlantID, &typ, &e.Patrimony, &e.Position, &e.Brand, &e.Model, &e.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan equipment: %w", err)
		}
		e.Type = models.EquipmentType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

const identityColumns = `chat_id, username, status, role, plants, authorized_by, created_at, updated_at`

func scanIdentity(row scanner) (*models.ChatIdentity, error) {
	c := &models.ChatIdentity{}
	var status, role string
	var plants []byte
	if err := row.Scan(&c.ChatID, &c.Username, &status, &role, &plants, &c.AuthorizedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.IdentityStatus(status)
	c.Role = models.Role(role)
	if len(plants) > 0 {
		if err := json.Unmarshal(plants, &c.Plants); err != nil {
			return nil, fmt.Errorf("chat identity %d plants: %w", c.ChatID, err)
		}
	}
	return c, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, chatID int64) (*models.ChatIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM chat_identities WHERE chat_id = $1`, chatID)
	c, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat identity %d: %w", chatID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat identity: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveIdentity(ctx context.Context, c *models.ChatIdentity) error {
	plants := c.Plants
	if plants == nil {
		plants = []string{}
	}
	encoded, err := json.Marshal(plants)
	if err != nil {
		return fmt.Errorf("failed to marshal subscriptions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chat_id) DO UPDATE SET
			username = EXCLUDED.username,
			status = EXCLUDED.status,
			role = EXCLUDED.role,
			plants = EXCLUDED.plants,
			authorized_by = EXCLUDED.authorized_by,
			updated_at = EXCLUDED.updated_at`,
		c.ChatID, c.Username, string(c.Status), string(c.Role), string(encoded), c.AuthorizedBy,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save chat identity %d: %w", c.ChatID, err)
	}
	return nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]*models.ChatIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM chat_identities ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat identities: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatIdentity
	for rows.Next() {
		c, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat identity: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDeliveryFailure(ctx context.Context, f *models.DeliveryFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_failures (event_id, chat_id, plant_id, line_id, level, attempts, last_error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.EventID, f.ChatID, f.PlantID, f.LineID, string(f.Level), f.Attempts, f.LastError, f.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
