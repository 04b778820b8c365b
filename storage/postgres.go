package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/models"
)

// postgres error codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		data_topic TEXT NOT NULL UNIQUE,
		command_topic TEXT NOT NULL UNIQUE,
		CHECK (data_topic <> command_topic)
	)`,
	`CREATE TABLE IF NOT EXISTS user_devices (
		user_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		device_id UUID NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		id BIGSERIAL PRIMARY KEY,
		device_id UUID NOT NULL,
		payload BYTEA NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	// Telemetry outlives its device
	`ALTER TABLE telemetry DROP CONSTRAINT IF EXISTS telemetry_device_id_fkey`,
	`CREATE INDEX IF NOT EXISTS telemetry_device_time_idx
		ON telemetry (device_id, received_at DESC)`,
}

// PostgresParams postgres store parameters
type PostgresParams struct {
	// URL is the connection string
	URL string
	// MaxConns is the max number of pooled connections
	MaxConns int32
	// ConnectTimeout is the max duration for establishing the pool
	ConnectTimeout time.Duration
}

// PostgresStore Store backed by a pgx connection pool
type PostgresStore struct {
	common.Component
	db *pgxpool.Pool
}

// NewPostgresStore connect to postgres and define a new store
func NewPostgresStore(ctxt context.Context, params PostgresParams) (*PostgresStore, error) {
	logTags := log.Fields{"module": "storage", "component": "postgres"}
	cfg, err := pgxpool.ParseConfig(params.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse postgres URL")
		return nil, err
	}
	if params.MaxConns > 0 {
		cfg.MaxConns = params.MaxConns
	}
	connectCtxt, cancel := context.WithTimeout(ctxt, params.ConnectTimeout)
	defer cancel()
	db, err := pgxpool.NewWithConfig(connectCtxt, cfg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create postgres pool")
		return nil, err
	}
	if err := db.Ping(connectCtxt); err != nil {
		db.Close()
		log.WithError(err).WithFields(logTags).Error("Unable to reach postgres")
		return nil, err
	}
	log.WithFields(logTags).WithField("host", cfg.ConnConfig.Host).Info("Connected to postgres")
	return &PostgresStore{Component: common.Component{LogTags: logTags}, db: db}, nil
}

// Migrate create the schema if it does not exist
func (s *PostgresStore) Migrate(ctxt context.Context) error {
	for idx, stmt := range schema {
		if _, err := s.db.Exec(ctxt, stmt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Schema statement %d failed", idx)
			return err
		}
	}
	log.WithFields(s.LogTags).Info("Schema up to date")
	return nil
}

// Ping verify postgres is reachable
func (s *PostgresStore) Ping(ctxt context.Context) error {
	return s.db.Ping(ctxt)
}

// Close close the connection pool
func (s *PostgresStore) Close() {
	s.db.Close()
}

// translateError map driver errors to store errors
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// isUUID postgres rejects malformed UUIDs with an error, so those are answered locally
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ============================================================================
// Devices

const deviceColumns = `id::text, name, data_topic, command_topic`

func scanDevice(row pgx.Row) (models.Device, error) {
	var dev models.Device
	err := row.Scan(&dev.ID, &dev.Name, &dev.DataTopic, &dev.CommandTopic)
	return dev, translateError(err)
}

func collectDevices(rows pgx.Rows) ([]models.Device, error) {
	defer rows.Close()
	result := []models.Device{}
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, dev)
	}
	return result, translateError(rows.Err())
}

// ListAllDevices returns every registered device
func (s *PostgresStore) ListAllDevices(ctxt context.Context) ([]models.Device, error) {
	rows, err := s.db.Query(
		ctxt, `SELECT `+deviceColumns+` FROM devices ORDER BY name, id`,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return collectDevices(rows)
}

// GetDevice returns one device by ID
func (s *PostgresStore) GetDevice(ctxt context.Context, deviceID string) (models.Device, error) {
	if !isUUID(deviceID) {
		return models.Device{}, ErrNotFound
	}
	return scanDevice(s.db.QueryRow(
		ctxt, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID,
	))
}

// FindByDataTopic returns the device publishing on a data topic
func (s *PostgresStore) FindByDataTopic(
	ctxt context.Context, topic string,
) (models.Device, error) {
	return scanDevice(s.db.QueryRow(
		ctxt, `SELECT `+deviceColumns+` FROM devices WHERE data_topic = $1`, topic,
	))
}

// FindByCommandTopic returns the device listening on a command topic
func (s *PostgresStore) FindByCommandTopic(
	ctxt context.Context, topic string,
) (models.Device, error) {
	return scanDevice(s.db.QueryRow(
		ctxt, `SELECT `+deviceColumns+` FROM devices WHERE command_topic = $1`, topic,
	))
}

// CreateDevice registers a new device
func (s *PostgresStore) CreateDevice(
	ctxt context.Context, params models.NewDevice,
) (models.Device, error) {
	dev := models.Device{
		ID:           uuid.New().String(),
		Name:         params.Name,
		DataTopic:    params.DataTopic,
		CommandTopic: params.CommandTopic,
	}
	// A topic may not appear in either column of another device
	tag, err := s.db.Exec(
		ctxt,
		`INSERT INTO devices (id, name, data_topic, command_topic)
		SELECT $1::uuid, $2::text, $3::text, $4::text
		WHERE NOT EXISTS (
			SELECT 1 FROM devices WHERE data_topic = $4::text OR command_topic = $3::text
		)`,
		dev.ID, dev.Name, dev.DataTopic, dev.CommandTopic,
	)
	if err != nil {
		return models.Device{}, translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.Device{}, fmt.Errorf("%w: topic used by another device", ErrConflict)
	}
	log.WithFields(s.LogTagsForContext(ctxt)).WithField("device_id", dev.ID).Info(
		"Created device",
	)
	return dev, nil
}

// DeleteDevice removes a device
func (s *PostgresStore) DeleteDevice(ctxt context.Context, deviceID string) error {
	if !isUUID(deviceID) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctxt, `DELETE FROM devices WHERE id = $1`, deviceID)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	log.WithFields(s.LogTagsForContext(ctxt)).WithField("device_id", deviceID).Info(
		"Deleted device",
	)
	return nil
}

// ListDevicesForUser returns the devices a user owns
func (s *PostgresStore) ListDevicesForUser(
	ctxt context.Context, userID string,
) ([]models.Device, error) {
	if !isUUID(userID) {
		return []models.Device{}, nil
	}
	rows, err := s.db.Query(
		ctxt,
		`SELECT d.id::text, d.name, d.data_topic, d.command_topic
		FROM devices d JOIN user_devices ud ON ud.device_id = d.id
		WHERE ud.user_id = $1 ORDER BY d.name, d.id`,
		userID,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return collectDevices(rows)
}

// ============================================================================
// Ownership

// Exists whether the user owns the device
func (s *PostgresStore) Exists(ctxt context.Context, userID, deviceID string) (bool, error) {
	if !isUUID(userID) || !isUUID(deviceID) {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRow(
		ctxt,
		`SELECT EXISTS (SELECT 1 FROM user_devices WHERE user_id = $1 AND device_id = $2)`,
		userID, deviceID,
	).Scan(&exists)
	return exists, translateError(err)
}

// Assign records the user as an owner of the device
func (s *PostgresStore) Assign(ctxt context.Context, userID, deviceID string) error {
	if !isUUID(userID) || !isUUID(deviceID) {
		return ErrNotFound
	}
	_, err := s.db.Exec(
		ctxt, `INSERT INTO user_devices (user_id, device_id) VALUES ($1, $2)`, userID, deviceID,
	)
	return translateError(err)
}

// Unassign removes the ownership link
func (s *PostgresStore) Unassign(ctxt context.Context, userID, deviceID string) (bool, error) {
	if !isUUID(userID) || !isUUID(deviceID) {
		return false, nil
	}
	tag, err := s.db.Exec(
		ctxt, `DELETE FROM user_devices WHERE user_id = $1 AND device_id = $2`, userID, deviceID,
	)
	if err != nil {
		return false, translateError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================================
// Telemetry

// AppendTelemetry stores one payload received from a device
func (s *PostgresStore) AppendTelemetry(
	ctxt context.Context, deviceID string, payload []byte, receivedAt time.Time,
) error {
	if !isUUID(deviceID) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(
		ctxt,
		`INSERT INTO telemetry (device_id, payload, received_at)
			SELECT $1::uuid, $2::bytea, $3::timestamptz
			WHERE EXISTS (SELECT 1 FROM devices WHERE id = $1::uuid)`,
		deviceID, payload, receivedAt.UTC(),
	)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return nil
}

// ListTelemetry returns the most recent records of a device, newest first
func (s *PostgresStore) ListTelemetry(
	ctxt context.Context, deviceID string, limit int,
) ([]models.TelemetryRecord, error) {
	if !isUUID(deviceID) {
		return []models.TelemetryRecord{}, nil
	}
	query := `SELECT id, device_id::text, payload, received_at FROM telemetry
		WHERE device_id = $1 ORDER BY received_at DESC, id DESC`
	args := []interface{}{deviceID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctxt, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	result := []models.TelemetryRecord{}
	for rows.Next() {
		var record models.TelemetryRecord
		if err := rows.Scan(
			&record.ID, &record.DeviceID, &record.Payload, &record.ReceivedAt,
		); err != nil {
			return nil, translateError(err)
		}
		result = append(result, record)
	}
	return result, translateError(rows.Err())
}

// ============================================================================
// Users

// FindByUserName returns the user with the name
func (s *PostgresStore) FindByUserName(
	ctxt context.Context, userName string,
) (models.User, error) {
	var user models.User
	err := s.db.QueryRow(
		ctxt, `SELECT id::text, username FROM users WHERE username = $1`, userName,
	).Scan(&user.ID, &user.UserName)
	return user, translateError(err)
}

// CreateUser adds a user
func (s *PostgresStore) CreateUser(ctxt context.Context, userName string) (models.User, error) {
	user := models.User{ID: uuid.New().String(), UserName: userName}
	_, err := s.db.Exec(
		ctxt, `INSERT INTO users (id, username) VALUES ($1, $2)`, user.ID, user.UserName,
	)
	if err != nil {
		return models.User{}, translateError(err)
	}
	return user, nil
}
