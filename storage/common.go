// Package storage holds the device registry, ownership relation, telemetry history and
// user directory
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/iotrelay/models"
)

var (
	// ErrNotFound no matching record
	ErrNotFound = errors.New("record not found")
	// ErrConflict the record conflicts with an existing record
	ErrConflict = errors.New("record conflicts with existing record")
)

// DeviceStore the device registry
type DeviceStore interface {
	// ListAllDevices returns every registered device
	ListAllDevices(ctxt context.Context) ([]models.Device, error)
	// GetDevice returns one device by ID, or ErrNotFound
	GetDevice(ctxt context.Context, deviceID string) (models.Device, error)
	// FindByDataTopic returns the device publishing on a data topic, or ErrNotFound
	FindByDataTopic(ctxt context.Context, topic string) (models.Device, error)
	// FindByCommandTopic returns the device listening on a command topic, or ErrNotFound
	FindByCommandTopic(ctxt context.Context, topic string) (models.Device, error)
	// CreateDevice registers a new device. Returns ErrConflict if a topic is taken.
	CreateDevice(ctxt context.Context, params models.NewDevice) (models.Device, error)
	// DeleteDevice removes a device along with its ownership links. Stored telemetry is
	// kept. Returns ErrNotFound if the device does not exist.
	DeleteDevice(ctxt context.Context, deviceID string) error
	// ListDevicesForUser returns the devices a user owns
	ListDevicesForUser(ctxt context.Context, userID string) ([]models.Device, error)
}

// OwnershipStore the user / device ownership relation
type OwnershipStore interface {
	// Exists whether the user owns the device
	Exists(ctxt context.Context, userID, deviceID string) (bool, error)
	// Assign records the user as an owner of the device. Returns ErrConflict if the
	// link exists, and ErrNotFound if the user or device does not exist.
	Assign(ctxt context.Context, userID, deviceID string) error
	// Unassign removes the link. Returns whether a link was removed.
	Unassign(ctxt context.Context, userID, deviceID string) (bool, error)
}

// TelemetryStore the telemetry history
type TelemetryStore interface {
	// AppendTelemetry stores one payload received from a device
	AppendTelemetry(
		ctxt context.Context, deviceID string, payload []byte, receivedAt time.Time,
	) error
	// ListTelemetry returns the most recent records of a device, newest first.
	// limit <= 0 returns all.
	ListTelemetry(
		ctxt context.Context, deviceID string, limit int,
	) ([]models.TelemetryRecord, error)
}

// UserStore the user directory
type UserStore interface {
	// FindByUserName returns the user, or ErrNotFound
	FindByUserName(ctxt context.Context, userName string) (models.User, error)
	// CreateUser adds a user. Returns ErrConflict if the name is taken.
	CreateUser(ctxt context.Context, userName string) (models.User, error)
}

// Store the complete persistence layer
type Store interface {
	DeviceStore
	OwnershipStore
	TelemetryStore
	UserStore
	// Ping verify the store is reachable
	Ping(ctxt context.Context) error
	// Close release the store's resources
	Close()
}
