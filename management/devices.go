// Package management implements device registration and ownership administration
package management

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
	"github.com/alwitt/iotrelay/subscription"
)

var (
	// ErrInvalidDevice the new device parameters are not valid
	ErrInvalidDevice = errors.New("invalid device parameters")
	// ErrDeviceConflict a device topic is used by another device
	ErrDeviceConflict = errors.New("device topic already in use")
	// ErrDeviceNotFound the device does not exist
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNotOwner the user does not own the device
	ErrNotOwner = errors.New("device not assigned to user")
	// ErrAlreadyAssigned the user already owns the device
	ErrAlreadyAssigned = errors.New("device already assigned to user")
)

// SubscriptionController adds and removes device subscriptions
type SubscriptionController interface {
	AddDevice(ctxt context.Context, dev models.Device) error
	RemoveDevice(ctxt context.Context, deviceID string) error
}

// DeviceManager manage devices and their ownership
type DeviceManager interface {
	// RegisterDevice register a new device and subscribe to its data topic.
	//
	// Registering topics which already belong to one device returns that device. Topics
	// used by different devices, or a topic used as the other kind, is a conflict.
	RegisterDevice(ctxt context.Context, params models.NewDevice) (models.Device, error)
	// DeleteDevice delete a device owned by the user. Its subscription is removed and
	// its observers are disconnected.
	DeleteDevice(ctxt context.Context, userID, deviceID string) error
	// ListDevicesForUser list the devices a user owns
	ListDevicesForUser(ctxt context.Context, userID string) ([]models.Device, error)
	// AssignDevice make the user an owner of the device
	AssignDevice(ctxt context.Context, userID, deviceID string) error
	// UnassignDevice remove the user's ownership of the device
	UnassignDevice(ctxt context.Context, userID, deviceID string) error
	// TelemetryHistory list the stored telemetry of a device, newest first. Users who do
	// not own the device get an empty list.
	TelemetryHistory(
		ctxt context.Context, userID, deviceID string, limit int,
	) ([]models.TelemetryRecord, error)
}

// deviceManagerImpl implements DeviceManager
type deviceManagerImpl struct {
	common.Component
	store         storage.Store
	subscriptions SubscriptionController
	validate      *validator.Validate
}

// GetDeviceManager define a new device manager
func GetDeviceManager(
	store storage.Store, subscriptions SubscriptionController,
) DeviceManager {
	return &deviceManagerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "management", "component": "device-manager"},
		},
		store:         store,
		subscriptions: subscriptions,
		validate:      validator.New(),
	}
}

// findTopicOwner returns the device using the topic, or nil
func findTopicOwner(
	ctxt context.Context, find func(context.Context, string) (models.Device, error), topic string,
) (*models.Device, error) {
	dev, err := find(ctxt, topic)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

// RegisterDevice register a new device
func (m *deviceManagerImpl) RegisterDevice(
	ctxt context.Context, params models.NewDevice,
) (models.Device, error) {
	logTags := m.LogTagsForContext(ctxt)
	if err := m.validate.Struct(&params); err != nil {
		return models.Device{}, fmt.Errorf("%w: %s", ErrInvalidDevice, err.Error())
	}
	if err := params.Validate(); err != nil {
		return models.Device{}, fmt.Errorf("%w: %s", ErrInvalidDevice, err.Error())
	}

	byData, err := findTopicOwner(ctxt, m.store.FindByDataTopic, params.DataTopic)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Device lookup failed")
		return models.Device{}, err
	}
	byCommand, err := findTopicOwner(ctxt, m.store.FindByCommandTopic, params.CommandTopic)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Device lookup failed")
		return models.Device{}, err
	}

	switch {
	case byData != nil && byCommand != nil && byData.ID == byCommand.ID:
		// Same registration repeated
		if err := m.subscriptions.AddDevice(ctxt, *byData); err != nil {
			return models.Device{}, m.translateSubscribeError(err)
		}
		log.WithFields(logTags).WithField("device_id", byData.ID).Info(
			"Device already registered with these topics",
		)
		return *byData, nil
	case byData != nil || byCommand != nil:
		return models.Device{}, fmt.Errorf(
			"%w: data topic '%s' or command topic '%s'",
			ErrDeviceConflict, params.DataTopic, params.CommandTopic,
		)
	}

	dev, err := m.store.CreateDevice(ctxt, params)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceConflict, err.Error())
		}
		log.WithError(err).WithFields(logTags).Error("Unable to store device")
		return models.Device{}, err
	}
	if err := m.subscriptions.AddDevice(ctxt, dev); err != nil {
		// A device is only kept if its data topic could be subscribed
		if delErr := m.store.DeleteDevice(ctxt, dev.ID); delErr != nil {
			log.WithError(delErr).WithFields(logTags).WithField("device_id", dev.ID).Error(
				"Unable to roll back device registration",
			)
		}
		return models.Device{}, m.translateSubscribeError(err)
	}
	log.WithFields(logTags).WithField("device_id", dev.ID).Info("Registered device")
	return dev, nil
}

func (m *deviceManagerImpl) translateSubscribeError(err error) error {
	if errors.Is(err, subscription.ErrTopicConflict) {
		return fmt.Errorf("%w: %s", ErrDeviceConflict, err.Error())
	}
	return err
}

// requireOwner verify the user owns the device
func (m *deviceManagerImpl) requireOwner(ctxt context.Context, userID, deviceID string) error {
	owned, err := m.store.Exists(ctxt, userID, deviceID)
	if err != nil {
		log.WithError(err).WithFields(m.LogTagsForContext(ctxt)).Error("Ownership lookup failed")
		return err
	}
	if !owned {
		return ErrNotOwner
	}
	return nil
}

// DeleteDevice delete a device owned by the user
func (m *deviceManagerImpl) DeleteDevice(ctxt context.Context, userID, deviceID string) error {
	logTags := m.LogTagsForContext(ctxt)
	if err := m.requireOwner(ctxt, userID, deviceID); err != nil {
		return err
	}
	if err := m.store.DeleteDevice(ctxt, deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrDeviceNotFound
		}
		log.WithError(err).WithFields(logTags).WithField("device_id", deviceID).Error(
			"Unable to delete device",
		)
		return err
	}
	if err := m.subscriptions.RemoveDevice(ctxt, deviceID); err != nil {
		// The device is gone. The next reconcile retries the unsubscribe.
		log.WithError(err).WithFields(logTags).WithField("device_id", deviceID).Error(
			"Unable to remove device subscription",
		)
	}
	log.WithFields(logTags).WithField("device_id", deviceID).Info("Deleted device")
	return nil
}

// ListDevicesForUser list the devices a user owns
func (m *deviceManagerImpl) ListDevicesForUser(
	ctxt context.Context, userID string,
) ([]models.Device, error) {
	return m.store.ListDevicesForUser(ctxt, userID)
}

// AssignDevice make the user an owner of the device
func (m *deviceManagerImpl) AssignDevice(ctxt context.Context, userID, deviceID string) error {
	logTags := m.LogTagsForContext(ctxt)
	owned, err := m.store.Exists(ctxt, userID, deviceID)
	if err != nil {
		return err
	}
	if owned {
		return ErrAlreadyAssigned
	}
	if _, err := m.store.GetDevice(ctxt, deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	if err := m.store.Assign(ctxt, userID, deviceID); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return ErrAlreadyAssigned
		case errors.Is(err, storage.ErrNotFound):
			return ErrDeviceNotFound
		}
		log.WithError(err).WithFields(logTags).Error("Unable to assign device")
		return err
	}
	log.WithFields(logTags).WithField("device_id", deviceID).WithField("user_id", userID).Info(
		"Assigned device",
	)
	return nil
}

// UnassignDevice remove the user's ownership of the device
func (m *deviceManagerImpl) UnassignDevice(ctxt context.Context, userID, deviceID string) error {
	removed, err := m.store.Unassign(ctxt, userID, deviceID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotOwner
	}
	log.WithFields(m.LogTagsForContext(ctxt)).WithField("device_id", deviceID).WithField(
		"user_id", userID,
	).Info("Unassigned device")
	return nil
}

// TelemetryHistory list the stored telemetry of a device
func (m *deviceManagerImpl) TelemetryHistory(
	ctxt context.Context, userID, deviceID string, limit int,
) ([]models.TelemetryRecord, error) {
	if err := m.requireOwner(ctxt, userID, deviceID); err != nil {
		if errors.Is(err, ErrNotOwner) {
			return []models.TelemetryRecord{}, nil
		}
		return nil, err
	}
	return m.store.ListTelemetry(ctxt, deviceID, limit)
}
