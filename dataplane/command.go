package dataplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/core"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

var (
	// ErrNotOwner the user does not own the device
	ErrNotOwner = errors.New("device not assigned to user")
	// ErrUnknownDevice the device does not exist
	ErrUnknownDevice = errors.New("device not found")
	// ErrBrokerDisconnected the broker connection is down
	ErrBrokerDisconnected = errors.New("broker connection is down")
)

// PublishFailure the broker refused or failed the publish
type PublishFailure struct {
	Topic string
	Err   error
}

// Error implements error
func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish to '%s' failed: %s", e.Topic, e.Err.Error())
}

// Unwrap returns the underlying error
func (e *PublishFailure) Unwrap() error {
	return e.Err
}

// OwnershipChecker checks the user / device ownership relation
type OwnershipChecker interface {
	Exists(ctxt context.Context, userID, deviceID string) (bool, error)
}

// DeviceGetter fetches devices by ID
type DeviceGetter interface {
	GetDevice(ctxt context.Context, deviceID string) (models.Device, error)
}

// CommandPublisher publishes user commands onto device command topics
type CommandPublisher struct {
	common.Component
	broker        core.Broker
	ownership     OwnershipChecker
	devices       DeviceGetter
	operationCtxt context.Context
}

// NewCommandPublisher define a new command publisher. Completion of publishes still
// in flight is tracked until ctxt is cancelled.
func NewCommandPublisher(
	ctxt context.Context, broker core.Broker, ownership OwnershipChecker, devices DeviceGetter,
) *CommandPublisher {
	return &CommandPublisher{
		Component: common.Component{
			LogTags: log.Fields{"module": "dataplane", "component": "command-publisher"},
		},
		broker:        broker,
		ownership:     ownership,
		devices:       devices,
		operationCtxt: ctxt,
	}
}

// PublishCommand publish a payload onto a device's command topic on behalf of a user.
//
// The user must own the device. The publish is started without waiting for the broker
// acknowledgement: only a publish that has already failed when this returns is
// reported. Later failures are logged.
func (p *CommandPublisher) PublishCommand(
	ctxt context.Context, userID, deviceID string, payload []byte,
) error {
	logTags := p.LogTagsForContext(ctxt)
	owned, err := p.ownership.Exists(ctxt, userID, deviceID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Ownership lookup failed")
		return err
	}
	if !owned {
		commandResults.WithLabelValues(commandRejected).Inc()
		return ErrNotOwner
	}
	dev, err := p.devices.GetDevice(ctxt, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			commandResults.WithLabelValues(commandRejected).Inc()
			return ErrUnknownDevice
		}
		log.WithError(err).WithFields(logTags).Error("Device lookup failed")
		return err
	}
	logTags["device_id"] = dev.ID
	logTags["topic"] = dev.CommandTopic

	if !p.broker.IsConnected() {
		commandResults.WithLabelValues(commandFailed).Inc()
		return &PublishFailure{Topic: dev.CommandTopic, Err: ErrBrokerDisconnected}
	}
	token := p.broker.PublishAsync(dev.CommandTopic, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			commandResults.WithLabelValues(commandFailed).Inc()
			log.WithError(err).WithFields(logTags).Error("Command publish failed")
			return &PublishFailure{Topic: dev.CommandTopic, Err: err}
		}
	default:
		go p.watchPublish(token, logTags)
	}
	commandResults.WithLabelValues(commandAccepted).Inc()
	log.WithFields(logTags).Debugf("Published %d byte command", len(payload))
	return nil
}

// watchPublish log the outcome of a publish which was still in flight
func (p *CommandPublisher) watchPublish(token core.PublishToken, logTags log.Fields) {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			commandResults.WithLabelValues(commandLate).Inc()
			log.WithError(err).WithFields(logTags).Error("Command publish failed after return")
		}
	case <-p.operationCtxt.Done():
	}
}
