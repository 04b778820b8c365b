// Package models defines the records shared between the relay components
package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Device a registered device and its pair of broker topics
type Device struct {
	// ID is the device ID
	ID string `json:"id" validate:"required,uuid"`
	// Name is the device's display name
	Name string `json:"name" validate:"required"`
	// DataTopic is the topic the device publishes telemetry to
	DataTopic string `json:"data_topic" validate:"required"`
	// CommandTopic is the topic the device listens for commands on
	CommandTopic string `json:"command_topic" validate:"required"`
}

// NewDevice parameters for registering a new device
type NewDevice struct {
	// Name is the device's display name
	Name string `json:"name" validate:"required"`
	// DataTopic is the topic the device publishes telemetry to
	DataTopic string `json:"data_topic" validate:"required"`
	// CommandTopic is the topic the device listens for commands on
	CommandTopic string `json:"command_topic" validate:"required,nefield=DataTopic"`
}

// User an end user who may own devices
type User struct {
	// ID is the user ID
	ID string `json:"id"`
	// UserName is the name the user authenticates with
	UserName string `json:"username"`
}

// OwnershipLink a (user, device) pairing granting the user access to the device
type OwnershipLink struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// TelemetryRecord one stored telemetry payload
type TelemetryRecord struct {
	// ID is the record ID
	ID int64 `json:"id"`
	// DeviceID is the ID of the device which published the payload
	DeviceID string `json:"device_id"`
	// Payload is the raw payload, byte for byte as received
	Payload []byte `json:"b64_payload"`
	// ReceivedAt is when the relay received the payload
	ReceivedAt time.Time `json:"received_at"`
}

// maxTopicLength the MQTT limit on topic length in bytes
const maxTopicLength = 65535

// ValidateTopic verify a string is usable as both an MQTT subscription filter and an
// MQTT publish topic. Wildcards are rejected as a device topic must name exactly one
// channel.
func ValidateTopic(topic string) error {
	if len(topic) == 0 {
		return fmt.Errorf("topic is empty")
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("topic exceeds %d bytes", maxTopicLength)
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("topic '%s' is not valid UTF-8", topic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("topic '%s' contains wildcard or NUL characters", topic)
	}
	if strings.HasPrefix(topic, "$") {
		return fmt.Errorf("topic '%s' is reserved by the broker", topic)
	}
	return nil
}

// Validate verify the new device parameters
func (d NewDevice) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("device name is empty")
	}
	if err := ValidateTopic(d.DataTopic); err != nil {
		return fmt.Errorf("invalid data topic: %w", err)
	}
	if err := ValidateTopic(d.CommandTopic); err != nil {
		return fmt.Errorf("invalid command topic: %w", err)
	}
	if d.DataTopic == d.CommandTopic {
		return fmt.Errorf("data and command topic are both '%s'", d.DataTopic)
	}
	return nil
}
