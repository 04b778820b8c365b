// Package subscription keeps the broker subscriptions in step with the device registry
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apex/log"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/core"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

// ErrTopicConflict a device's topic is already used by another device, or its two
// topics are equal
var ErrTopicConflict = errors.New("device topic conflicts with a registered device")

// DeviceLister lists the registered devices
type DeviceLister interface {
	ListAllDevices(ctxt context.Context) ([]models.Device, error)
}

// ObserverCloser closes the observer connections of a device
type ObserverCloser interface {
	CloseDevice(deviceID string) int
}

// Manager owns the set of data topics the relay is subscribed to, and indexes the
// subscribed devices by topic.
//
// A device is present in the index from the moment its subscription is requested, so
// concurrent registrations of the same topic are detected. The entry is dropped again
// if the subscribe fails.
//
// Data topics whose unsubscribe failed are kept until Reconcile manages to unsubscribe
// them.
type Manager struct {
	common.Component
	broker         core.Broker
	devices        DeviceLister
	observers      ObserverCloser
	onMessage      core.MessageHandlerCB
	lock           sync.RWMutex
	byID           map[string]models.Device
	byDataTopic    map[string]string
	byCommandTopic map[string]string

	// data topic -> ID of the removed device
	pendingUnsubscribe map[string]string
}

// NewManager define a new subscription manager. onMessage receives every message
// arriving on a subscribed data topic.
func NewManager(
	broker core.Broker,
	devices DeviceLister,
	observers ObserverCloser,
	onMessage core.MessageHandlerCB,
) (*Manager, error) {
	if onMessage == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	return &Manager{
		Component: common.Component{
			LogTags: log.Fields{"module": "subscription", "component": "manager"},
		},
		broker:         broker,
		devices:        devices,
		observers:      observers,
		onMessage:      onMessage,
		byID:           make(map[string]models.Device),
		byDataTopic:    make(map[string]string),
		byCommandTopic: make(map[string]string),

		pendingUnsubscribe: make(map[string]string),
	}, nil
}

// Start subscribe to the data topic of every registered device
func (m *Manager) Start(ctxt context.Context) error {
	logTags := m.LogTagsForContext(ctxt)
	devices, err := m.devices.ListAllDevices(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to list devices")
		return err
	}
	failed := 0
	for _, dev := range devices {
		if err := m.AddDevice(ctxt, dev); err != nil {
			failed++
		}
	}
	log.WithFields(logTags).Infof(
		"Subscribed to %d of %d devices", len(devices)-failed, len(devices),
	)
	if failed > 0 {
		return fmt.Errorf("failed to subscribe %d of %d devices", failed, len(devices))
	}
	return nil
}

// reserve index a device. Returns false if it is already indexed with the same topics.
func (m *Manager) reserve(dev models.Device) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if existing, ok := m.byID[dev.ID]; ok {
		if existing == dev {
			return false, nil
		}
		return false, fmt.Errorf(
			"%w: device %s is subscribed with different topics", ErrTopicConflict, dev.ID,
		)
	}
	if dev.DataTopic == dev.CommandTopic {
		return false, fmt.Errorf("%w: both topics are '%s'", ErrTopicConflict, dev.DataTopic)
	}
	for _, topic := range []string{dev.DataTopic, dev.CommandTopic} {
		if owner, ok := m.byDataTopic[topic]; ok {
			return false, fmt.Errorf("%w: '%s' is the data topic of %s", ErrTopicConflict, topic, owner)
		}
		if owner, ok := m.byCommandTopic[topic]; ok {
			return false, fmt.Errorf(
				"%w: '%s' is the command topic of %s", ErrTopicConflict, topic, owner,
			)
		}
	}
	m.byID[dev.ID] = dev
	m.byDataTopic[dev.DataTopic] = dev.ID
	m.byCommandTopic[dev.CommandTopic] = dev.ID
	return true, nil
}

// release drop a device from the index. Returns the entry if it was present.
func (m *Manager) release(deviceID string) (models.Device, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	dev, ok := m.byID[deviceID]
	if !ok {
		return models.Device{}, false
	}
	delete(m.byID, deviceID)
	delete(m.byDataTopic, dev.DataTopic)
	delete(m.byCommandTopic, dev.CommandTopic)
	return dev, true
}

// AddDevice subscribe to the data topic of a device. A no-op if the device is already
// subscribed with the same topics.
func (m *Manager) AddDevice(ctxt context.Context, dev models.Device) error {
	logTags := m.LogTagsForContext(ctxt)
	added, err := m.reserve(dev)
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("device_id", dev.ID).Error(
			"Unable to subscribe device",
		)
		return err
	}
	if !added {
		return nil
	}
	if err := m.broker.Subscribe(ctxt, dev.DataTopic, m.onMessage); err != nil {
		m.release(dev.ID)
		log.WithError(err).WithFields(logTags).WithField("device_id", dev.ID).Error(
			"Broker subscribe failed",
		)
		return err
	}
	m.lock.Lock()
	delete(m.pendingUnsubscribe, dev.DataTopic)
	m.lock.Unlock()
	log.WithFields(logTags).WithField("device_id", dev.ID).WithField(
		"topic", dev.DataTopic,
	).Info("Subscribed device")
	return nil
}

// RemoveDevice unsubscribe from the data topic of a device, and close its observer
// connections
func (m *Manager) RemoveDevice(ctxt context.Context, deviceID string) error {
	logTags := m.LogTagsForContext(ctxt)
	dev, ok := m.release(deviceID)
	var err error
	if ok {
		if err = m.broker.Unsubscribe(ctxt, dev.DataTopic); err != nil {
			m.lock.Lock()
			m.pendingUnsubscribe[dev.DataTopic] = deviceID
			m.lock.Unlock()
			log.WithError(err).WithFields(logTags).WithField("device_id", deviceID).Error(
				"Broker unsubscribe failed",
			)
		}
	}
	closed := m.observers.CloseDevice(deviceID)
	log.WithFields(logTags).WithField("device_id", deviceID).Infof(
		"Removed device, closed %d observers", closed,
	)
	return err
}

// Reconcile bring the subscriptions in line with the device registry. Devices added
// or removed outside this process are picked up here.
func (m *Manager) Reconcile(ctxt context.Context) error {
	logTags := m.LogTagsForContext(ctxt)
	// Only devices indexed before the listing may be treated as stale. A device added
	// while the listing runs would otherwise be removed again.
	m.lock.RLock()
	indexed := make(map[string]models.Device, len(m.byID))
	for deviceID, dev := range m.byID {
		indexed[deviceID] = dev
	}
	m.lock.RUnlock()

	devices, err := m.devices.ListAllDevices(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to list devices")
		return err
	}
	desired := make(map[string]models.Device, len(devices))
	for _, dev := range devices {
		desired[dev.ID] = dev
	}

	stale := []string{}
	for deviceID, current := range indexed {
		if want, ok := desired[deviceID]; !ok || want != current {
			stale = append(stale, deviceID)
		}
	}

	firstErr := m.retryUnsubscribes(ctxt)
	for _, deviceID := range stale {
		if err := m.RemoveDevice(ctxt, deviceID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, dev := range devices {
		if err := m.AddDevice(ctxt, dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// retryUnsubscribes unsubscribe the data topics of removed devices whose earlier
// unsubscribe failed. Topics claimed again by an indexed device are left alone.
func (m *Manager) retryUnsubscribes(ctxt context.Context) error {
	logTags := m.LogTagsForContext(ctxt)
	m.lock.Lock()
	pending := make(map[string]string, len(m.pendingUnsubscribe))
	for topic, deviceID := range m.pendingUnsubscribe {
		if _, inUse := m.byDataTopic[topic]; inUse {
			delete(m.pendingUnsubscribe, topic)
			continue
		}
		pending[topic] = deviceID
	}
	m.lock.Unlock()

	var firstErr error
	for topic, deviceID := range pending {
		if err := m.broker.Unsubscribe(ctxt, topic); err != nil {
			log.WithError(err).WithFields(logTags).WithField("device_id", deviceID).Error(
				"Broker unsubscribe retry failed",
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.lock.Lock()
		if m.pendingUnsubscribe[topic] == deviceID {
			delete(m.pendingUnsubscribe, topic)
		}
		m.lock.Unlock()
		log.WithFields(logTags).WithField("device_id", deviceID).WithField("topic", topic).Info(
			"Unsubscribed removed device",
		)
	}
	return firstErr
}

// PendingUnsubscribes list the data topics still waiting to be unsubscribed
func (m *Manager) PendingUnsubscribes() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make([]string, 0, len(m.pendingUnsubscribe))
	for topic := range m.pendingUnsubscribe {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}

// FindByDataTopic resolve a data topic to its subscribed device. Returns
// storage.ErrNotFound if no subscribed device uses the topic.
func (m *Manager) FindByDataTopic(_ context.Context, topic string) (models.Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	deviceID, ok := m.byDataTopic[topic]
	if !ok {
		return models.Device{}, storage.ErrNotFound
	}
	return m.byID[deviceID], nil
}

// Topics list the subscribed data topics
func (m *Manager) Topics() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make([]string, 0, len(m.byDataTopic))
	for topic := range m.byDataTopic {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}
