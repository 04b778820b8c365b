package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/models"
)

// MemoryStore an in-process Store. Content is lost on exit.
type MemoryStore struct {
	common.Component
	lock      sync.RWMutex
	users     map[string]models.User
	devices   map[string]models.Device
	owners    map[string]map[string]bool // device -> user -> true
	telemetry map[string][]models.TelemetryRecord
	nextID    int64
}

// NewMemoryStore define a new empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Component: common.Component{
			LogTags: log.Fields{"module": "storage", "component": "memory"},
		},
		users:     make(map[string]models.User),
		devices:   make(map[string]models.Device),
		owners:    make(map[string]map[string]bool),
		telemetry: make(map[string][]models.TelemetryRecord),
	}
}

// Ping always succeeds
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close no-op
func (s *MemoryStore) Close() {}

func sortDevices(devices []models.Device) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
}

// ListAllDevices returns every registered device
func (s *MemoryStore) ListAllDevices(_ context.Context) ([]models.Device, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]models.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		result = append(result, dev)
	}
	sortDevices(result)
	return result, nil
}

// GetDevice returns one device by ID
func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (models.Device, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	return dev, nil
}

func (s *MemoryStore) findDevice(match func(models.Device) bool) (models.Device, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, dev := range s.devices {
		if match(dev) {
			return dev, nil
		}
	}
	return models.Device{}, ErrNotFound
}

// FindByDataTopic returns the device publishing on a data topic
func (s *MemoryStore) FindByDataTopic(_ context.Context, topic string) (models.Device, error) {
	return s.findDevice(func(d models.Device) bool { return d.DataTopic == topic })
}

// FindByCommandTopic returns the device listening on a command topic
func (s *MemoryStore) FindByCommandTopic(
	_ context.Context, topic string,
) (models.Device, error) {
	return s.findDevice(func(d models.Device) bool { return d.CommandTopic == topic })
}

// CreateDevice registers a new device
func (s *MemoryStore) CreateDevice(
	_ context.Context, params models.NewDevice,
) (models.Device, error) {
	if params.DataTopic == params.CommandTopic {
		return models.Device{}, fmt.Errorf("%w: data and command topic are equal", ErrConflict)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, dev := range s.devices {
		for _, taken := range []string{dev.DataTopic, dev.CommandTopic} {
			if taken == params.DataTopic || taken == params.CommandTopic {
				return models.Device{}, fmt.Errorf(
					"%w: topic '%s' used by device %s", ErrConflict, taken, dev.ID,
				)
			}
		}
	}
	dev := models.Device{
		ID:           uuid.New().String(),
		Name:         params.Name,
		DataTopic:    params.DataTopic,
		CommandTopic: params.CommandTopic,
	}
	s.devices[dev.ID] = dev
	return dev, nil
}

// DeleteDevice removes a device along with its ownership links. Its telemetry is kept.
func (s *MemoryStore) DeleteDevice(_ context.Context, deviceID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return ErrNotFound
	}
	delete(s.devices, deviceID)
	delete(s.owners, deviceID)
	return nil
}

// ListDevicesForUser returns the devices a user owns
func (s *MemoryStore) ListDevicesForUser(
	_ context.Context, userID string,
) ([]models.Device, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := []models.Device{}
	for deviceID, users := range s.owners {
		if users[userID] {
			result = append(result, s.devices[deviceID])
		}
	}
	sortDevices(result)
	return result, nil
}

// Exists whether the user owns the device
func (s *MemoryStore) Exists(_ context.Context, userID, deviceID string) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.owners[deviceID][userID], nil
}

// Assign records the user as an owner of the device
func (s *MemoryStore) Assign(_ context.Context, userID, deviceID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	users, ok := s.owners[deviceID]
	if !ok {
		users = make(map[string]bool)
		s.owners[deviceID] = users
	}
	if users[userID] {
		return fmt.Errorf("%w: user %s already owns %s", ErrConflict, userID, deviceID)
	}
	users[userID] = true
	return nil
}

// Unassign removes the ownership link
func (s *MemoryStore) Unassign(_ context.Context, userID, deviceID string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	users, ok := s.owners[deviceID]
	if !ok || !users[userID] {
		return false, nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.owners, deviceID)
	}
	return true, nil
}

// AppendTelemetry stores one payload received from a device
func (s *MemoryStore) AppendTelemetry(
	_ context.Context, deviceID string, payload []byte, receivedAt time.Time,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	s.nextID++
	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.telemetry[deviceID] = append(s.telemetry[deviceID], models.TelemetryRecord{
		ID: s.nextID, DeviceID: deviceID, Payload: stored, ReceivedAt: receivedAt.UTC(),
	})
	return nil
}

// ListTelemetry returns the most recent records of a device, newest first
func (s *MemoryStore) ListTelemetry(
	_ context.Context, deviceID string, limit int,
) ([]models.TelemetryRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	records := s.telemetry[deviceID]
	result := make([]models.TelemetryRecord, 0, len(records))
	for itr := len(records) - 1; itr >= 0; itr-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, records[itr])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	return result, nil
}

// FindByUserName returns the user with the name
func (s *MemoryStore) FindByUserName(_ context.Context, userName string) (models.User, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, user := range s.users {
		if user.UserName == userName {
			return user, nil
		}
	}
	return models.User{}, ErrNotFound
}

// CreateUser adds a user
func (s *MemoryStore) CreateUser(_ context.Context, userName string) (models.User, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, user := range s.users {
		if user.UserName == userName {
			return models.User{}, fmt.Errorf("%w: user name '%s'", ErrConflict, userName)
		}
	}
	user := models.User{ID: uuid.New().String(), UserName: userName}
	s.users[user.ID] = user
	return user, nil
}
