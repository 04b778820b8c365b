// Package session tracks the live observer connections of each device
package session

import (
	"sync"

	"github.com/apex/log"
	"github.com/zeebo/xxh3"

	"github.com/alwitt/iotrelay/common"
)

// registryShard one partition of the registry. Holds the connections of every device
// hashing to it.
type registryShard struct {
	lock    sync.RWMutex
	devices map[string]map[string]Connection
}

// Registry maps device IDs to the set of live observer connections for that device.
//
// Devices are partitioned over a fixed number of shards by hashing the device ID, so
// operations on different devices rarely contend. Payload delivery never happens
// while a shard lock is held.
type Registry struct {
	common.Component
	shards []*registryShard
}

// NewRegistry define a new session registry
func NewRegistry(shardCount int) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*registryShard, shardCount)
	for itr := range shards {
		shards[itr] = &registryShard{devices: make(map[string]map[string]Connection)}
	}
	return &Registry{
		Component: common.Component{
			LogTags: log.Fields{"module": "session", "component": "registry"},
		},
		shards: shards,
	}
}

func (r *Registry) shardFor(deviceID string) *registryShard {
	return r.shards[xxh3.HashString(deviceID)%uint64(len(r.shards))]
}

// Add register a connection under a device, and move it to live.
//
// Fails with ErrConnectionClosed if the connection closed before it could be
// registered. A connection closing after Add returns is removed by its own close
// handling, or by the next Sweep.
func (r *Registry) Add(deviceID string, conn Connection) error {
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	shard := r.shardFor(deviceID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	// Activate under the shard lock so a concurrent Remove from the close path is
	// ordered after the insert.
	if err := conn.Activate(); err != nil {
		return err
	}
	conns, ok := shard.devices[deviceID]
	if !ok {
		conns = make(map[string]Connection)
		shard.devices[deviceID] = conns
	}
	if _, exist := conns[conn.ID()]; !exist {
		liveConnections.Inc()
	}
	conns[conn.ID()] = conn
	log.WithFields(r.LogTags).WithField("device_id", deviceID).WithField(
		"connection_id", conn.ID(),
	).Debug("Registered observer")
	return nil
}

// Remove remove one connection from a device. A no-op if it is not registered.
func (r *Registry) Remove(deviceID string, conn Connection) {
	shard := r.shardFor(deviceID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	conns, ok := shard.devices[deviceID]
	if !ok {
		return
	}
	if existing, ok := conns[conn.ID()]; ok && existing == conn {
		delete(conns, conn.ID())
		liveConnections.Dec()
		log.WithFields(r.LogTags).WithField("device_id", deviceID).WithField(
			"connection_id", conn.ID(),
		).Debug("Removed observer")
	}
	if len(conns) == 0 {
		delete(shard.devices, deviceID)
	}
}

// snapshot copy the connections of one device under the read lock
func (r *Registry) snapshot(deviceID string) []Connection {
	shard := r.shardFor(deviceID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	conns := shard.devices[deviceID]
	result := make([]Connection, 0, len(conns))
	for _, conn := range conns {
		result = append(result, conn)
	}
	return result
}

// deliver send the payload to each open connection, returning the number which
// accepted it
func (r *Registry) deliver(conns []Connection, payload []byte) int {
	delivered := 0
	for _, conn := range conns {
		if !conn.IsOpen() {
			deliveryResults.WithLabelValues(resultClosed).Inc()
			continue
		}
		if err := conn.Send(payload); err != nil {
			deliveryResults.WithLabelValues(resultMissed).Inc()
			log.WithError(err).WithFields(r.LogTags).WithField(
				"device_id", conn.DeviceID(),
			).WithField("connection_id", conn.ID()).Debug("Delivery miss")
			continue
		}
		deliveryResults.WithLabelValues(resultDelivered).Inc()
		delivered++
	}
	return delivered
}

// SendToDevice deliver a payload to every open connection of a device. A failure on
// one connection does not affect the others. Returns the number of connections which
// accepted the payload.
func (r *Registry) SendToDevice(deviceID string, payload []byte) int {
	return r.deliver(r.snapshot(deviceID), payload)
}

// Broadcast deliver a payload to every open connection of every device. Returns the
// number of connections which accepted the payload.
func (r *Registry) Broadcast(payload []byte) int {
	delivered := 0
	for _, shard := range r.shards {
		shard.lock.RLock()
		conns := make([]Connection, 0)
		for _, deviceConns := range shard.devices {
			for _, conn := range deviceConns {
				conns = append(conns, conn)
			}
		}
		shard.lock.RUnlock()
		delivered += r.deliver(conns, payload)
	}
	return delivered
}

// Sweep remove all closed connections, and drop devices left with none. Returns the
// number of connections removed.
func (r *Registry) Sweep() int {
	removed := 0
	for _, shard := range r.shards {
		shard.lock.Lock()
		for deviceID, conns := range shard.devices {
			for connID, conn := range conns {
				if !conn.IsOpen() {
					delete(conns, connID)
					removed++
				}
			}
			if len(conns) == 0 {
				delete(shard.devices, deviceID)
			}
		}
		shard.lock.Unlock()
	}
	if removed > 0 {
		liveConnections.Sub(float64(removed))
		sweptConnections.Add(float64(removed))
		log.WithFields(r.LogTags).Debugf("Swept %d closed observers", removed)
	}
	return removed
}

// CloseDevice unregister and close every connection of a device. Returns the number
// of connections closed.
func (r *Registry) CloseDevice(deviceID string) int {
	shard := r.shardFor(deviceID)
	shard.lock.Lock()
	conns := shard.devices[deviceID]
	delete(shard.devices, deviceID)
	shard.lock.Unlock()
	liveConnections.Sub(float64(len(conns)))
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).WithField(
				"device_id", deviceID,
			).WithField("connection_id", conn.ID()).Debug("Observer close failed")
		}
	}
	if len(conns) > 0 {
		log.WithFields(r.LogTags).WithField("device_id", deviceID).Infof(
			"Closed %d observers", len(conns),
		)
	}
	return len(conns)
}

// CloseAll unregister and close every connection. Used at shutdown.
func (r *Registry) CloseAll() int {
	closed := 0
	for _, shard := range r.shards {
		shard.lock.RLock()
		deviceIDs := make([]string, 0, len(shard.devices))
		for deviceID := range shard.devices {
			deviceIDs = append(deviceIDs, deviceID)
		}
		shard.lock.RUnlock()
		for _, deviceID := range deviceIDs {
			closed += r.CloseDevice(deviceID)
		}
	}
	return closed
}

// DeviceCount returns the number of devices with at least one registered connection
func (r *Registry) DeviceCount() int {
	count := 0
	for _, shard := range r.shards {
		shard.lock.RLock()
		count += len(shard.devices)
		shard.lock.RUnlock()
	}
	return count
}

// ConnectionCount returns the number of connections registered under a device
func (r *Registry) ConnectionCount(deviceID string) int {
	shard := r.shardFor(deviceID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	return len(shard.devices[deviceID])
}
