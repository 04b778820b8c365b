package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type testConnection struct {
	Lifecycle
	id         string
	deviceID   string
	lock       sync.Mutex
	received   [][]byte
	rejectSend bool
	closeCalls int
}

func newTestConnection(deviceID string) *testConnection {
	conn := &testConnection{id: uuid.New().String(), deviceID: deviceID}
	_ = conn.Authorize()
	return conn
}

func (c *testConnection) ID() string {
	return c.id
}

func (c *testConnection) DeviceID() string {
	return c.deviceID
}

func (c *testConnection) Send(payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	if c.rejectSend {
		return ErrDeliveryMiss
	}
	c.received = append(c.received, payload)
	return nil
}

func (c *testConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closeCalls++
	c.MarkClosed()
	return nil
}

func (c *testConnection) messages() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([][]byte, len(c.received))
	copy(result, c.received)
	return result
}

func TestLifecycleTransitions(t *testing.T) {
	assert := assert.New(t)

	// Case 1: normal progression
	{
		uut := Lifecycle{}
		assert.Equal(StatePending, uut.State())
		assert.False(uut.IsOpen())
		assert.ErrorIs(uut.Activate(), ErrInvalidTransition)
		assert.Nil(uut.Authorize())
		assert.Equal(StateAuthorized, uut.State())
		assert.Nil(uut.Activate())
		assert.True(uut.IsOpen())
		assert.True(uut.MarkClosed())
		assert.False(uut.MarkClosed())
		assert.False(uut.IsOpen())
	}

	// Case 2: closed is terminal
	{
		uut := Lifecycle{}
		assert.True(uut.MarkClosed())
		assert.Equal(ErrConnectionClosed, uut.Authorize())
		assert.Equal(ErrConnectionClosed, uut.Activate())
		assert.Equal("closed", uut.State().String())
	}
}

func TestRegistryAddAndDeliver(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry(4)
	device1 := uuid.New().String()
	device2 := uuid.New().String()

	// Case 0: invalid add
	{
		assert.Equal(ErrMissingDeviceID, uut.Add("", newTestConnection("")))
		closed := newTestConnection(device1)
		closed.MarkClosed()
		assert.Equal(ErrConnectionClosed, uut.Add(device1, closed))
		assert.Equal(0, uut.ConnectionCount(device1))
	}

	conn1 := newTestConnection(device1)
	conn2 := newTestConnection(device1)
	conn3 := newTestConnection(device2)

	// Case 1: register
	{
		assert.Nil(uut.Add(device1, conn1))
		assert.Nil(uut.Add(device1, conn2))
		assert.Nil(uut.Add(device2, conn3))
		assert.True(conn1.IsOpen())
		assert.Equal(2, uut.ConnectionCount(device1))
		assert.Equal(1, uut.ConnectionCount(device2))
		assert.Equal(2, uut.DeviceCount())
	}

	// Case 2: deliver to one device only
	{
		assert.Equal(2, uut.SendToDevice(device1, []byte("23.5C")))
		assert.Equal([][]byte{[]byte("23.5C")}, conn1.messages())
		assert.Equal([][]byte{[]byte("23.5C")}, conn2.messages())
		assert.Len(conn3.messages(), 0)
	}

	// Case 3: unknown device
	{
		assert.Equal(0, uut.SendToDevice(uuid.New().String(), []byte("lost")))
	}

	// Case 4: one failing connection does not affect others
	{
		conn1.rejectSend = true
		assert.Equal(1, uut.SendToDevice(device1, []byte("24.0C")))
		assert.Len(conn1.messages(), 1)
		assert.Len(conn2.messages(), 2)
		conn1.rejectSend = false
	}

	// Case 5: closed connections are skipped
	{
		assert.Nil(conn2.Close())
		assert.Equal(1, uut.SendToDevice(device1, []byte("25.0C")))
		assert.Len(conn1.messages(), 2)
		assert.Len(conn2.messages(), 2)
	}

	// Case 6: broadcast
	{
		assert.Equal(2, uut.Broadcast([]byte("all")))
		assert.Len(conn1.messages(), 3)
		assert.Len(conn3.messages(), 1)
	}

	// Case 7: removed connections receive nothing
	{
		uut.Remove(device1, conn1)
		assert.Equal(0, uut.SendToDevice(device1, []byte("26.0C")))
		assert.Len(conn1.messages(), 3)
		// repeated remove is a no-op
		uut.Remove(device1, conn1)
	}
}

func TestRegistrySweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry(2)
	device1 := uuid.New().String()
	device2 := uuid.New().String()

	conns := []*testConnection{
		newTestConnection(device1), newTestConnection(device1), newTestConnection(device2),
	}
	assert.Nil(uut.Add(device1, conns[0]))
	assert.Nil(uut.Add(device1, conns[1]))
	assert.Nil(uut.Add(device2, conns[2]))

	// Case 1: nothing to sweep
	{
		assert.Equal(0, uut.Sweep())
		assert.Equal(2, uut.DeviceCount())
	}

	// Case 2: device left with no connections is dropped
	{
		assert.Nil(conns[2].Close())
		assert.Equal(1, uut.Sweep())
		assert.Equal(1, uut.DeviceCount())
		assert.Equal(0, uut.ConnectionCount(device2))
	}

	// Case 3: second sweep right after changes nothing
	{
		assert.Equal(0, uut.Sweep())
		assert.Equal(1, uut.DeviceCount())
		assert.Equal(2, uut.ConnectionCount(device1))
		assert.Equal(0, uut.ConnectionCount(device2))
	}

	// Case 4: partial sweep
	{
		assert.Nil(conns[0].Close())
		assert.Equal(1, uut.Sweep())
		assert.Equal(1, uut.ConnectionCount(device1))
	}

	// Case 5: repeat sweep after a partial sweep
	{
		assert.Equal(0, uut.Sweep())
		assert.Equal(1, uut.ConnectionCount(device1))
	}

	// Case 6: removing the last connection drops the device
	{
		uut.Remove(device1, conns[1])
		assert.Equal(0, uut.DeviceCount())
	}
}

func TestRegistryCloseDevice(t *testing.T) {
	assert := assert.New(t)

	uut := NewRegistry(1)
	device1 := uuid.New().String()
	device2 := uuid.New().String()

	conn1 := newTestConnection(device1)
	conn2 := newTestConnection(device1)
	conn3 := newTestConnection(device2)
	assert.Nil(uut.Add(device1, conn1))
	assert.Nil(uut.Add(device1, conn2))
	assert.Nil(uut.Add(device2, conn3))

	assert.Equal(2, uut.CloseDevice(device1))
	assert.Equal(1, conn1.closeCalls)
	assert.Equal(1, conn2.closeCalls)
	assert.False(conn1.IsOpen())
	assert.True(conn3.IsOpen())
	assert.Equal(0, uut.ConnectionCount(device1))
	assert.Equal(0, uut.CloseDevice(device1))
	assert.Equal(1, uut.SendToDevice(device2, []byte("still here")))

	// Shutdown closes what is left
	assert.Equal(1, uut.CloseAll())
	assert.False(conn3.IsOpen())
	assert.Equal(0, uut.DeviceCount())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut := NewRegistry(8)
	targetDevice := uuid.New().String()
	otherDevices := make([]string, 8)
	for itr := range otherDevices {
		otherDevices[itr] = uuid.New().String()
	}

	connCount := 32
	msgCount := 50

	// Case 1: concurrent registration for the same device
	conns := make([]*testConnection, connCount)
	{
		wg := sync.WaitGroup{}
		for itr := 0; itr < connCount; itr++ {
			conns[itr] = newTestConnection(targetDevice)
			wg.Add(1)
			go func(conn *testConnection) {
				defer wg.Done()
				assert.Nil(uut.Add(targetDevice, conn))
			}(conns[itr])
		}
		wg.Wait()
		assert.Equal(connCount, uut.ConnectionCount(targetDevice))
	}

	// Case 2: concurrent delivery while other devices churn
	{
		wg := sync.WaitGroup{}
		for itr := 0; itr < msgCount; itr++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				uut.SendToDevice(targetDevice, []byte(fmt.Sprintf("msg-%d", idx)))
			}(itr)
		}
		for _, deviceID := range otherDevices {
			wg.Add(1)
			go func(deviceID string) {
				defer wg.Done()
				for itr := 0; itr < 20; itr++ {
					conn := newTestConnection(deviceID)
					_ = uut.Add(deviceID, conn)
					uut.SendToDevice(deviceID, []byte("noise"))
					if itr%2 == 0 {
						_ = conn.Close()
						uut.Sweep()
					} else {
						uut.Remove(deviceID, conn)
					}
				}
			}(deviceID)
		}
		wg.Wait()
	}

	for _, conn := range conns {
		msgs := conn.messages()
		assert.Len(msgs, msgCount)
		seen := map[string]bool{}
		for _, msg := range msgs {
			seen[string(msg)] = true
		}
		assert.Len(seen, msgCount)
	}
	assert.Equal(1, uut.DeviceCount())
}
