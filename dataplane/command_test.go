package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/alwitt/iotrelay/core"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

type testToken struct {
	done chan struct{}
	err  error
}

func (t *testToken) Done() <-chan struct{} {
	return t.done
}

func (t *testToken) Error() error {
	return t.err
}

type publishRecord struct {
	topic   string
	payload []byte
}

type testPublishBroker struct {
	lock      sync.Mutex
	connected bool
	published []publishRecord
	nextToken func() *testToken
}

func (b *testPublishBroker) Subscribe(context.Context, string, core.MessageHandlerCB) error {
	return nil
}

func (b *testPublishBroker) Unsubscribe(context.Context, ...string) error {
	return nil
}

func (b *testPublishBroker) PublishAsync(topic string, payload []byte) core.PublishToken {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.published = append(b.published, publishRecord{topic: topic, payload: payload})
	return b.nextToken()
}

func (b *testPublishBroker) IsConnected() bool {
	return b.connected
}

func completedToken(err error) func() *testToken {
	return func() *testToken {
		token := &testToken{done: make(chan struct{}), err: err}
		close(token.done)
		return token
	}
}

func TestCommandPublisher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemoryStore()
	owner, err := store.CreateUser(ctxt, "owner")
	assert.Nil(err)
	stranger, err := store.CreateUser(ctxt, "stranger")
	assert.Nil(err)
	dev, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "valve", DataTopic: "v/1/data", CommandTopic: "v/1/cmd",
	})
	assert.Nil(err)
	assert.Nil(store.Assign(ctxt, owner.ID, dev.ID))

	broker := &testPublishBroker{connected: true, nextToken: completedToken(nil)}
	uut := NewCommandPublisher(ctxt, broker, store, store)

	// Case 1: owner publishes
	{
		assert.Nil(uut.PublishCommand(ctxt, owner.ID, dev.ID, []byte("OPEN")))
		assert.Equal([]publishRecord{{topic: "v/1/cmd", payload: []byte("OPEN")}}, broker.published)
	}

	// Case 2: not the owner
	{
		assert.Equal(ErrNotOwner, uut.PublishCommand(ctxt, stranger.ID, dev.ID, []byte("OPEN")))
		assert.Equal(
			ErrNotOwner, uut.PublishCommand(ctxt, owner.ID, uuid.New().String(), []byte("OPEN")),
		)
		assert.Len(broker.published, 1)
	}

	// Case 3: immediate broker failure
	{
		broker.nextToken = completedToken(fmt.Errorf("not authorized"))
		err := uut.PublishCommand(ctxt, owner.ID, dev.ID, []byte("CLOSE"))
		var failure *PublishFailure
		assert.True(errors.As(err, &failure))
		assert.Equal("v/1/cmd", failure.Topic)
		assert.Len(broker.published, 2)
	}

	// Case 4: publish still in flight is accepted
	{
		pending := &testToken{done: make(chan struct{})}
		broker.nextToken = func() *testToken { return pending }
		assert.Nil(uut.PublishCommand(ctxt, owner.ID, dev.ID, []byte("CLOSE")))
		pending.err = fmt.Errorf("late failure")
		close(pending.done)
		assert.Len(broker.published, 3)
	}

	// Case 5: broker disconnected
	{
		broker.connected = false
		err := uut.PublishCommand(ctxt, owner.ID, dev.ID, []byte("OPEN"))
		assert.ErrorIs(err, ErrBrokerDisconnected)
		assert.Len(broker.published, 3)
	}
}

type orphanOwnership struct{}

func (orphanOwnership) Exists(context.Context, string, string) (bool, error) {
	return true, nil
}

func TestCommandPublisherUnknownDevice(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	broker := &testPublishBroker{connected: true, nextToken: completedToken(nil)}
	uut := NewCommandPublisher(ctxt, broker, orphanOwnership{}, storage.NewMemoryStore())

	err := uut.PublishCommand(ctxt, uuid.New().String(), uuid.New().String(), []byte("OPEN"))
	assert.Equal(ErrUnknownDevice, err)
	assert.Len(broker.published, 0)
}

type mockOwnership struct {
	mock.Mock
}

func (m *mockOwnership) Exists(ctxt context.Context, userID, deviceID string) (bool, error) {
	args := m.Called(ctxt, userID, deviceID)
	return args.Bool(0), args.Error(1)
}

type mockDevices struct {
	mock.Mock
}

func (m *mockDevices) GetDevice(ctxt context.Context, deviceID string) (models.Device, error) {
	args := m.Called(ctxt, deviceID)
	return args.Get(0).(models.Device), args.Error(1)
}

func TestCommandPublisherLookupFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	ownership := new(mockOwnership)
	devices := new(mockDevices)
	broker := &testPublishBroker{connected: true, nextToken: completedToken(nil)}
	uut := NewCommandPublisher(ctxt, broker, ownership, devices)

	userID := uuid.New().String()
	deviceID := uuid.New().String()

	// Case 1: ownership lookup fails
	{
		lookupErr := fmt.Errorf("connection reset")
		ownership.On("Exists", mock.Anything, userID, deviceID).Return(false, lookupErr).Once()
		assert.Equal(lookupErr, uut.PublishCommand(ctxt, userID, deviceID, []byte("OPEN")))
		devices.AssertNotCalled(t, "GetDevice", mock.Anything, mock.Anything)
	}

	// Case 2: device lookup fails
	{
		lookupErr := fmt.Errorf("statement timeout")
		ownership.On("Exists", mock.Anything, userID, deviceID).Return(true, nil).Once()
		devices.On("GetDevice", mock.Anything, deviceID).Return(models.Device{}, lookupErr).Once()
		assert.Equal(lookupErr, uut.PublishCommand(ctxt, userID, deviceID, []byte("OPEN")))
	}

	assert.Len(broker.published, 0)
	ownership.AssertExpectations(t)
	devices.AssertExpectations(t)
}
