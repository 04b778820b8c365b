package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/alwitt/iotrelay/core"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

type testBroker struct {
	lock          sync.Mutex
	subscribed    map[string]core.MessageHandlerCB
	failSubscribe map[string]bool
	unsubscribed  []string
	// topic -> number of unsubscribe calls still to fail
	failUnsubscribe map[string]int
}

func newTestBroker() *testBroker {
	return &testBroker{
		subscribed:      map[string]core.MessageHandlerCB{},
		failSubscribe:   map[string]bool{},
		failUnsubscribe: map[string]int{},
	}
}

func (b *testBroker) Subscribe(
	_ context.Context, topic string, handler core.MessageHandlerCB,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.failSubscribe[topic] {
		return fmt.Errorf("subscribe refused")
	}
	b.subscribed[topic] = handler
	return nil
}

func (b *testBroker) Unsubscribe(_ context.Context, topics ...string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, topic := range topics {
		if b.failUnsubscribe[topic] > 0 {
			b.failUnsubscribe[topic]--
			return fmt.Errorf("unsubscribe timed out")
		}
	}
	for _, topic := range topics {
		delete(b.subscribed, topic)
		b.unsubscribed = append(b.unsubscribed, topic)
	}
	return nil
}

func (b *testBroker) PublishAsync(_ string, _ []byte) core.PublishToken {
	return nil
}

func (b *testBroker) IsConnected() bool {
	return true
}

func (b *testBroker) isSubscribed(topic string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.subscribed[topic]
	return ok
}

type testObservers struct {
	lock   sync.Mutex
	closed []string
}

func (o *testObservers) CloseDevice(deviceID string) int {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.closed = append(o.closed, deviceID)
	return 1
}

func newDevice(name string) models.Device {
	return models.Device{
		ID:           uuid.New().String(),
		Name:         name,
		DataTopic:    fmt.Sprintf("devices/%s/data", name),
		CommandTopic: fmt.Sprintf("devices/%s/cmd", name),
	}
}

func TestManagerAddRemove(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broker := newTestBroker()
	observers := &testObservers{}
	store := storage.NewMemoryStore()
	received := make(chan core.InboundMessage, 1)

	_, err := NewManager(broker, store, observers, nil)
	assert.NotNil(err)

	uut, err := NewManager(broker, store, observers, func(msg core.InboundMessage) {
		received <- msg
	})
	assert.Nil(err)

	ctxt := context.Background()
	dev1 := newDevice("thermo")

	// Case 1: add device
	{
		assert.Nil(uut.AddDevice(ctxt, dev1))
		assert.True(broker.isSubscribed(dev1.DataTopic))
		assert.False(broker.isSubscribed(dev1.CommandTopic))
		assert.Equal([]string{dev1.DataTopic}, uut.Topics())
		found, err := uut.FindByDataTopic(ctxt, dev1.DataTopic)
		assert.Nil(err)
		assert.Equal(dev1, found)
		_, err = uut.FindByDataTopic(ctxt, dev1.CommandTopic)
		assert.ErrorIs(err, storage.ErrNotFound)

		// messages on the topic reach the handler
		broker.subscribed[dev1.DataTopic](core.InboundMessage{Topic: dev1.DataTopic})
		msg := <-received
		assert.Equal(dev1.DataTopic, msg.Topic)
	}

	// Case 2: repeated add is a no-op
	{
		assert.Nil(uut.AddDevice(ctxt, dev1))
		assert.Len(uut.Topics(), 1)
	}

	// Case 3: topic conflicts
	{
		dup := newDevice("other")
		dup.DataTopic = dev1.DataTopic
		assert.ErrorIs(uut.AddDevice(ctxt, dup), ErrTopicConflict)

		cross := newDevice("cross")
		cross.DataTopic = dev1.CommandTopic
		assert.ErrorIs(uut.AddDevice(ctxt, cross), ErrTopicConflict)

		same := newDevice("same")
		same.CommandTopic = same.DataTopic
		assert.ErrorIs(uut.AddDevice(ctxt, same), ErrTopicConflict)

		changed := dev1
		changed.DataTopic = "devices/changed/data"
		assert.ErrorIs(uut.AddDevice(ctxt, changed), ErrTopicConflict)
		assert.Len(uut.Topics(), 1)
	}

	// Case 4: failed subscribe leaves no index entry
	{
		dev2 := newDevice("valve")
		broker.failSubscribe[dev2.DataTopic] = true
		assert.NotNil(uut.AddDevice(ctxt, dev2))
		_, err := uut.FindByDataTopic(ctxt, dev2.DataTopic)
		assert.ErrorIs(err, storage.ErrNotFound)
		broker.failSubscribe[dev2.DataTopic] = false
		assert.Nil(uut.AddDevice(ctxt, dev2))
		assert.Len(uut.Topics(), 2)
	}

	// Case 5: remove device
	{
		assert.Nil(uut.RemoveDevice(ctxt, dev1.ID))
		assert.False(broker.isSubscribed(dev1.DataTopic))
		assert.Equal([]string{dev1.DataTopic}, broker.unsubscribed)
		assert.Equal([]string{dev1.ID}, observers.closed)
		_, err := uut.FindByDataTopic(ctxt, dev1.DataTopic)
		assert.ErrorIs(err, storage.ErrNotFound)
		// topic is free again
		reuse := newDevice("reuse")
		reuse.DataTopic = dev1.DataTopic
		assert.Nil(uut.AddDevice(ctxt, reuse))
	}

	// Case 6: remove unknown device still closes observers
	{
		unknown := uuid.New().String()
		assert.Nil(uut.RemoveDevice(ctxt, unknown))
		assert.Contains(observers.closed, unknown)
	}
}

func TestManagerStartAndReconcile(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broker := newTestBroker()
	observers := &testObservers{}
	store := storage.NewMemoryStore()
	ctxt := context.Background()

	dev1, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "thermo", DataTopic: "t/1/data", CommandTopic: "t/1/cmd",
	})
	assert.Nil(err)
	dev2, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "valve", DataTopic: "t/2/data", CommandTopic: "t/2/cmd",
	})
	assert.Nil(err)

	uut, err := NewManager(broker, store, observers, func(msg core.InboundMessage) {})
	assert.Nil(err)

	// Case 1: start subscribes every registered device
	{
		assert.Nil(uut.Start(ctxt))
		assert.Equal([]string{"t/1/data", "t/2/data"}, uut.Topics())
		assert.True(broker.isSubscribed(dev1.DataTopic))
		assert.True(broker.isSubscribed(dev2.DataTopic))
	}

	// Case 2: devices changed in the registry
	dev3, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "pump", DataTopic: "t/3/data", CommandTopic: "t/3/cmd",
	})
	assert.Nil(err)
	assert.Nil(store.DeleteDevice(ctxt, dev1.ID))
	{
		assert.Nil(uut.Reconcile(ctxt))
		assert.Equal([]string{"t/2/data", "t/3/data"}, uut.Topics())
		assert.False(broker.isSubscribed(dev1.DataTopic))
		assert.True(broker.isSubscribed(dev3.DataTopic))
		assert.Equal([]string{dev1.ID}, observers.closed)
	}

	// Case 3: nothing to do
	{
		assert.Nil(uut.Reconcile(ctxt))
		assert.Equal([]string{"t/2/data", "t/3/data"}, uut.Topics())
		assert.Len(observers.closed, 1)
	}

	// Case 4: start reports subscribe failures
	{
		other, err := NewManager(newTestBroker(), store, observers, func(core.InboundMessage) {})
		assert.Nil(err)
		other.broker.(*testBroker).failSubscribe["t/3/data"] = true
		assert.NotNil(other.Start(ctxt))
		assert.Equal([]string{"t/2/data"}, other.Topics())
	}
}

func TestManagerUnsubscribeRetry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broker := newTestBroker()
	observers := &testObservers{}
	store := storage.NewMemoryStore()
	ctxt := context.Background()

	dev, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "thermo", DataTopic: "t/a/data", CommandTopic: "t/a/cmd",
	})
	assert.Nil(err)

	uut, err := NewManager(broker, store, observers, func(msg core.InboundMessage) {})
	assert.Nil(err)
	assert.Nil(uut.Start(ctxt))
	assert.True(broker.isSubscribed(dev.DataTopic))

	// Case 1: unsubscribe fails while removing the device
	assert.Nil(store.DeleteDevice(ctxt, dev.ID))
	broker.failUnsubscribe[dev.DataTopic] = 1
	{
		assert.NotNil(uut.RemoveDevice(ctxt, dev.ID))
		assert.Empty(uut.Topics())
		assert.True(broker.isSubscribed(dev.DataTopic))
		assert.Equal([]string{dev.DataTopic}, uut.PendingUnsubscribes())
		_, err := uut.FindByDataTopic(ctxt, dev.DataTopic)
		assert.ErrorIs(err, storage.ErrNotFound)
	}

	// Case 2: reconcile retries the unsubscribe
	{
		assert.Nil(uut.Reconcile(ctxt))
		assert.False(broker.isSubscribed(dev.DataTopic))
		assert.Empty(uut.PendingUnsubscribes())
		assert.Empty(uut.Topics())
	}

	// Case 3: retry keeps failing until the broker accepts it
	dev2, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "valve", DataTopic: "t/b/data", CommandTopic: "t/b/cmd",
	})
	assert.Nil(err)
	assert.Nil(uut.AddDevice(ctxt, dev2))
	assert.Nil(store.DeleteDevice(ctxt, dev2.ID))
	broker.failUnsubscribe[dev2.DataTopic] = 2
	{
		assert.NotNil(uut.RemoveDevice(ctxt, dev2.ID))
		assert.NotNil(uut.Reconcile(ctxt))
		assert.True(broker.isSubscribed(dev2.DataTopic))
		assert.Equal([]string{dev2.DataTopic}, uut.PendingUnsubscribes())
		assert.Nil(uut.Reconcile(ctxt))
		assert.False(broker.isSubscribed(dev2.DataTopic))
		assert.Empty(uut.PendingUnsubscribes())
	}

	// Case 4: topic claimed again before the retry
	dev3, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "pump", DataTopic: "t/c/data", CommandTopic: "t/c/cmd",
	})
	assert.Nil(err)
	assert.Nil(uut.AddDevice(ctxt, dev3))
	assert.Nil(store.DeleteDevice(ctxt, dev3.ID))
	broker.failUnsubscribe[dev3.DataTopic] = 1
	{
		assert.NotNil(uut.RemoveDevice(ctxt, dev3.ID))
		dev4, err := store.CreateDevice(ctxt, models.NewDevice{
			Name: "pump-2", DataTopic: "t/c/data", CommandTopic: "t/c/cmd",
		})
		assert.Nil(err)
		assert.Nil(uut.AddDevice(ctxt, dev4))
		assert.Empty(uut.PendingUnsubscribes())
		assert.Nil(uut.Reconcile(ctxt))
		assert.True(broker.isSubscribed(dev4.DataTopic))
		assert.Equal([]string{"t/c/data"}, uut.Topics())
	}
}
