package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/alwitt/iotrelay/common"
)

// QoSAtLeastOnce MQTT QoS 1
const QoSAtLeastOnce byte = 1

// MQTTConnectParams MQTT connection parameter
type MQTTConnectParams struct {
	// BrokerURI connect to the MQTT broker with URI
	BrokerURI string `validate:"required,uri"`
	// ClientID the MQTT client ID
	ClientID string `validate:"required"`
	// Username optional broker user name
	Username string
	// Password optional broker password
	Password string
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// KeepAlive MQTT keep alive interval
	KeepAlive time.Duration
	// MaxReconnectInterval max wait between reconnect attempts
	MaxReconnectInterval time.Duration
	// OperationTimeout max time to wait for a subscribe / unsubscribe acknowledgement
	OperationTimeout time.Duration
	// OnConnectionLostCallback callback on connection loss
	OnConnectionLostCallback func(error)
	// OnConnectCallback callback on every (re)connect, after subscriptions are restored
	OnConnectCallback func()
}

// InboundMessage one message received from the broker
type InboundMessage struct {
	// Topic the message arrived on
	Topic string
	// Payload the raw payload
	Payload []byte
	// Duplicate whether the broker flagged the message as a redelivery
	Duplicate bool
	// MessageID the MQTT packet ID
	MessageID uint16
	// ReceivedAt when the relay received the message
	ReceivedAt time.Time
}

// MessageHandlerCB callback for received messages. Called from the broker client's
// delivery goroutines, so it must not block for long.
type MessageHandlerCB func(msg InboundMessage)

// PublishToken tracks an asynchronous publish
type PublishToken interface {
	// Done closed once the publish completes or fails
	Done() <-chan struct{}
	// Error the publish outcome. Only meaningful after Done is closed.
	Error() error
}

// Broker the message broker operations used by the relay
type Broker interface {
	// Subscribe subscribe to a topic at QoS 1. The subscription survives reconnects.
	Subscribe(ctxt context.Context, topic string, handler MessageHandlerCB) error
	// Unsubscribe drop subscriptions
	Unsubscribe(ctxt context.Context, topics ...string) error
	// PublishAsync start a QoS 1 publish without waiting for its acknowledgement
	PublishAsync(topic string, payload []byte) PublishToken
	// IsConnected whether the broker connection is currently up
	IsConnected() bool
}

// MQTTClient paho MQTT client as message broker core
type MQTTClient struct {
	common.Component
	client        MQTT.Client
	params        MQTTConnectParams
	lock          sync.RWMutex
	subscriptions map[string]MessageHandlerCB
}

// GetMQTTClient define a new MQTT client core, and connect to the broker
func GetMQTTClient(param MQTTConnectParams) (*MQTTClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "mqtt-backend",
		"instance":  param.BrokerURI,
	}
	instance := &MQTTClient{
		Component:     common.Component{LogTags: logTags},
		params:        param,
		subscriptions: make(map[string]MessageHandlerCB),
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(param.BrokerURI)
	opts.SetClientID(param.ClientID)
	if param.Username != "" {
		opts.SetUsername(param.Username)
		opts.SetPassword(param.Password)
	}
	opts.SetConnectTimeout(param.ConnectTimeout)
	opts.SetKeepAlive(param.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(param.MaxReconnectInterval)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(instance.onConnect)
	opts.SetConnectionLostHandler(instance.onConnectionLost)
	opts.SetReconnectingHandler(func(_ MQTT.Client, _ *MQTT.ClientOptions) {
		log.WithFields(logTags).Warn("Reconnecting to MQTT broker")
	})

	instance.client = MQTT.NewClient(opts)
	token := instance.client.Connect()
	if !token.WaitTimeout(param.ConnectTimeout) {
		err := fmt.Errorf("timed out connecting to %s", param.BrokerURI)
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		return nil, err
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created MQTT client")
	return instance, nil
}

// onConnect restore the subscriptions on every (re)connect. A clean session means the
// broker has forgotten them.
func (c *MQTTClient) onConnect(client MQTT.Client) {
	c.lock.RLock()
	subs := make(map[string]MessageHandlerCB, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.lock.RUnlock()
	log.WithFields(c.LogTags).Infof("Connected to MQTT broker, restoring %d subscriptions", len(subs))
	for topic, handler := range subs {
		token := client.Subscribe(topic, QoSAtLeastOnce, c.wrapHandler(handler))
		if !token.WaitTimeout(c.params.OperationTimeout) {
			log.WithFields(c.LogTags).WithField("topic", topic).Error("Restore subscription timed out")
			continue
		}
		if err := token.Error(); err != nil {
			log.WithError(err).WithFields(c.LogTags).WithField("topic", topic).Error(
				"Restore subscription failed",
			)
		}
	}
	if c.params.OnConnectCallback != nil {
		c.params.OnConnectCallback()
	}
}

func (c *MQTTClient) onConnectionLost(_ MQTT.Client, err error) {
	log.WithError(err).WithFields(c.LogTags).Error("Lost connection to MQTT broker")
	if c.params.OnConnectionLostCallback != nil {
		c.params.OnConnectionLostCallback(err)
	}
}

func (c *MQTTClient) wrapHandler(handler MessageHandlerCB) MQTT.MessageHandler {
	return func(_ MQTT.Client, msg MQTT.Message) {
		handler(InboundMessage{
			Topic:      msg.Topic(),
			Payload:    msg.Payload(),
			Duplicate:  msg.Duplicate(),
			MessageID:  msg.MessageID(),
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// waitToken wait for a token to complete, giving up on context cancel or timeout
func (c *MQTTClient) waitToken(ctxt context.Context, token MQTT.Token) error {
	timer := time.NewTimer(c.params.OperationTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctxt.Done():
		return ctxt.Err()
	case <-timer.C:
		return fmt.Errorf("broker operation timed out after %s", c.params.OperationTimeout)
	}
}

// Subscribe subscribe to a topic at QoS 1
func (c *MQTTClient) Subscribe(
	ctxt context.Context, topic string, handler MessageHandlerCB,
) error {
	logTags := c.LogTagsForContext(ctxt)
	// Record first, so a reconnect racing this call restores it
	c.lock.Lock()
	c.subscriptions[topic] = handler
	c.lock.Unlock()
	if err := c.waitToken(
		ctxt, c.client.Subscribe(topic, QoSAtLeastOnce, c.wrapHandler(handler)),
	); err != nil {
		c.lock.Lock()
		delete(c.subscriptions, topic)
		c.lock.Unlock()
		log.WithError(err).WithFields(logTags).WithField("topic", topic).Error("Subscribe failed")
		return err
	}
	log.WithFields(logTags).WithField("topic", topic).Info("Subscribed")
	return nil
}

// Unsubscribe drop subscriptions
func (c *MQTTClient) Unsubscribe(ctxt context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	logTags := c.LogTagsForContext(ctxt)
	c.lock.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.lock.Unlock()
	if err := c.waitToken(ctxt, c.client.Unsubscribe(topics...)); err != nil {
		log.WithError(err).WithFields(logTags).WithField("topics", topics).Error(
			"Unsubscribe failed",
		)
		return err
	}
	log.WithFields(logTags).WithField("topics", topics).Info("Unsubscribed")
	return nil
}

// PublishAsync start a QoS 1, non-retained publish
func (c *MQTTClient) PublishAsync(topic string, payload []byte) PublishToken {
	return c.client.Publish(topic, QoSAtLeastOnce, false, payload)
}

// IsConnected whether the broker connection is currently up
func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Subscriptions list the topics currently subscribed
func (c *MQTTClient) Subscriptions() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}

// Close disconnect from the broker, allowing in-flight work the given quiesce period
func (c *MQTTClient) Close(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
	log.WithFields(c.LogTags).Info("Closed MQTT client")
}
