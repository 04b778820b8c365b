// Package dataplane moves telemetry from devices to observers and commands from users
// to devices
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/core"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

// DeviceResolver resolves data topics to devices
type DeviceResolver interface {
	// FindByDataTopic returns the device, or storage.ErrNotFound
	FindByDataTopic(ctxt context.Context, topic string) (models.Device, error)
}

// TelemetryAppender stores received telemetry
type TelemetryAppender interface {
	AppendTelemetry(
		ctxt context.Context, deviceID string, payload []byte, receivedAt time.Time,
	) error
}

// ObserverSender delivers payloads to the observers of a device
type ObserverSender interface {
	SendToDevice(deviceID string, payload []byte) int
}

// RelayParams relay pipeline parameters
type RelayParams struct {
	// Workers number of parallel relay workers
	Workers int
	// QueueDepth buffer size of each worker queue
	QueueDepth int
	// PersistTimeout max duration of one telemetry write
	PersistTimeout time.Duration
	// DropWhenFull discard inbound messages while the worker queue is full, instead of
	// blocking the broker client
	DropWhenFull bool
}

// RelayResult what happened to one inbound message
type RelayResult struct {
	// Routed whether the topic resolved to a device
	Routed bool
	// DeviceID the resolved device
	DeviceID string
	// Delivered number of observer connections which accepted the payload
	Delivered int
	// Persisted whether the payload was stored
	Persisted bool
}

// RelayPipeline routes telemetry arriving on device data topics to storage and to the
// device's observers.
//
// Storage and observer delivery are independent: a failure in one does not prevent the
// other. Inbound messages are processed by a pool of workers.
type RelayPipeline struct {
	common.Component
	resolver       DeviceResolver
	store          TelemetryAppender
	observers      ObserverSender
	workers        common.TaskProcessor
	persistTimeout time.Duration
	dropWhenFull   bool
	operationCtxt  context.Context
}

// NewRelayPipeline define a new relay pipeline
func NewRelayPipeline(
	ctxt context.Context,
	resolver DeviceResolver,
	store TelemetryAppender,
	observers ObserverSender,
	params RelayParams,
) (*RelayPipeline, error) {
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, "relay", params.QueueDepth, params.Workers,
	)
	if err != nil {
		return nil, err
	}
	instance := &RelayPipeline{
		Component: common.Component{
			LogTags: log.Fields{"module": "dataplane", "component": "relay-pipeline"},
		},
		resolver:       resolver,
		store:          store,
		observers:      observers,
		workers:        workers,
		persistTimeout: params.PersistTimeout,
		dropWhenFull:   params.DropWhenFull,
		operationCtxt:  ctxt,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(core.InboundMessage{}), instance.processInboundMessage,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the relay workers
func (p *RelayPipeline) Start(wg *sync.WaitGroup) error {
	return p.workers.StartEventLoop(wg)
}

// Stop stop the relay workers
func (p *RelayPipeline) Stop() error {
	return p.workers.StopEventLoop()
}

// OnMessage broker message callback. Queues the message for the workers.
func (p *RelayPipeline) OnMessage(msg core.InboundMessage) {
	if err := p.Enqueue(msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).WithField("topic", msg.Topic).Error(
			"Unable to queue inbound message",
		)
	}
}

// Enqueue queue a message for the workers. While the queue is full this blocks, or
// with DropWhenFull returns common.ErrTaskQueueFull and the message is discarded.
func (p *RelayPipeline) Enqueue(msg core.InboundMessage) error {
	if !p.dropWhenFull {
		return p.workers.Submit(p.operationCtxt, msg)
	}
	err := p.workers.TrySubmit(msg)
	if errors.Is(err, common.ErrTaskQueueFull) {
		relayedMessages.WithLabelValues(outcomeDropped).Inc()
	}
	return err
}

func (p *RelayPipeline) processInboundMessage(param interface{}) error {
	msg, ok := param.(core.InboundMessage)
	if !ok {
		return fmt.Errorf("unexpected task param type %s", reflect.TypeOf(param))
	}
	p.HandleMessage(p.operationCtxt, msg)
	return nil
}

// HandleMessage relay one inbound message
func (p *RelayPipeline) HandleMessage(ctxt context.Context, msg core.InboundMessage) RelayResult {
	ctxt = common.WithRequestParam(ctxt, common.RequestParam{
		ID: uuid.New().String(), Method: "RELAY", URI: msg.Topic,
	})
	logTags := p.LogTagsForContext(ctxt)
	result := RelayResult{}
	if !msg.ReceivedAt.IsZero() {
		defer func() {
			relayLatency.Observe(time.Since(msg.ReceivedAt).Seconds())
		}()
	}

	dev, err := p.resolver.FindByDataTopic(ctxt, msg.Topic)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			relayedMessages.WithLabelValues(outcomeUnroutable).Inc()
			log.WithFields(logTags).Warn("No device for topic, discarding message")
		} else {
			relayedMessages.WithLabelValues(outcomeLookupFailed).Inc()
			log.WithError(err).WithFields(logTags).Error("Device lookup failed, discarding message")
		}
		return result
	}
	result.Routed = true
	result.DeviceID = dev.ID
	relayedMessages.WithLabelValues(outcomeRelayed).Inc()

	result.Delivered = p.observers.SendToDevice(dev.ID, msg.Payload)

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	persistCtxt, cancel := context.WithTimeout(ctxt, p.persistTimeout)
	defer cancel()
	if err := p.store.AppendTelemetry(persistCtxt, dev.ID, msg.Payload, receivedAt); err != nil {
		persistFailures.Inc()
		log.WithError(err).WithFields(logTags).WithField("device_id", dev.ID).Error(
			"Unable to store telemetry",
		)
	} else {
		result.Persisted = true
	}

	log.WithFields(logTags).WithField("device_id", dev.ID).Debugf(
		"Relayed %d bytes to %d observers", len(msg.Payload), result.Delivered,
	)
	return result
}
