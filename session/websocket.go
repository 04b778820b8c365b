package session

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alwitt/iotrelay/common"
)

// WebSocketParams observer websocket connection parameters
type WebSocketParams struct {
	// SendQueueDepth number of payloads buffered before deliveries are dropped
	SendQueueDepth int
	// WriteTimeout max duration of one websocket write
	WriteTimeout time.Duration
	// PingInterval interval between keep alive pings
	PingInterval time.Duration
	// PongTimeout max duration without hearing from the observer
	PongTimeout time.Duration
	// ReadLimit max size of an inbound frame in bytes
	ReadLimit int64
}

// CloseHandler called once when an observer connection closes
type CloseHandler func(conn Connection)

// WebSocketObserver an observer Connection over a websocket.
//
// Send only enqueues. A single writer goroutine owns all data frame writes, so a slow
// observer fills its own queue and misses payloads without stalling the relay.
type WebSocketObserver struct {
	common.Component
	Lifecycle
	id        string
	userID    string
	deviceID  string
	conn      *websocket.Conn
	params    WebSocketParams
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   CloseHandler
}

// NewWebSocketObserver wrap an upgraded websocket as an authorized observer connection
// of a device. The connection is not live until it is added to a Registry.
func NewWebSocketObserver(
	conn *websocket.Conn,
	userID, deviceID string,
	params WebSocketParams,
	onClose CloseHandler,
) (*WebSocketObserver, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if params.SendQueueDepth < 1 {
		params.SendQueueDepth = 1
	}
	connID := uuid.New().String()
	instance := &WebSocketObserver{
		Component: common.Component{
			LogTags: log.Fields{
				"module":        "session",
				"component":     "websocket-observer",
				"connection_id": connID,
				"device_id":     deviceID,
				"user_id":       userID,
			},
		},
		id:       connID,
		userID:   userID,
		deviceID: deviceID,
		conn:     conn,
		params:   params,
		outbound: make(chan []byte, params.SendQueueDepth),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
	if err := instance.Authorize(); err != nil {
		return nil, err
	}
	return instance, nil
}

// ID returns the connection ID
func (o *WebSocketObserver) ID() string {
	return o.id
}

// DeviceID returns the observed device
func (o *WebSocketObserver) DeviceID() string {
	return o.deviceID
}

// UserID returns the user who opened the connection
func (o *WebSocketObserver) UserID() string {
	return o.userID
}

// Send enqueue a payload for the observer without blocking
func (o *WebSocketObserver) Send(payload []byte) error {
	if o.State() == StateClosed {
		return ErrConnectionClosed
	}
	select {
	case <-o.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case o.outbound <- payload:
		return nil
	default:
		return ErrDeliveryMiss
	}
}

// Close close the connection and notify the close handler. Idempotent.
func (o *WebSocketObserver) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.MarkClosed()
		close(o.done)
		_ = o.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(o.params.WriteTimeout),
		)
		err = o.conn.Close()
		log.WithFields(o.LogTags).Info("Observer connection closed")
		if o.onClose != nil {
			o.onClose(o)
		}
	})
	return err
}

// Run start the connection's reader and writer. Both exit once the connection closes.
func (o *WebSocketObserver) Run(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.readLoop()
	}()
	go func() {
		defer wg.Done()
		o.writeLoop()
	}()
}

// readLoop drains inbound frames to process pongs and close frames. Inbound data is
// discarded.
func (o *WebSocketObserver) readLoop() {
	defer func() { _ = o.Close() }()
	o.conn.SetReadLimit(o.params.ReadLimit)
	_ = o.conn.SetReadDeadline(time.Now().Add(o.params.PongTimeout))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(o.params.PongTimeout))
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(o.LogTags).Debug("Observer read failed")
			}
			return
		}
		_ = o.conn.SetReadDeadline(time.Now().Add(o.params.PongTimeout))
	}
}

// writeLoop the only writer of data frames and pings
func (o *WebSocketObserver) writeLoop() {
	defer func() { _ = o.Close() }()
	ticker := time.NewTicker(o.params.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case payload := <-o.outbound:
			frameType := websocket.BinaryMessage
			if utf8.Valid(payload) {
				frameType = websocket.TextMessage
			}
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.params.WriteTimeout))
			if err := o.conn.WriteMessage(frameType, payload); err != nil {
				log.WithError(err).WithFields(o.LogTags).Debug("Observer write failed")
				return
			}
		case <-ticker.C:
			if err := o.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(o.params.WriteTimeout),
			); err != nil {
				log.WithError(err).WithFields(o.LogTags).Debug("Observer ping failed")
				return
			}
		}
	}
}
