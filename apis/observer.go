package apis

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"github.com/alwitt/iotrelay/auth"
	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/session"
)

// HandshakeAuthorizer decides whether an observer may connect to a device
type HandshakeAuthorizer interface {
	Authorize(ctxt context.Context, req auth.HandshakeRequest) (auth.Admission, error)
}

// ObserverRegistry tracks the live observer connections of each device
type ObserverRegistry interface {
	Add(deviceID string, conn session.Connection) error
	Remove(deviceID string, conn session.Connection)
}

// APIWebSocketObserverHandler handler for observer websocket connections
type APIWebSocketObserverHandler struct {
	goutils.RestAPIHandler
	authorizer HandshakeAuthorizer
	registry   ObserverRegistry
	upgrader   websocket.Upgrader
	params     session.WebSocketParams
	wg         *sync.WaitGroup
}

// originChecker build the websocket origin check. An empty list, or one containing
// "*", accepts any origin. Requests without an Origin header are not from a browser and
// are accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) {
				return true
			}
		}
		return false
	}
}

// GetAPIWebSocketObserverHandler define APIWebSocketObserverHandler
func GetAPIWebSocketObserverHandler(
	authorizer HandshakeAuthorizer,
	registry ObserverRegistry,
	wsConfig *common.WebSocketConfig,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIWebSocketObserverHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "observer-websocket",
	}
	return APIWebSocketObserverHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		authorizer:     authorizer,
		registry:       registry,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Second * time.Duration(wsConfig.WriteTimeout),
			CheckOrigin:      originChecker(wsConfig.AllowedOrigins),
		},
		params: session.WebSocketParams{
			SendQueueDepth: wsConfig.SendQueueDepth,
			WriteTimeout:   time.Second * time.Duration(wsConfig.WriteTimeout),
			PingInterval:   time.Second * time.Duration(wsConfig.PingInterval),
			PongTimeout:    time.Second * time.Duration(wsConfig.PongTimeout),
			ReadLimit:      wsConfig.ReadLimit,
		},
		wg: wg,
	}, nil
}

// ObserveDevice godoc
// @Summary Observe a device's telemetry
// @Description Open a websocket which receives every telemetry payload the device
// publishes while the connection is live. The caller must own the device. Payloads are
// sent as text frames when they are valid UTF-8, and as binary frames otherwise.
// @tags Observer
// @Param deviceId query string true "Device ID"
// @Param token query string false "Access token. The Authorization header is used when absent."
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws/device [get]
func (h APIWebSocketObserverHandler) ObserveDevice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	ctxt := common.WithRequestParam(r.Context(), common.RequestParam{
		ID: h.ReadRequestIDFromContext(r.Context()), Method: r.Method, URI: r.URL.Path,
	})

	query := r.URL.Query()
	token := query.Get("token")
	if token == "" {
		token = readBearerToken(r)
	}
	admission, err := h.authorizer.Authorize(
		ctxt, auth.HandshakeRequest{DeviceID: query.Get("deviceId"), Token: token},
	)
	if err != nil {
		respCode := rejectStatusCode(err)
		msg := "Observer connection rejected"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	localLogTags["device_id"] = admission.DeviceID
	localLogTags["user_id"] = admission.UserID

	// The upgrader replies with the HTTP error itself
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	observer, err := session.NewWebSocketObserver(
		conn, admission.UserID, admission.DeviceID, h.params,
		func(c session.Connection) {
			h.registry.Remove(c.DeviceID(), c)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define observer")
		_ = conn.Close()
		return
	}
	if err := h.registry.Add(admission.DeviceID, observer); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to register observer")
		_ = observer.Close()
		return
	}
	observer.Run(h.wg)
	log.WithFields(localLogTags).WithField("connection_id", observer.ID()).Info(
		"Observer connected",
	)
}

// ObserveDeviceHandler Wrapper around ObserveDevice
func (h APIWebSocketObserverHandler) ObserveDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ObserveDevice(w, r)
	}
}
