package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"

	"github.com/alwitt/iotrelay/common"
)

// BrokerStatus reports the broker connection state
type BrokerStatus interface {
	IsConnected() bool
}

// StorePinger verifies the store is reachable
type StorePinger interface {
	Ping(ctxt context.Context) error
}

// APIRestSystemHandler REST handler for the health checks
type APIRestSystemHandler struct {
	goutils.RestAPIHandler
	broker      BrokerStatus
	store       StorePinger
	pingTimeout time.Duration
}

// GetAPIRestSystemHandler define APIRestSystemHandler
func GetAPIRestSystemHandler(
	broker BrokerStatus, store StorePinger, pingTimeout time.Duration, httpConfig *common.HTTPConfig,
) (APIRestSystemHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "system",
	}
	return APIRestSystemHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		broker:         broker,
		store:          store,
		pingTimeout:    pingTimeout,
	}, nil
}

// Alive godoc
// @Summary For relay liveness check
// @Description Will return success to indicate the relay is live
// @tags System
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestSystemHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestSystemHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay readiness check
// @Description Will return success if the broker is connected and the store reachable
// @tags System
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestSystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if !h.broker.IsConnected() {
		msg := "not ready"
		detail := "broker not connected"
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail)
		return
	}
	ctxt, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctxt); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(localLogTags).Error("Store ping failed")
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestSystemHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
