// Copyright 2023 The iotrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/alwitt/iotrelay/auth"
	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/dataplane"
	"github.com/alwitt/iotrelay/management"
	"github.com/alwitt/iotrelay/models"
)

// MaxCommandSize the largest command payload accepted by the control end-point
const MaxCommandSize = 256 * 1024

// CommandSender publishes commands to devices on behalf of users
type CommandSender interface {
	PublishCommand(ctxt context.Context, userID, deviceID string, payload []byte) error
}

// APIRestDeviceHandler REST handler for device management and control
type APIRestDeviceHandler struct {
	goutils.RestAPIHandler
	manager  management.DeviceManager
	commands CommandSender
	authn    Authenticator
	validate *validator.Validate
}

// GetAPIRestDeviceHandler define APIRestDeviceHandler
func GetAPIRestDeviceHandler(
	manager management.DeviceManager,
	commands CommandSender,
	authn Authenticator,
	httpConfig *common.HTTPConfig,
) (APIRestDeviceHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "device-management",
	}
	return APIRestDeviceHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		manager:        manager,
		commands:       commands,
		authn:          authn,
		validate:       validator.New(),
	}, nil
}

// wrap apply the request logging and authentication middlewares
func (h APIRestDeviceHandler) wrap(handler http.HandlerFunc) http.HandlerFunc {
	return h.LoggingMiddleware(requireUser(h.RestAPIHandler, h.authn, handler))
}

// deviceErrorResponse map a device management error onto a REST response
func (h APIRestDeviceHandler) deviceErrorResponse(
	ctxt context.Context, err error, msg string,
) (int, interface{}) {
	respCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, management.ErrInvalidDevice):
		respCode = http.StatusBadRequest
	case errors.Is(err, management.ErrDeviceConflict),
		errors.Is(err, management.ErrAlreadyAssigned):
		respCode = http.StatusConflict
	case errors.Is(err, management.ErrDeviceNotFound),
		errors.Is(err, management.ErrNotOwner),
		errors.Is(err, dataplane.ErrNotOwner),
		errors.Is(err, dataplane.ErrUnknownDevice):
		respCode = http.StatusNotFound
	}
	var publishErr *dataplane.PublishFailure
	if errors.As(err, &publishErr) {
		respCode = http.StatusBadGateway
	}
	return respCode, h.GetStdRESTErrorMsg(ctxt, respCode, msg, err.Error())
}

// readDeviceID read and validate the device ID path parameter
func readDeviceID(r *http.Request) (string, error) {
	deviceID, ok := mux.Vars(r)["deviceID"]
	if !ok {
		return "", fmt.Errorf("no device ID provided")
	}
	parsed, err := uuid.Parse(deviceID)
	if err != nil {
		return "", fmt.Errorf("device ID '%s' is not valid: %w", deviceID, err)
	}
	return parsed.String(), nil
}

// =======================================================================
// Device registry

// APIRestRespDevice response containing one device
type APIRestRespDevice struct {
	goutils.RestAPIBaseResponse
	// Device is the device
	Device models.Device `json:"device"`
}

// APIRestRespDevices response containing a list of devices
type APIRestRespDevices struct {
	goutils.RestAPIBaseResponse
	// Devices are the devices
	Devices []models.Device `json:"devices"`
}

// ListDevices godoc
// @Summary List the caller's devices
// @Description List the devices assigned to the calling user
// @tags Devices
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespDevices "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/devices [get]
func (h APIRestDeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, _ := auth.IdentityFromContext(r.Context())
	devices, err := h.manager.ListDevicesForUser(r.Context(), identity.UserID)
	if err != nil {
		msg := "Unable to list devices"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.deviceErrorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDevices{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Devices: devices,
	}
}

// ListDevicesHandler Wrapper around ListDevices
func (h APIRestDeviceHandler) ListDevicesHandler() http.HandlerFunc {
	return h.wrap(h.ListDevices)
}

// -----------------------------------------------------------------------

// RegisterDevice godoc
// @Summary Register a device
// @Description Register a device and its data / command topic pair. Registering the same
// topic pair again returns the existing device.
// @tags Devices
// @Accept json
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param device body models.NewDevice true "Device parameters"
// @Success 200 {object} APIRestRespDevice "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/devices [post]
func (h APIRestDeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params models.NewDevice
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	device, err := h.manager.RegisterDevice(r.Context(), params)
	if err != nil {
		msg := "Unable to register device"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.deviceErrorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDevice{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Device: device,
	}
}

// RegisterDeviceHandler Wrapper around RegisterDevice
func (h APIRestDeviceHandler) RegisterDeviceHandler() http.HandlerFunc {
	return h.wrap(h.RegisterDevice)
}

// -----------------------------------------------------------------------

// DeleteDevice godoc
// @Summary Delete a device
// @Description Delete a device owned by the caller. Its observers are disconnected.
// @tags Devices
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceID path string true "Device ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/devices/{deviceID} [delete]
func (h APIRestDeviceHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	deviceID, err := readDeviceID(r)
	if err != nil {
		msg := "Invalid device ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	if err := h.manager.DeleteDevice(r.Context(), identity.UserID, deviceID); err != nil {
		msg := fmt.Sprintf("Unable to delete device %s", deviceID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.deviceErrorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteDeviceHandler Wrapper around DeleteDevice
func (h APIRestDeviceHandler) DeleteDeviceHandler() http.HandlerFunc {
	return h.wrap(h.DeleteDevice)
}

// =======================================================================
// Device control

// ControlDevice godoc
// @Summary Send a command to a device
// @Description Publish the raw request body onto the command topic of a device owned by
// the caller
// @tags Devices
// @Accept octet-stream
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceID path string true "Device ID"
// @Param command body string true "Command payload"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/devices/{deviceID}/control [post]
func (h APIRestDeviceHandler) ControlDevice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	deviceID, err := readDeviceID(r)
	if err != nil {
		msg := "Invalid device ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCommandSize))
	if err != nil {
		msg := "Unable to read command payload"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	if err := h.commands.PublishCommand(
		r.Context(), identity.UserID, deviceID, payload,
	); err != nil {
		msg := fmt.Sprintf("Unable to send command to device %s", deviceID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.deviceErrorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ControlDeviceHandler Wrapper around ControlDevice
func (h APIRestDeviceHandler) ControlDeviceHandler() http.HandlerFunc {
	return h.wrap(h.ControlDevice)
}

// =======================================================================
// Telemetry history

// APIRestRespTelemetry response containing stored telemetry
type APIRestRespTelemetry struct {
	goutils.RestAPIBaseResponse
	// Records are the telemetry records, newest first
	Records []models.TelemetryRecord `json:"records"`
}

// TelemetryHistory godoc
// @Summary Fetch device telemetry history
// @Description Fetch the stored telemetry of a device, newest first. Callers who do not
// own the device get an empty list.
// @tags Devices
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceID path string true "Device ID"
// @Param limit query integer false "Max number of records (DEFAULT: all)"
// @Success 200 {object} APIRestRespTelemetry "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/devices/{deviceID}/telemetry [get]
func (h APIRestDeviceHandler) TelemetryHistory(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	deviceID, err := readDeviceID(r)
	if err != nil {
		msg := "Invalid device ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	limit := 0
	if t, ok := r.URL.Query()["limit"]; ok {
		if len(t) != 1 {
			msg := "Multiple limit"
			log.WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		p, err := strconv.Atoi(t[0])
		if err != nil || p < 0 {
			msg := "Unable to parse limit"
			detail := fmt.Sprintf("limit '%s' is not a non-negative integer", t[0])
			log.WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, detail)
			return
		}
		limit = p
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	records, err := h.manager.TelemetryHistory(r.Context(), identity.UserID, deviceID, limit)
	if err != nil {
		msg := fmt.Sprintf("Unable to read telemetry of device %s", deviceID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.deviceErrorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespTelemetry{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Records: records,
	}
}

// TelemetryHistoryHandler Wrapper around TelemetryHistory
func (h APIRestDeviceHandler) TelemetryHistoryHandler() http.HandlerFunc {
	return h.wrap(h.TelemetryHistory)
}

// =======================================================================
// Device ownership

// UserDeviceParam names the device of an ownership change
type UserDeviceParam struct {
	// DeviceID is the device ID
	DeviceID string `json:"device_id" validate:"required,uuid"`
}

// changeOwnership shared body of AssignDevice and UnassignDevice
func (h APIRestDeviceHandler) changeOwnership(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	change func(ctxt context.Context, userID, deviceID string) error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params UserDeviceParam
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	if err := change(r.Context(), identity.UserID, params.DeviceID); err != nil {
		msg := fmt.Sprintf("Unable to %s device %s", action, params.DeviceID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.deviceErrorResponse(r.Context(), err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// AssignDevice godoc
// @Summary Take ownership of a device
// @Description Make the caller an owner of the device
// @tags Ownership
// @Accept json
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param param body UserDeviceParam true "Device to assign"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user-devices [post]
func (h APIRestDeviceHandler) AssignDevice(w http.ResponseWriter, r *http.Request) {
	h.changeOwnership(w, r, "assign", h.manager.AssignDevice)
}

// AssignDeviceHandler Wrapper around AssignDevice
func (h APIRestDeviceHandler) AssignDeviceHandler() http.HandlerFunc {
	return h.wrap(h.AssignDevice)
}

// UnassignDevice godoc
// @Summary Give up ownership of a device
// @Description Remove the caller's ownership of the device. Open observer connections are
// not affected.
// @tags Ownership
// @Accept json
// @Produce json
// @Param Iotrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param param body UserDeviceParam true "Device to unassign"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/user-devices [delete]
func (h APIRestDeviceHandler) UnassignDevice(w http.ResponseWriter, r *http.Request) {
	h.changeOwnership(w, r, "unassign", h.manager.UnassignDevice)
}

// UnassignDeviceHandler Wrapper around UnassignDevice
func (h APIRestDeviceHandler) UnassignDeviceHandler() http.HandlerFunc {
	return h.wrap(h.UnassignDevice)
}
