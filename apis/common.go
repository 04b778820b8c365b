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

// Package apis implements the relay REST and websocket endpoints
package apis

import (
	"context"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"

	"github.com/alwitt/iotrelay/auth"
	"github.com/alwitt/iotrelay/common"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the base REST handler shared by the relay APIs
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	offLimitHeaders := make(map[string]bool)
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		offLimitHeaders[header] = true
	}
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders:          offLimitHeaders,
	}
}

// Authenticator resolves an access token to a user identity
type Authenticator interface {
	Authenticate(ctxt context.Context, token string) (auth.Identity, error)
}

// readBearerToken returns the token of a "Bearer" authorization header
func readBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// rejectStatusCode map a handshake or token rejection to a HTTP status code
func rejectStatusCode(err error) int {
	reason, ok := auth.RejectReasonOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch reason {
	case auth.ReasonInvalidDevice:
		return http.StatusBadRequest
	case auth.ReasonInvalidToken, auth.ReasonUnknownUser:
		return http.StatusUnauthorized
	case auth.ReasonNotOwner:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// requireUser middleware which authenticates the bearer token of a request. The caller
// identity, and the request parameters for the relay components, are attached to the
// request context.
func requireUser(
	h goutils.RestAPIHandler, authn Authenticator, next http.HandlerFunc,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctxt := common.WithRequestParam(r.Context(), common.RequestParam{
			ID: h.ReadRequestIDFromContext(r.Context()), Method: r.Method, URI: r.URL.String(),
		})
		identity, err := authn.Authenticate(ctxt, readBearerToken(r))
		if err != nil {
			localLogTags := h.GetLogTagsForContext(r.Context())
			log.WithError(err).WithFields(localLogTags).Info("Request authentication failed")
			respCode := rejectStatusCode(err)
			msg := "Unable to authenticate request"
			if err := h.WriteRESTResponse(
				w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
			); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
			}
			return
		}
		next(w, r.WithContext(auth.WithIdentity(ctxt, identity)))
	}
}
