package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method, or the relay operation: DELETE, POST, RELAY, etc.
	Method string `json:"method"`
	// URI is the request URI, or the broker topic the operation is working on
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

// WithRequestParam attach request parameters to a context
func WithRequestParam(ctxt context.Context, param RequestParam) context.Context {
	return context.WithValue(ctxt, RequestParam{}, param)
}
