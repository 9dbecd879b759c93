// Copyright 2022 The form-generation Authors
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
	"net/http"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sefasaid/form-generation/common"
)

// ErrorDetail is the response error detail
type ErrorDetail struct {
	// Code is the response code
	Code int `json:"code" validate:"required"`
	// Msg is an optional descriptive message
	Msg string `json:"message,omitempty"`
	// Detail is an optional descriptive message providing additional details on the error
	Detail string `json:"detail,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	// Success indicates whether the request was successful
	Success bool `json:"success" validate:"required"`
	// RequestID gives the request ID to match against logs
	RequestID string `json:"request_id" validate:"required"`
	// Error are details in case of errors
	Error *ErrorDetail `json:"error,omitempty"`
}

// writeRESTResponse write a REST response
func writeRESTResponse(
	w http.ResponseWriter, respCode int, resp interface{}, headers map[string]string,
) error {
	w.Header().Set("content-type", "application/json")
	for name, value := range headers {
		w.Header().Set(name, value)
	}
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.WriteHeader(respCode)
	_, err = w.Write(t)
	return err
}

// ========================================================================================
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

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	// requestIDHeader is the HTTP header carrying the request ID
	requestIDHeader string
	// doNotLogHeaders is the set of headers excluded from request logs
	doNotLogHeaders map[string]bool
}

// defineAPIRestHandler define the base REST handler from the HTTP config
func defineAPIRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) APIRestHandler {
	offLimitHeaders := make(map[string]bool)
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		offLimitHeaders[http.CanonicalHeaderKey(header)] = true
	}
	return APIRestHandler{
		Component:       common.Component{LogTags: logTags},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
		doNotLogHeaders: offLimitHeaders,
	}
}

// logTagsForRequest log tags extended with the request parameters
func (h APIRestHandler) logTagsForRequest(r *http.Request) log.Fields {
	localLogTags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to update logtags for %s %s", r.Method, r.URL.String(),
		)
		return h.LogTags
	}
	return localLogTags
}

// requestID fetch the request ID attached by attachRequestID
func (h APIRestHandler) requestID(ctxt context.Context) string {
	return common.RequestIDFromContext(ctxt)
}

// getStdRESTSuccessMsg define a standard success message
func (h APIRestHandler) getStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: h.requestID(ctxt)}
}

// getStdRESTErrorMsg define a standard error message
func (h APIRestHandler) getStdRESTErrorMsg(
	ctxt context.Context, code int, message string, detail string,
) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: h.requestID(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: message, Detail: detail},
	}
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{},
) {
	if err := writeRESTResponse(w, respCode, resp, map[string]string{
		h.requestIDHeader: h.requestID(r.Context()),
	}); err != nil {
		log.WithError(err).WithFields(h.logTagsForRequest(r)).Errorf(
			"Failed to write REST response for %s %s", r.Method, r.URL.String(),
		)
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		r = r.WithContext(common.WithRequestParam(r.Context(), common.RequestParam{
			ID: reqID, Method: r.Method, URI: r.URL.String(),
		}))

		logTags := h.logTagsForRequest(r)
		headers := log.Fields{}
		for name, values := range r.Header {
			if h.doNotLogHeaders[http.CanonicalHeaderKey(name)] {
				continue
			}
			headers[name] = values
		}
		log.WithFields(logTags).WithField("headers", headers).Debug("New request")

		next(rw, r)
	}
}
