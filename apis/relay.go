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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/core"
	"github.com/sefasaid/form-generation/registry"
	"github.com/sefasaid/form-generation/relay"
	"github.com/sefasaid/form-generation/transport"
)

// maxPublishBodyBytes is the largest accepted publish request body
const maxPublishBodyBytes = 1 << 20

// APIRestRelayHandler REST handler for the session relay
type APIRestRelayHandler struct {
	APIRestHandler
	relay      relay.Service
	channels   registry.ChannelRegistry
	connector  *transport.SessionConnector
	natsClient *core.NatsClient
	validate   *validator.Validate
}

// GetAPIRestRelayHandler define APIRestRelayHandler
//
// natsClient is nil when the relay runs without a broker.
func GetAPIRestRelayHandler(
	relayService relay.Service,
	channels registry.ChannelRegistry,
	connector *transport.SessionConnector,
	natsClient *core.NatsClient,
	httpConfig *common.HTTPConfig,
	instance string,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
		"instance":  instance,
	}
	if relayService == nil || channels == nil || connector == nil {
		err := fmt.Errorf("relay handler requires relay service, registry, and connector")
		log.WithError(err).WithFields(logTags).Error("Unable to define relay handler")
		return APIRestRelayHandler{}, err
	}
	return APIRestRelayHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		relay:          relayService,
		channels:       channels,
		connector:      connector,
		natsClient:     natsClient,
		validate:       validator.New(),
	}, nil
}

// sessionFromPath fetch and validate the session ID path variable
func (h APIRestRelayHandler) sessionFromPath(r *http.Request) (string, error) {
	sessionID, ok := mux.Vars(r)["sessionID"]
	if !ok {
		return "", fmt.Errorf("no session ID provided")
	}
	if err := common.ValidateSessionID(sessionID, h.validate); err != nil {
		return "", err
	}
	return sessionID, nil
}

// =======================================================================
// Message publish

// APIRestReqPublishMessage request to publish a message to a session
type APIRestReqPublishMessage struct {
	// Data is the message payload
	Data *string `json:"data" validate:"required"`
	// Sender is an optional label for the message origin
	Sender *string `json:"sender,omitempty"`
}

// PublishMessage godoc
// @Summary Publish a message to a session
// @Description Deliver a "message" event to every connection currently subscribed to the session
// @tags Relay
// @Accept json
// @Produce json
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Param message body APIRestReqPublishMessage true "Message to publish"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/session/{sessionID}/message [post]
func (h APIRestRelayHandler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	sessionID, err := h.sessionFromPath(r)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var request APIRestReqPublishMessage
	{
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBodyBytes))
		if err := decoder.Decode(&request); err != nil {
			msg := "Unable to parse publish request"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		if err := h.validate.Struct(&request); err != nil {
			msg := "Publish request is not valid"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}

	opts := []relay.PublishOption{}
	if request.Sender != nil {
		opts = append(opts, relay.WithSender(*request.Sender))
	}
	if err := h.relay.Publish(r.Context(), sessionID, *request.Data, opts...); err != nil {
		msg := fmt.Sprintf("Unable to publish message to session %s", sessionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, relay.ErrInvalidSession) {
			respCode = http.StatusBadRequest
		}
		respBody = h.getStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.getStdRESTSuccessMsg(r.Context())
}

// PublishMessageHandler Wrapper around PublishMessage
func (h APIRestRelayHandler) PublishMessageHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishMessage(w, r)
	})
}

// =======================================================================
// Channel membership

// APIRestRespSubscribers response listing the subscribers of a session
type APIRestRespSubscribers struct {
	StandardResponse
	// Subscribers is the IDs of the connections currently in the session channel
	Subscribers []string `json:"subscribers"`
}

// ListSubscribers godoc
// @Summary List session subscribers
// @Description List the IDs of the connections currently subscribed to a session on this node
// @tags Relay
// @Produce json
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 200 {object} APIRestRespSubscribers "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/session/{sessionID}/subscribers [get]
func (h APIRestRelayHandler) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	sessionID, err := h.sessionFromPath(r)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	members, err := h.channels.Members(r.Context(), sessionID)
	if err != nil {
		msg := fmt.Sprintf("Unable to list subscribers of session %s", sessionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.getStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscribers{
		StandardResponse: h.getStdRESTSuccessMsg(r.Context()), Subscribers: members,
	}
}

// ListSubscribersHandler Wrapper around ListSubscribers
func (h APIRestRelayHandler) ListSubscribersHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListSubscribers(w, r)
	})
}

// =======================================================================
// Subscription

// SessionEvents godoc
// @Summary Subscribe to a session as a SSE stream
// @Description Establish a long lived server-sent-event stream carrying the session's
// "message" events. The stream stays open until the client disconnects.
// @tags Relay
// @Produce text/event-stream
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} StandardResponse "error"
// @Failure 500 {string} string "error"
// @Router /v1/session/{sessionID}/events [get]
func (h APIRestRelayHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	sessionID, err := h.sessionFromPath(r)
	if err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, r, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
		)
		return
	}
	if err := h.connector.ServeSSE(w, r, sessionID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("SSE stream for %s failed", sessionID)
	}
}

// SessionEventsHandler Wrapper around SessionEvents
func (h APIRestRelayHandler) SessionEventsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.SessionEvents(w, r)
	})
}

// WebSocket godoc
// @Summary Subscribe to sessions over a websocket
// @Description Upgrade to a websocket joined to every listed session. Clients send
// {"action":"join"|"leave","session":"<id>"} frames to change membership.
// @tags Relay
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param session query []string false "Sessions to join on connect" collectionFormat(multi)
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/ws [get]
func (h APIRestRelayHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForRequest(r)
	if err := h.connector.ServeWebSocket(w, r, r.URL.Query()["session"]); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket connection failed")
	}
}

// WebSocketHandler Wrapper around WebSocket
func (h APIRestRelayHandler) WebSocketHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.WebSocket(w, r)
	})
}

// =======================================================================
// Health

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Router /alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success once the relay is attached, and the broker connected
// if one is used
// @tags Relay
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	var msg string
	switch {
	case !h.relay.Attached():
		msg = "relay not attached"
	case h.natsClient != nil && !h.natsClient.Connected():
		msg = "not connected to NATS"
	}
	if msg == "" {
		h.reply(w, r, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()))
		return
	}
	h.reply(
		w, r, http.StatusInternalServerError,
		h.getStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, "not ready", msg),
	)
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
