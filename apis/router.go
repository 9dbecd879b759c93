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
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// boundedHandler bound a non-streaming handler to a max response time. Zero disables the bound.
func boundedHandler(handler http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		return handler
	}
	return http.TimeoutHandler(handler, timeout, "request timed out").ServeHTTP
}

// DefineRelayRouter register the relay API end-points under the path prefix
//
// requestTimeout applies to every end-point except the long lived subscription streams.
func DefineRelayRouter(
	router *mux.Router,
	pathPrefix string,
	httpHandler APIRestRelayHandler,
	requestTimeout time.Duration,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Session APIs
	sessionRouter := RegisterPathPrefix(mainRouter, "/v1/session/{sessionID}", nil)
	_ = RegisterPathPrefix(sessionRouter, "/message", MethodHandlers{
		"post": boundedHandler(httpHandler.PublishMessageHandler(), requestTimeout),
	})
	_ = RegisterPathPrefix(sessionRouter, "/subscribers", MethodHandlers{
		"get": boundedHandler(httpHandler.ListSubscribersHandler(), requestTimeout),
	})
	_ = RegisterPathPrefix(sessionRouter, "/events", MethodHandlers{
		"get": httpHandler.SessionEventsHandler(),
	})

	// Websocket
	_ = RegisterPathPrefix(mainRouter, "/v1/ws", MethodHandlers{
		"get": httpHandler.WebSocketHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": boundedHandler(httpHandler.AliveHandler(), requestTimeout),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": boundedHandler(httpHandler.ReadyHandler(), requestTimeout),
	})

	return mainRouter
}
