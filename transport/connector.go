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

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/registry"
)

// SessionConnector attaches live connections to session channels
type SessionConnector struct {
	common.Component
	channels    registry.ChannelRegistry
	config      common.ConnectionConfig
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
	// registryCallTimeout bounds registry calls made while a connection closes,
	// when the request context is already gone
	registryCallTimeout time.Duration
}

// GetSessionConnector define a new SessionConnector
//
// Connections are forcibly closed once baseContext is cancelled.
func GetSessionConnector(
	baseContext context.Context,
	wg *sync.WaitGroup,
	channels registry.ChannelRegistry,
	config common.ConnectionConfig,
	instance string,
) (*SessionConnector, error) {
	logTags := log.Fields{
		"module": "transport", "component": "session-connector", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid connection config")
		return nil, err
	}
	if channels == nil {
		return nil, fmt.Errorf("session connector requires a channel registry")
	}
	allowedOrigins := map[string]bool{}
	for _, origin := range config.AllowedOrigins {
		allowedOrigins[origin] = true
	}
	return &SessionConnector{
		Component: common.Component{LogTags: logTags},
		channels:  channels,
		config:    config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				// Non-browser clients do not send an origin
				return origin == "" || allowedOrigins[origin]
			},
		},
		validate:            validate,
		baseContext:         baseContext,
		wg:                  wg,
		registryCallTimeout: time.Second * 5,
	}, nil
}

// writeTimeout max duration for writing one event
func (c *SessionConnector) writeTimeout() time.Duration {
	return time.Second * time.Duration(c.config.WriteTimeout)
}

// leaveAll remove a closing connection from every channel
func (c *SessionConnector) leaveAll(subscriberID string, logTags log.Fields) {
	ctxt, cancel := context.WithTimeout(context.Background(), c.registryCallTimeout)
	defer cancel()
	if err := c.channels.LeaveAll(ctxt, subscriberID); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to remove %s from its session channels", subscriberID,
		)
	}
}
