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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sefasaid/form-generation/common"
)

// Client websocket frame actions
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// ClientFrame a request sent by the client over its websocket
type ClientFrame struct {
	// Action is the requested action
	Action string `json:"action" validate:"required,oneof=join leave"`
	// Session is the session channel to act on
	Session string `json:"session" validate:"required"`
}

// wsConnection a websocket subscriber
type wsConnection struct {
	*outboundQueue
	ws      *websocket.Conn
	logTags log.Fields
}

// ServeWebSocket upgrade the request to a websocket, join it to the initial sessions,
// and serve it until the client disconnects or the server stops.
//
// On return the connection has left every session channel.
func (c *SessionConnector) ServeWebSocket(
	w http.ResponseWriter, r *http.Request, initialSessions []string,
) error {
	logTags, err := common.UpdateLogTags(r.Context(), c.LogTags)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to update logtags")
		return err
	}
	for _, sessionID := range initialSessions {
		if err := common.ValidateSessionID(sessionID, c.validate); err != nil {
			log.WithError(err).WithFields(logTags).Error("Invalid initial session")
			http.Error(w, fmt.Sprintf("invalid session '%s'", sessionID), http.StatusBadRequest)
			return err
		}
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return err
	}

	conn := &wsConnection{
		outboundQueue: newOutboundQueue(uuid.NewString(), c.config.SendBuffer),
		ws:            ws,
		logTags:       logTags,
	}
	conn.logTags["subscriber"] = conn.ID()
	log.WithFields(conn.logTags).Info("Websocket connected")

	writerDone := make(chan bool)
	readerDone := make(chan bool)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(writerDone)
		c.writeLoop(conn)
	}()
	// Unblock the reader on server stop
	go func() {
		defer c.wg.Done()
		select {
		case <-c.baseContext.Done():
			_ = ws.Close()
		case <-readerDone:
		}
	}()

	defer func() {
		close(readerDone)
		c.leaveAll(conn.ID(), conn.logTags)
		conn.close()
		<-writerDone
		_ = ws.Close()
		log.WithFields(conn.logTags).Info("Websocket disconnected")
	}()

	for _, sessionID := range initialSessions {
		c.handleJoin(r.Context(), conn, sessionID)
	}

	c.readLoop(r.Context(), conn)
	return nil
}

// readLoop process client frames until the connection fails
func (c *SessionConnector) readLoop(ctxt context.Context, conn *wsConnection) {
	pongTimeout := time.Second * time.Duration(c.config.PongTimeout)
	conn.ws.SetReadLimit(c.config.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(conn.logTags).Warn("Websocket closed unexpectedly")
			} else {
				log.WithError(err).WithFields(conn.logTags).Debug("Websocket read ended")
			}
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.WithError(err).WithFields(conn.logTags).Warn("Unable to parse client frame")
			c.reply(conn, common.Event{
				Name: EventError, Payload: ErrorNotice{Message: "malformed frame"},
			})
			continue
		}
		if err := c.validate.Struct(&frame); err != nil {
			log.WithError(err).WithFields(conn.logTags).Warn("Invalid client frame")
			c.reply(conn, common.Event{
				Name: EventError, Payload: ErrorNotice{Message: err.Error()},
			})
			continue
		}
		switch frame.Action {
		case ActionJoin:
			c.handleJoin(ctxt, conn, frame.Session)
		case ActionLeave:
			c.handleLeave(ctxt, conn, frame.Session)
		}
	}
}

// handleJoin join the connection to a session channel
func (c *SessionConnector) handleJoin(ctxt context.Context, conn *wsConnection, sessionID string) {
	if err := c.channels.Join(ctxt, sessionID, conn); err != nil {
		log.WithError(err).WithFields(conn.logTags).Errorf("Unable to join session %s", sessionID)
		c.reply(conn, common.Event{
			Name: EventError, Payload: ErrorNotice{Message: fmt.Sprintf("unable to join %s", sessionID)},
		})
		return
	}
	c.reply(conn, common.Event{Name: EventJoined, Payload: SessionNotice{Session: sessionID}})
}

// handleLeave remove the connection from a session channel
func (c *SessionConnector) handleLeave(ctxt context.Context, conn *wsConnection, sessionID string) {
	if err := c.channels.Leave(ctxt, sessionID, conn.ID()); err != nil {
		log.WithError(err).WithFields(conn.logTags).Errorf("Unable to leave session %s", sessionID)
		c.reply(conn, common.Event{
			Name: EventError, Payload: ErrorNotice{Message: fmt.Sprintf("unable to leave %s", sessionID)},
		})
		return
	}
	c.reply(conn, common.Event{Name: EventLeft, Payload: SessionNotice{Session: sessionID}})
}

// reply queue a transport event for the connection
func (c *SessionConnector) reply(conn *wsConnection, evt common.Event) {
	if err := conn.Deliver(evt); err != nil {
		log.WithError(err).WithFields(conn.logTags).Warnf("Unable to reply with %s", evt)
	}
}

// writeLoop the only goroutine writing to the websocket
func (c *SessionConnector) writeLoop(conn *wsConnection) {
	ticker := time.NewTicker(time.Second * time.Duration(c.config.PingInterval))
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-conn.queue:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if !ok {
				// Queue closed, connection is shutting down
				_ = conn.ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
			if err := conn.ws.WriteJSON(&evt); err != nil {
				log.WithError(err).WithFields(conn.logTags).Errorf("Unable to write %s", evt)
				// Fail the reader as well
				_ = conn.ws.Close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(conn.logTags).Debug("Ping failed")
				_ = conn.ws.Close()
				return
			}
		}
	}
}
