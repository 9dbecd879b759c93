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
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/sefasaid/form-generation/common"
)

// ServeSSE stream the events of one session channel to the requester as
// server-sent-events, until the client disconnects or the server stops.
//
// The caller validates the session ID.
func (c *SessionConnector) ServeSSE(
	w http.ResponseWriter, r *http.Request, sessionID string,
) error {
	logTags, err := common.UpdateLogTags(r.Context(), c.LogTags)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to update logtags")
		return err
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		err := fmt.Errorf("streaming not supported")
		log.WithError(err).WithFields(logTags).Error("Unable to start SSE stream")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}

	sub := newOutboundQueue(uuid.NewString(), c.config.SendBuffer)
	logTags["subscriber"] = sub.ID()
	logTags["session"] = sessionID

	if err := c.channels.Join(r.Context(), sessionID, sub); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to join session")
		http.Error(w, "unable to join session", http.StatusInternalServerError)
		return err
	}
	defer func() {
		c.leaveAll(sub.ID(), logTags)
		sub.close()
		log.WithFields(logTags).Info("SSE stream closed")
	}()

	// The timer only signals, so this goroutine stays the only writer
	keepAliveDue := make(chan struct{}, 1)
	keepAlive, err := common.GetIntervalTimerInstance(
		r.Context(), c.wg, fmt.Sprintf("sse-keep-alive.%s", sub.ID()),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define keep-alive timer")
		return err
	}
	if err := keepAlive.Start(
		time.Second*time.Duration(c.config.KeepAliveInterval),
		func() error {
			select {
			case keepAliveDue <- struct{}{}:
			default:
				log.WithFields(logTags).Debug("Keep-alive already pending")
			}
			return nil
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start keep-alive timer")
		return err
	}
	defer func() {
		_ = keepAlive.Stop()
	}()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(w, common.Event{
		Name: EventJoined, Payload: SessionNotice{Session: sessionID},
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to write joined event")
		return err
	}
	writeFlusher.Flush()
	log.WithFields(logTags).Info("SSE stream opened")

	for {
		select {
		case <-c.baseContext.Done():
			log.WithFields(logTags).Info("Terminating SSE stream on server stop")
			return nil
		case <-r.Context().Done():
			log.WithFields(logTags).Debug("Terminating SSE stream on request end")
			return nil
		case <-keepAliveDue:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit keep-alive")
				return err
			}
			writeFlusher.Flush()
		case evt, ok := <-sub.queue:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, evt); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to transmit %s", evt)
				return err
			}
			writeFlusher.Flush()
		}
	}
}

// writeSSEEvent write one event in SSE wire format
func writeSSEEvent(w http.ResponseWriter, evt common.Event) error {
	payload, err := evt.EncodePayload()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, payload)
	return err
}
