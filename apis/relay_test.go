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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/registry"
	"github.com/sefasaid/form-generation/relay"
	"github.com/sefasaid/form-generation/transport"
	"github.com/stretchr/testify/assert"
)

type testSubscriber struct {
	id     string
	events chan common.Event
}

func (s *testSubscriber) ID() string {
	return s.id
}

func (s *testSubscriber) Deliver(evt common.Event) error {
	s.events <- evt
	return nil
}

func TestRelayAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-api-relay"

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Relay-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}

	channels, err := registry.GetChannelRegistry(utCtxt, &wg, testName, 1, 16)
	assert.Nil(err)
	connector, err := transport.GetSessionConnector(
		utCtxt, &wg, channels, common.ConnectionConfig{
			SendBuffer:        4,
			WriteTimeout:      1,
			PingInterval:      1,
			PongTimeout:       2,
			MaxMessageSize:    1024,
			KeepAliveInterval: 1,
		}, testName,
	)
	assert.Nil(err)
	relayService := relay.GetRelayService(testName)

	// Case 0: missing dependencies
	{
		_, err := GetAPIRestRelayHandler(nil, channels, connector, nil, &httpConfig, testName)
		assert.NotNil(err)
	}

	uut, err := GetAPIRestRelayHandler(relayService, channels, connector, nil, &httpConfig, testName)
	assert.Nil(err)
	router := DefineRelayRouter(mux.NewRouter(), "/", uut, time.Second)

	type testResponse struct {
		APIRestRespSubscribers
	}
	call := func(method, path string, body interface{}, reqID string) (int, testResponse, http.Header) {
		var payload []byte
		switch v := body.(type) {
		case nil:
		case string:
			payload = []byte(v)
		default:
			encoded, err := json.Marshal(v)
			assert.Nil(err)
			payload = encoded
		}
		req, err := http.NewRequest(method, path, bytes.NewReader(payload))
		assert.Nil(err)
		if reqID != "" {
			req.Header.Add("Relay-Request-ID", reqID)
		}
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		var resp testResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		return respRecorder.Code, resp, respRecorder.Header()
	}

	sessionID := "abc123"
	publishPath := fmt.Sprintf("/v1/session/%s/message", sessionID)

	// Case 1: liveness
	{
		reqID := uuid.NewString()
		code, resp, headers := call("GET", "/alive", nil, reqID)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.Equal(reqID, resp.RequestID)
		assert.Equal(reqID, headers.Get("Relay-Request-ID"))
	}

	// Case 2: not ready, and publish fails, before attach
	{
		code, resp, headers := call("GET", "/ready", nil, "")
		assert.Equal(http.StatusInternalServerError, code)
		assert.False(resp.Success)
		assert.NotEmpty(resp.RequestID)
		assert.Equal(resp.RequestID, headers.Get("Relay-Request-ID"))

		code, resp, _ = call("POST", publishPath, map[string]string{"data": "Hello"}, "")
		assert.Equal(http.StatusInternalServerError, code)
		assert.False(resp.Success)
		assert.NotNil(resp.Error)
	}

	assert.Nil(relayService.Attach(channels))

	// Case 3: ready after attach
	{
		code, resp, _ := call("GET", "/ready", nil, "")
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
	}

	// Case 4: publish to an empty session
	{
		code, resp, _ := call("POST", publishPath, map[string]string{"data": "Hello"}, "")
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
	}

	sub1 := &testSubscriber{id: uuid.NewString(), events: make(chan common.Event, 4)}
	sub2 := &testSubscriber{id: uuid.NewString(), events: make(chan common.Event, 4)}
	other := &testSubscriber{id: uuid.NewString(), events: make(chan common.Event, 4)}
	assert.Nil(channels.Join(utCtxt, sessionID, sub1))
	assert.Nil(channels.Join(utCtxt, sessionID, sub2))
	assert.Nil(channels.Join(utCtxt, uuid.NewString(), other))

	// Case 5: list subscribers
	{
		code, resp, _ := call("GET", fmt.Sprintf("/v1/session/%s/subscribers", sessionID), nil, "")
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.ElementsMatch([]string{sub1.id, sub2.id}, resp.Subscribers)
	}

	// Case 6: publish with sender
	{
		code, resp, _ := call(
			"POST", publishPath, map[string]string{"data": "Hello", "sender": "host"}, "",
		)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		for _, sub := range []*testSubscriber{sub1, sub2} {
			select {
			case evt := <-sub.events:
				assert.Equal(common.NewMessageEvent("host", "Hello"), evt)
			case <-time.After(time.Second):
				assert.Fail("message not delivered")
			}
		}
	}

	// Case 7: publish without sender
	{
		code, _, _ := call("POST", publishPath, map[string]string{"data": "Hi"}, "")
		assert.Equal(http.StatusOK, code)
		for _, sub := range []*testSubscriber{sub1, sub2} {
			select {
			case evt := <-sub.events:
				assert.Equal(common.NewMessageEvent("", "Hi"), evt)
			case <-time.After(time.Second):
				assert.Fail("message not delivered")
			}
		}
	}

	// Case 8: bad publish requests
	{
		code, resp, _ := call("POST", publishPath, "{not json", "")
		assert.Equal(http.StatusBadRequest, code)
		assert.False(resp.Success)
		assert.Equal(http.StatusBadRequest, resp.Error.Code)

		code, _, _ = call("POST", publishPath, map[string]string{"sender": "host"}, "")
		assert.Equal(http.StatusBadRequest, code)

	}

	// Case 9: session IDs are opaque tokens
	{
		code, resp, _ := call(
			"POST", "/v1/session/s%C3%A9ance%091/message", map[string]string{"data": "Hi"}, "",
		)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
	}

	// Other sessions never saw any traffic
	assert.Len(other.events, 0)
	assert.Len(sub1.events, 0)
}

func TestRelayAPIErrorLogging(t *testing.T) {
	assert := assert.New(t)
	testName := "ut-api-relay-logging"

	previousHandler := log.Log.(*log.Logger).Handler
	logCapture := memory.New()
	log.SetHandler(logCapture)
	log.SetLevel(log.DebugLevel)
	defer log.SetHandler(previousHandler)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Relay-Request-ID"},
	}
	channels, err := registry.GetChannelRegistry(utCtxt, &wg, testName, 1, 4)
	assert.Nil(err)
	connector, err := transport.GetSessionConnector(
		utCtxt, &wg, channels, common.ConnectionConfig{
			SendBuffer:        4,
			WriteTimeout:      1,
			PingInterval:      1,
			PongTimeout:       2,
			MaxMessageSize:    1024,
			KeepAliveInterval: 1,
		}, testName,
	)
	assert.Nil(err)
	// Never attached, so every publish fails
	uut, err := GetAPIRestRelayHandler(
		relay.GetRelayService(testName), channels, connector, nil, &httpConfig, testName,
	)
	assert.Nil(err)
	router := DefineRelayRouter(mux.NewRouter(), "/", uut, time.Second)

	// Case 1: session IDs with format verbs are logged verbatim
	req, err := http.NewRequest(
		"POST", "/v1/session/100%25done/message", bytes.NewReader([]byte(`{"data":"x"}`)),
	)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	utCtxtCancel()
	wg.Wait()

	found := false
	for _, entry := range logCapture.Entries {
		if entry.Message == "Unable to publish message to session 100%done" {
			found = true
		}
		assert.NotContains(entry.Message, "%!")
	}
	assert.True(found)
}
