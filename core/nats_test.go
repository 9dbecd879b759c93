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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sefasaid/form-generation/common"
	"github.com/stretchr/testify/assert"
)

func TestEmbeddedNATSClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv, err := StartEmbeddedNATS(
		common.EmbeddedNATSConfig{ListenOn: "127.0.0.1", Port: -1}, time.Second*5,
	)
	assert.Nil(err)
	defer srv.Shutdown()

	logTags := log.Fields{
		"module":    "core_test",
		"component": "NatsClient",
		"instance":  "embedded",
	}
	closed := make(chan bool, 1)
	params := GetNATSConnectParams(
		common.NATSConfig{
			ServerURI:      srv.ClientURL(),
			ConnectTimeout: 1,
			Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
		},
		logTags,
		func() { closed <- true },
	)
	client, err := GetNATSClient(params)
	assert.Nil(err)
	assert.True(client.Connected())

	// Case 1: round trip a message through the embedded server
	{
		subject := uuid.NewString()
		rxMsg := make(chan []byte, 1)
		sub, err := client.NATs().Subscribe(subject, func(msg *nats.Msg) {
			rxMsg <- msg.Data
		})
		assert.Nil(err)
		assert.Nil(client.NATs().Publish(subject, []byte("hello")))
		select {
		case data := <-rxMsg:
			assert.Equal([]byte("hello"), data)
		case <-time.After(time.Second):
			assert.Fail("message not received")
		}
		assert.Nil(sub.Unsubscribe())
	}

	// Case 2: close triggers the close callback
	{
		client.Close(utCtxt)
		select {
		case <-closed:
		case <-time.After(time.Second):
			assert.Fail("close callback not called")
		}
		assert.False(client.Connected())
	}
}
