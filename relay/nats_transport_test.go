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

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/core"
	"github.com/sefasaid/form-generation/registry"
	"github.com/stretchr/testify/assert"
)

func TestNATSTransportAcrossNodes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv, err := core.StartEmbeddedNATS(
		common.EmbeddedNATSConfig{ListenOn: "127.0.0.1", Port: -1}, time.Second*5,
	)
	assert.Nil(err)
	defer srv.Shutdown()

	logTags := log.Fields{
		"module":    "relay_test",
		"component": "NATSTransport",
		"instance":  "across-nodes",
	}
	natsConfig := common.NATSConfig{
		ServerURI:      srv.ClientURL(),
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
		SubjectPrefix:  "ut.relay",
	}

	// Define two relay nodes sharing the NATS server
	type relayNode struct {
		client    *core.NatsClient
		channels  registry.ChannelRegistry
		transport NATSTransport
		relay     Service
	}
	nodes := make([]relayNode, 2)
	for itr := range nodes {
		name := fmt.Sprintf("ut-node-%d", itr)
		client, err := core.GetNATSClient(core.GetNATSConnectParams(natsConfig, logTags, nil))
		assert.Nil(err)
		defer client.Close(utCtxt)
		channels, err := registry.GetChannelRegistry(utCtxt, &wg, name, 2, 16)
		assert.Nil(err)
		transport, err := GetNATSTransport(client, natsConfig.SubjectPrefix, name)
		assert.Nil(err)
		assert.Nil(transport.Forward(utCtxt, channels))
		assert.NotNil(transport.Forward(utCtxt, channels))
		relay := GetRelayService(name)
		assert.Nil(relay.Attach(transport))
		nodes[itr] = relayNode{
			client: client, channels: channels, transport: transport, relay: relay,
		}
	}

	sessionID := "abc123"
	otherSession := "survey.42 > *"
	conn0 := newTestSubscriber()
	conn1 := newTestSubscriber()
	other := newTestSubscriber()
	assert.Nil(nodes[0].channels.Join(utCtxt, sessionID, conn0))
	assert.Nil(nodes[1].channels.Join(utCtxt, sessionID, conn1))
	assert.Nil(nodes[1].channels.Join(utCtxt, otherSession, other))

	// Case 1: publish on node 0 reaches subscribers on both nodes
	{
		assert.Nil(nodes[0].relay.Publish(utCtxt, sessionID, "Hello", WithSender("host")))
		expected := []common.Event{
			{Name: "message", Payload: common.Message{Sender: "host", Data: "Hello"}},
		}
		assert.Eventually(func() bool {
			return len(conn0.received()) == 1 && len(conn1.received()) == 1
		}, time.Second*2, time.Millisecond*10)
		assert.Equal(expected, conn0.received())
		assert.Equal(expected, conn1.received())
		assert.Empty(other.received())
	}

	// Case 2: session IDs with subject special characters stay isolated
	{
		assert.Nil(nodes[1].relay.Publish(utCtxt, otherSession, "Hi"))
		assert.Eventually(func() bool {
			return len(other.received()) == 1
		}, time.Second*2, time.Millisecond*10)
		assert.Equal(
			common.Event{Name: "message", Payload: common.Message{Sender: "", Data: "Hi"}},
			other.received()[0],
		)
		assert.Len(conn0.received(), 1)
		assert.Len(conn1.received(), 1)
	}

	// Case 3: publishes from one node keep their order
	{
		for itr := 0; itr < 10; itr++ {
			assert.Nil(nodes[1].relay.Publish(utCtxt, sessionID, fmt.Sprintf("msg-%d", itr)))
		}
		assert.Eventually(func() bool {
			return len(conn0.received()) == 11 && len(conn1.received()) == 11
		}, time.Second*2, time.Millisecond*10)
		for _, conn := range []*testSubscriber{conn0, conn1} {
			for itr, evt := range conn.received()[1:] {
				assert.Equal(
					common.Event{
						Name: "message", Payload: common.Message{Data: fmt.Sprintf("msg-%d", itr)},
					},
					evt,
				)
			}
		}
	}

	// Case 4: malformed messages are dropped
	{
		assert.Nil(nodes[0].client.NATs().Publish("ut.relay.garbage", []byte("not json")))
		mismatch, err := json.Marshal(&natsEnvelope{
			Session: sessionID, Event: "message", Payload: json.RawMessage(`{"data":"spoof"}`),
		})
		assert.Nil(err)
		assert.Nil(nodes[0].client.NATs().Publish("ut.relay.garbage", mismatch))
		assert.Nil(nodes[0].relay.Publish(utCtxt, sessionID, "after"))
		assert.Eventually(func() bool {
			return len(conn1.received()) == 12
		}, time.Second*2, time.Millisecond*10)
		assert.Equal(
			common.Event{Name: "message", Payload: common.Message{Data: "after"}},
			conn1.received()[11],
		)
	}

	// Case 5: stop forwarding
	{
		assert.Nil(nodes[1].transport.Close())
		assert.Nil(nodes[1].transport.Close())
		assert.Nil(nodes[0].relay.Publish(utCtxt, sessionID, "node-0 only"))
		assert.Eventually(func() bool {
			return len(conn0.received()) == 13
		}, time.Second*2, time.Millisecond*10)
		time.Sleep(time.Millisecond * 50)
		assert.Len(conn1.received(), 12)
	}
}

func TestNATSTransportParams(t *testing.T) {
	assert := assert.New(t)

	_, err := GetNATSTransport(nil, "relay.session", "ut")
	assert.NotNil(err)
	_, err = GetNATSTransport(&core.NatsClient{}, "", "ut")
	assert.NotNil(err)
	_, err = GetNATSTransport(&core.NatsClient{}, "relay.>", "ut")
	assert.NotNil(err)
	_, err = GetNATSTransport(&core.NatsClient{}, "relay.session", "ut")
	assert.Nil(err)
}
