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

package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/apex/log"
	"github.com/sefasaid/form-generation/common"
)

// shardedChannelRegistry spreads session channels over multiple registries, each
// with its own event loop. A session is always owned by the same shard.
type shardedChannelRegistry struct {
	common.Component
	shards []ChannelRegistry
}

// GetChannelRegistry define and start a channel registry with the given number of
// shards. The event loops stop when ctxt is cancelled.
func GetChannelRegistry(
	ctxt context.Context, wg *sync.WaitGroup, instance string, shards int, taskBuffer int,
) (ChannelRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "sharded-channel-registry", "instance": instance,
	}
	if shards < 1 {
		err := fmt.Errorf("registry needs at least one shard, got %d", shards)
		log.WithError(err).WithFields(logTags).Error("Unable to define channel registry")
		return nil, err
	}
	defined := make([]ChannelRegistry, shards)
	processors := make([]common.TaskProcessor, shards)
	for itr := 0; itr < shards; itr++ {
		shardName := fmt.Sprintf("%s.shard.%d", instance, itr)
		tp, err := common.GetNewTaskProcessorInstance(ctxt, shardName, taskBuffer)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define task processor %s", shardName)
			return nil, err
		}
		shard, err := DefineChannelRegistry(tp, shardName)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define registry %s", shardName)
			return nil, err
		}
		defined[itr] = shard
		processors[itr] = tp
	}
	for _, tp := range processors {
		if err := tp.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
			return nil, err
		}
	}
	if shards == 1 {
		return defined[0], nil
	}
	return &shardedChannelRegistry{
		Component: common.Component{LogTags: logTags}, shards: defined,
	}, nil
}

// shardFor select the shard owning a session
func (r *shardedChannelRegistry) shardFor(sessionID string) ChannelRegistry {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(sessionID))
	return r.shards[hasher.Sum32()%uint32(len(r.shards))]
}

// Join add a subscriber to a session channel
func (r *shardedChannelRegistry) Join(
	ctxt context.Context, sessionID string, subscriber Subscriber,
) error {
	return r.shardFor(sessionID).Join(ctxt, sessionID, subscriber)
}

// Leave remove a subscriber from a session channel
func (r *shardedChannelRegistry) Leave(
	ctxt context.Context, sessionID string, subscriberID string,
) error {
	return r.shardFor(sessionID).Leave(ctxt, sessionID, subscriberID)
}

// LeaveAll remove a subscriber from every channel it joined, on every shard
func (r *shardedChannelRegistry) LeaveAll(ctxt context.Context, subscriberID string) error {
	for _, shard := range r.shards {
		if err := shard.LeaveAll(ctxt, subscriberID); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to remove %s", subscriberID)
			return err
		}
	}
	return nil
}

// Broadcast deliver an event to the current members of a session channel
func (r *shardedChannelRegistry) Broadcast(
	ctxt context.Context, sessionID string, evt common.Event,
) error {
	return r.shardFor(sessionID).Broadcast(ctxt, sessionID, evt)
}

// Members list the IDs of the current members of a session channel
func (r *shardedChannelRegistry) Members(
	ctxt context.Context, sessionID string,
) ([]string, error) {
	return r.shardFor(sessionID).Members(ctxt, sessionID)
}
