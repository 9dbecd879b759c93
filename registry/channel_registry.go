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
	"reflect"
	"sort"

	"github.com/apex/log"
	"github.com/sefasaid/form-generation/common"
)

// channelRegistryImpl implements ChannelRegistry
//
// All access to the membership maps happens on the task processor's event loop.
type channelRegistryImpl struct {
	common.Component
	tp common.TaskProcessor
	// channels session ID -> subscriber ID -> subscriber
	channels map[string]map[string]Subscriber
	// memberships subscriber ID -> set of session IDs
	memberships map[string]map[string]bool
}

// DefineChannelRegistry define a channel registry operating on the task processor.
// The caller starts the task processor event loop.
func DefineChannelRegistry(tp common.TaskProcessor, instance string) (ChannelRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "channel-registry", "instance": instance,
	}
	r := &channelRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		channels:    make(map[string]map[string]Subscriber),
		memberships: make(map[string]map[string]bool),
	}
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(joinRequest{}):      r.processJoinRequest,
		reflect.TypeOf(leaveRequest{}):     r.processLeaveRequest,
		reflect.TypeOf(leaveAllRequest{}):  r.processLeaveAllRequest,
		reflect.TypeOf(broadcastRequest{}): r.processBroadcastRequest,
		reflect.TypeOf(membersRequest{}):   r.processMembersRequest,
	}
	for theType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(theType, handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// submitAndWait submit a request to the event loop, and wait for its result
func (r *channelRegistryImpl) submitAndWait(
	ctxt context.Context, request interface{}, result chan error,
) error {
	if err := r.tp.Submit(ctxt, request); err != nil {
		if err == common.ErrTaskProcessorStopped {
			return ErrRegistryStopped
		}
		return err
	}
	select {
	case err := <-result:
		return err
	case <-r.tp.Done():
		// The task may have completed just before the loop stopped
		select {
		case err := <-result:
			return err
		default:
			return ErrRegistryStopped
		}
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// ----------------------------------------------------------------------------------------

type joinRequest struct {
	sessionID  string
	subscriber Subscriber
	result     chan error
}

// Join add a subscriber to a session channel
func (r *channelRegistryImpl) Join(
	ctxt context.Context, sessionID string, subscriber Subscriber,
) error {
	if subscriber == nil {
		return fmt.Errorf("can not join %s with nil subscriber", sessionID)
	}
	request := joinRequest{
		sessionID: sessionID, subscriber: subscriber, result: make(chan error, 1),
	}
	return r.submitAndWait(ctxt, request, request.result)
}

func (r *channelRegistryImpl) processJoinRequest(param interface{}) error {
	request, ok := param.(joinRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for join", reflect.TypeOf(param))
	}
	subscriberID := request.subscriber.ID()
	members, ok := r.channels[request.sessionID]
	if !ok {
		members = make(map[string]Subscriber)
		r.channels[request.sessionID] = members
	}
	if _, ok := members[subscriberID]; !ok {
		members[subscriberID] = request.subscriber
		if _, ok := r.memberships[subscriberID]; !ok {
			r.memberships[subscriberID] = make(map[string]bool)
		}
		r.memberships[subscriberID][request.sessionID] = true
		log.WithFields(r.LogTags).Debugf(
			"Subscriber %s joined session %s (%d members)",
			subscriberID,
			request.sessionID,
			len(members),
		)
	}
	request.result <- nil
	return nil
}

// ----------------------------------------------------------------------------------------

type leaveRequest struct {
	sessionID    string
	subscriberID string
	result       chan error
}

// Leave remove a subscriber from a session channel
func (r *channelRegistryImpl) Leave(
	ctxt context.Context, sessionID string, subscriberID string,
) error {
	request := leaveRequest{
		sessionID: sessionID, subscriberID: subscriberID, result: make(chan error, 1),
	}
	return r.submitAndWait(ctxt, request, request.result)
}

func (r *channelRegistryImpl) processLeaveRequest(param interface{}) error {
	request, ok := param.(leaveRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for leave", reflect.TypeOf(param))
	}
	r.removeMembership(request.sessionID, request.subscriberID)
	request.result <- nil
	return nil
}

// removeMembership drop one membership, and clean up empty channels
func (r *channelRegistryImpl) removeMembership(sessionID, subscriberID string) {
	if members, ok := r.channels[sessionID]; ok {
		if _, ok := members[subscriberID]; ok {
			delete(members, subscriberID)
			log.WithFields(r.LogTags).Debugf(
				"Subscriber %s left session %s (%d members)", subscriberID, sessionID, len(members),
			)
		}
		if len(members) == 0 {
			delete(r.channels, sessionID)
		}
	}
	if sessions, ok := r.memberships[subscriberID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.memberships, subscriberID)
		}
	}
}

// ----------------------------------------------------------------------------------------

type leaveAllRequest struct {
	subscriberID string
	result       chan error
}

// LeaveAll remove a subscriber from every channel it joined
func (r *channelRegistryImpl) LeaveAll(ctxt context.Context, subscriberID string) error {
	request := leaveAllRequest{subscriberID: subscriberID, result: make(chan error, 1)}
	return r.submitAndWait(ctxt, request, request.result)
}

func (r *channelRegistryImpl) processLeaveAllRequest(param interface{}) error {
	request, ok := param.(leaveAllRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for leave-all", reflect.TypeOf(param))
	}
	sessions := make([]string, 0, len(r.memberships[request.subscriberID]))
	for sessionID := range r.memberships[request.subscriberID] {
		sessions = append(sessions, sessionID)
	}
	for _, sessionID := range sessions {
		r.removeMembership(sessionID, request.subscriberID)
	}
	request.result <- nil
	return nil
}

// ----------------------------------------------------------------------------------------

type broadcastRequest struct {
	sessionID string
	event     common.Event
}

// Broadcast deliver an event to the current members of a session channel
func (r *channelRegistryImpl) Broadcast(
	ctxt context.Context, sessionID string, evt common.Event,
) error {
	if err := r.tp.Submit(ctxt, broadcastRequest{sessionID: sessionID, event: evt}); err != nil {
		if err == common.ErrTaskProcessorStopped {
			return ErrRegistryStopped
		}
		return err
	}
	return nil
}

func (r *channelRegistryImpl) processBroadcastRequest(param interface{}) error {
	request, ok := param.(broadcastRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for broadcast", reflect.TypeOf(param))
	}
	members := r.channels[request.sessionID]
	for subscriberID, subscriber := range members {
		if err := subscriber.Deliver(request.event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Unable to deliver %s to %s@%s", request.event, subscriberID, request.sessionID,
			)
		}
	}
	log.WithFields(r.LogTags).Debugf(
		"Broadcast %s to %d members of session %s", request.event, len(members), request.sessionID,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type membersRequest struct {
	sessionID string
	members   chan []string
}

// Members list the IDs of the current members of a session channel
func (r *channelRegistryImpl) Members(ctxt context.Context, sessionID string) ([]string, error) {
	request := membersRequest{sessionID: sessionID, members: make(chan []string, 1)}
	if err := r.tp.Submit(ctxt, request); err != nil {
		if err == common.ErrTaskProcessorStopped {
			return nil, ErrRegistryStopped
		}
		return nil, err
	}
	select {
	case members := <-request.members:
		return members, nil
	case <-r.tp.Done():
		select {
		case members := <-request.members:
			return members, nil
		default:
			return nil, ErrRegistryStopped
		}
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *channelRegistryImpl) processMembersRequest(param interface{}) error {
	request, ok := param.(membersRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for members", reflect.TypeOf(param))
	}
	members := make([]string, 0, len(r.channels[request.sessionID]))
	for subscriberID := range r.channels[request.sessionID] {
		members = append(members, subscriberID)
	}
	sort.Strings(members)
	request.members <- members
	return nil
}
