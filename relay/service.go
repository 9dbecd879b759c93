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

// Package relay pushes session messages to the live connections of a session.
//
// A Service starts unattached. The server bootstrap attaches it to a Transport exactly
// once, after which Publish fans messages out through that transport.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/sefasaid/form-generation/common"
)

var (
	// ErrNotAttached Publish was called before Attach
	ErrNotAttached = errors.New("relay service is not attached to a transport")
	// ErrAlreadyAttached Attach was called more than once
	ErrAlreadyAttached = errors.New("relay service is already attached to a transport")
	// ErrInvalidSession the session ID can not be used as a channel name
	ErrInvalidSession = errors.New("invalid session ID")
)

// Transport delivers an event to every current subscriber of a session channel
type Transport interface {
	// Broadcast queue an event for delivery to the subscribers of a session channel
	Broadcast(ctxt context.Context, sessionID string, evt common.Event) error
}

// publishOptions optional Publish parameters
type publishOptions struct {
	sender string
}

// PublishOption optional Publish parameter
type PublishOption func(*publishOptions)

// WithSender label the message with a sender. Without it the sender is empty.
func WithSender(sender string) PublishOption {
	return func(o *publishOptions) {
		o.sender = sender
	}
}

// Service relays session messages to the live connections of the session
type Service interface {
	// Attach bind the service to the live transport. Only the first call succeeds.
	Attach(transport Transport) error
	// Attached whether the service has been attached to a transport
	Attached() bool
	// Publish send a "message" event carrying data to every connection currently
	// subscribed to the session. It does not wait for delivery.
	Publish(ctxt context.Context, sessionID string, data string, opts ...PublishOption) error
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	lock sync.RWMutex
	// transport is nil until attached
	transport Transport
	validate  *validator.Validate
}

// GetRelayService define a new, unattached relay service
func GetRelayService(instance string) Service {
	logTags := log.Fields{
		"module": "relay", "component": "relay-service", "instance": instance,
	}
	return &serviceImpl{
		Component: common.Component{LogTags: logTags},
		transport: nil,
		validate:  validator.New(),
	}
}

// Attach bind the service to the live transport
func (s *serviceImpl) Attach(transport Transport) error {
	if transport == nil {
		err := fmt.Errorf("can not attach a nil transport")
		log.WithError(err).WithFields(s.LogTags).Error("Attach failed")
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.transport != nil {
		log.WithError(ErrAlreadyAttached).WithFields(s.LogTags).Error("Attach failed")
		return ErrAlreadyAttached
	}
	s.transport = transport
	log.WithFields(s.LogTags).Infof("Attached to transport %T", transport)
	return nil
}

// Attached whether the service has been attached to a transport
func (s *serviceImpl) Attached() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.transport != nil
}

// Publish send a "message" event carrying data to every connection currently
// subscribed to the session
func (s *serviceImpl) Publish(
	ctxt context.Context, sessionID string, data string, opts ...PublishOption,
) error {
	localLogTags, err := common.UpdateLogTags(ctxt, s.LogTags)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to update logtags")
		return err
	}

	s.lock.RLock()
	transport := s.transport
	s.lock.RUnlock()
	if transport == nil {
		log.WithError(ErrNotAttached).WithFields(localLogTags).Errorf(
			"Publish to session %s before attach", sessionID,
		)
		return ErrNotAttached
	}

	if err := common.ValidateSessionID(sessionID, s.validate); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to publish")
		return fmt.Errorf("%w: %s", ErrInvalidSession, err.Error())
	}

	params := publishOptions{}
	for _, opt := range opts {
		opt(&params)
	}

	evt := common.NewMessageEvent(params.sender, data)
	if err := transport.Broadcast(ctxt, sessionID, evt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to broadcast %s to session %s", evt, sessionID,
		)
		return err
	}
	log.WithFields(localLogTags).Debugf("Published %s to session %s", evt, sessionID)
	return nil
}
