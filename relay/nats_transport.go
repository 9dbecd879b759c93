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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/core"
)

// natsEnvelope the form a session event takes while crossing NATS
type natsEnvelope struct {
	Session string          `json:"session" validate:"required"`
	Event   string          `json:"event" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// NATSTransport a Transport which routes every broadcast through NATS, so all relay
// nodes sharing the NATS server see it.
type NATSTransport interface {
	Transport
	// Forward deliver every session event seen on NATS into a local transport.
	// Events are forwarded in the order NATS delivers them.
	Forward(ctxt context.Context, local Transport) error
	// Close stop forwarding
	Close() error
}

// natsTransportImpl implements NATSTransport
type natsTransportImpl struct {
	common.Component
	client        *core.NatsClient
	subjectPrefix string
	validate      *validator.Validate
	lock          sync.Mutex
	sub           *nats.Subscription
}

// GetNATSTransport define a new NATS backed transport
func GetNATSTransport(
	client *core.NatsClient, subjectPrefix string, instance string,
) (NATSTransport, error) {
	logTags := log.Fields{
		"module":    "relay",
		"component": "nats-transport",
		"instance":  instance,
		"prefix":    subjectPrefix,
	}
	if client == nil {
		return nil, fmt.Errorf("NATS transport requires a NATS client")
	}
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, "*> ") {
		return nil, fmt.Errorf("invalid NATS subject prefix '%s'", subjectPrefix)
	}
	return &natsTransportImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
		validate:      validator.New(),
	}, nil
}

// sessionSubject the NATS subject used for one session. The session ID is encoded
// so any session ID forms exactly one subject token.
func (t *natsTransportImpl) sessionSubject(sessionID string) string {
	return fmt.Sprintf(
		"%s.%s", t.subjectPrefix, base64.RawURLEncoding.EncodeToString([]byte(sessionID)),
	)
}

// Broadcast publish the session event onto NATS
func (t *natsTransportImpl) Broadcast(
	ctxt context.Context, sessionID string, evt common.Event,
) error {
	localLogTags, err := common.UpdateLogTags(ctxt, t.LogTags)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to update logtags")
		return err
	}
	payload, err := evt.EncodePayload()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to encode %s", evt)
		return err
	}
	serialized, err := json.Marshal(&natsEnvelope{
		Session: sessionID, Event: evt.Name, Payload: payload,
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to encode %s", evt)
		return err
	}
	subject := t.sessionSubject(sessionID)
	if err := t.client.NATs().Publish(subject, serialized); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to publish on %s", subject)
		return err
	}
	log.WithFields(localLogTags).Debugf("Published %s on %s", evt, subject)
	return nil
}

// decodeEnvelope convert a NATS message back into a session event
func (t *natsTransportImpl) decodeEnvelope(msg *nats.Msg) (string, common.Event, error) {
	var envelope natsEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return "", common.Event{}, err
	}
	if err := t.validate.Struct(&envelope); err != nil {
		return "", common.Event{}, err
	}
	if msg.Subject != t.sessionSubject(envelope.Session) {
		return "", common.Event{}, fmt.Errorf(
			"session %s does not match subject %s", envelope.Session, msg.Subject,
		)
	}
	if envelope.Event == common.EventMessage {
		var message common.Message
		if err := json.Unmarshal(envelope.Payload, &message); err != nil {
			return "", common.Event{}, err
		}
		return envelope.Session, common.Event{Name: envelope.Event, Payload: message}, nil
	}
	return envelope.Session, common.Event{Name: envelope.Event, Payload: envelope.Payload}, nil
}

// Forward deliver every session event seen on NATS into a local transport
func (t *natsTransportImpl) Forward(ctxt context.Context, local Transport) error {
	if local == nil {
		return fmt.Errorf("can not forward to nil transport")
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.sub != nil {
		return fmt.Errorf("already forwarding")
	}
	wildcard := fmt.Sprintf("%s.*", t.subjectPrefix)
	sub, err := t.client.NATs().Subscribe(wildcard, func(msg *nats.Msg) {
		sessionID, evt, err := t.decodeEnvelope(msg)
		if err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Dropping malformed message on %s", msg.Subject,
			)
			return
		}
		if err := local.Broadcast(ctxt, sessionID, evt); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Unable to forward %s to session %s", evt, sessionID,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to subscribe to %s", wildcard)
		return err
	}
	// Make sure the server has registered interest before returning
	if err := t.client.NATs().Flush(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Flush after subscribe failed")
		_ = sub.Unsubscribe()
		return err
	}
	t.sub = sub
	log.WithFields(t.LogTags).Infof("Forwarding session events from %s", wildcard)
	return nil
}

// Close stop forwarding
func (t *natsTransportImpl) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.sub == nil {
		return nil
	}
	err := t.sub.Unsubscribe()
	t.sub = nil
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Unsubscribe failed")
		return err
	}
	log.WithFields(t.LogTags).Info("Stopped forwarding")
	return nil
}
