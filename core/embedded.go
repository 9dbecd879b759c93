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
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/sefasaid/form-generation/common"
)

// natsServerLogger routes embedded NATS server logs into apex log
type natsServerLogger struct {
	common.Component
}

func (l natsServerLogger) Noticef(format string, v ...interface{}) {
	log.WithFields(l.LogTags).Infof(format, v...)
}

func (l natsServerLogger) Warnf(format string, v ...interface{}) {
	log.WithFields(l.LogTags).Warnf(format, v...)
}

func (l natsServerLogger) Fatalf(format string, v ...interface{}) {
	log.WithFields(l.LogTags).Errorf(format, v...)
}

func (l natsServerLogger) Errorf(format string, v ...interface{}) {
	log.WithFields(l.LogTags).Errorf(format, v...)
}

func (l natsServerLogger) Debugf(format string, v ...interface{}) {
	log.WithFields(l.LogTags).Debugf(format, v...)
}

func (l natsServerLogger) Tracef(format string, v ...interface{}) {
	log.WithFields(l.LogTags).Debugf(format, v...)
}

// StartEmbeddedNATS start a NATS server inside this process. The caller must call
// Shutdown on the returned server.
func StartEmbeddedNATS(
	config common.EmbeddedNATSConfig, readyTimeout time.Duration,
) (*server.Server, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "embedded-nats",
		"instance":  fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
	}
	opts := &server.Options{
		Host:   config.ListenOn,
		Port:   config.Port,
		NoSigs: true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define embedded NATS server")
		return nil, err
	}
	srv.SetLogger(natsServerLogger{Component: common.Component{LogTags: logTags}}, false, false)
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		err := fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
		log.WithError(err).WithFields(logTags).Error("Embedded NATS server failed to start")
		return nil, err
	}
	log.WithFields(logTags).Infof("Embedded NATS server listening at %s", srv.ClientURL())
	return srv, nil
}
