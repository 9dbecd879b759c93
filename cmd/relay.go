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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sefasaid/form-generation/apis"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/core"
	"github.com/sefasaid/form-generation/registry"
	"github.com/sefasaid/form-generation/relay"
	"github.com/sefasaid/form-generation/transport"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineRelayTransport select the transport the relay service publishes through
//
// In NATS mode every node forwards broker traffic into its local registry until
// runTimeContext ends.
func defineRelayTransport(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	channels registry.ChannelRegistry,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
	logTags log.Fields,
) (relay.Transport, error) {
	switch config.Relay.TransportMode {
	case common.TransportModeLocal:
		return channels, nil
	case common.TransportModeNATS:
		if natsClient == nil {
			return nil, fmt.Errorf("transport mode %s requires a NATS client", config.Relay.TransportMode)
		}
		broker, err := relay.GetNATSTransport(natsClient, config.NATS.SubjectPrefix, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS transport")
			return nil, err
		}
		if err := broker.Forward(runTimeContext, channels); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to forward NATS traffic")
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-runTimeContext.Done()
			if err := broker.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close NATS transport")
			}
		}()
		return broker, nil
	default:
		return nil, fmt.Errorf("unknown transport mode %s", config.Relay.TransportMode)
	}
}

// DefineRelayServer build the relay HTTP server. The relay service is attached to its
// transport before the server is returned.
//
// natsClient is only needed in NATS transport mode.
func DefineRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) (*http.Server, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return nil, err
	}

	channels, err := registry.GetChannelRegistry(
		runTimeContext, wg, instance, config.Relay.Registry.Shards, config.Relay.Registry.TaskBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel registry")
		return nil, err
	}

	relayTransport, err := defineRelayTransport(
		runTimeContext, config, instance, channels, natsClient, wg, logTags,
	)
	if err != nil {
		return nil, err
	}
	relayService := relay.GetRelayService(instance)
	if err := relayService.Attach(relayTransport); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach relay service")
		return nil, err
	}

	connector, err := transport.GetSessionConnector(
		runTimeContext, wg, channels, config.Relay.Connection, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session connector")
		return nil, err
	}

	var readinessClient *core.NatsClient
	if config.Relay.TransportMode == common.TransportModeNATS {
		readinessClient = natsClient
	}
	httpHandler, err := apis.GetAPIRestRelayHandler(
		relayService, channels, connector, readinessClient, &config.Relay.HTTPSetting, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	serverConfig := config.Relay.HTTPSetting.Server
	router := mux.NewRouter()
	_ = apis.DefineRelayRouter(
		router,
		config.Relay.Endpoints.PathPrefix,
		httpHandler,
		time.Second*time.Duration(serverConfig.WriteTimeout),
	)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	// Server level write timeout stays off, so subscription streams stay open
	return &http.Server{
		Addr:        fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port),
		ReadTimeout: time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}, nil
}

// RunRelayServer run the relay server until runTimeContext ends
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	httpSrv, err := DefineRelayServer(localCtxt, config, instance, natsClient, wg)
	if err != nil {
		return err
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// PublishToCluster publish one message to the relay nodes sharing the NATS broker
func PublishToCluster(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subjectPrefix string,
	sessionID string,
	data string,
	sender *string,
	instance string,
) error {
	broker, err := relay.GetNATSTransport(natsClient, subjectPrefix, instance)
	if err != nil {
		return err
	}
	defer func() {
		_ = broker.Close()
	}()
	relayService := relay.GetRelayService(instance)
	if err := relayService.Attach(broker); err != nil {
		return err
	}
	opts := []relay.PublishOption{}
	if sender != nil {
		opts = append(opts, relay.WithSender(*sender))
	}
	if err := relayService.Publish(ctxt, sessionID, data, opts...); err != nil {
		return err
	}
	return natsClient.NATs().FlushWithContext(ctxt)
}
