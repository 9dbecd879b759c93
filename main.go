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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/sefasaid/form-generation/cmd"
	"github.com/sefasaid/form-generation/common"
	"github.com/sefasaid/form-generation/core"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string
	ConfigFile string
	Hostname   string
	Publish    publishArgs
}

type publishArgs struct {
	SessionID string `validate:"required"`
	Data      string
	Sender    string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title relay
// @version v0.1.0
// @description Session scoped real-time message relay

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Session scoped real-time message relay",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the relay server",
				Description: "Serves session subscriptions over websocket / SSE, and the publish REST API",
				Action:      startRelayServer,
			},
			{
				Name:        "publish",
				Usage:       "Publish one message to a session",
				Description: "Publish a message through NATS to every relay node sharing the broker",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "session",
						Usage:       "Target session ID",
						Aliases:     []string{"s"},
						Destination: &cmdArgs.Publish.SessionID,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "data",
						Usage:       "Message payload",
						Aliases:     []string{"d"},
						Destination: &cmdArgs.Publish.Data,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "sender",
						Usage:       "Optional sender label",
						Destination: &cmdArgs.Publish.Sender,
						Required:    false,
					},
				},
				Action: publishMessage,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Var(cmdArgs.LogLevel, "required,oneof=debug info warn error"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid log level")
		return nil, err
	}
	if err := validate.Var(cmdArgs.ConfigFile, "omitempty,file"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file arg")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNATSClient define the NATS client. An embedded NATS server is started first
// when configured; the caller shuts it down.
func prepareNATSClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, *server.Server, error) {
	var embedded *server.Server
	if config.Embedded != nil {
		srv, err := core.StartEmbeddedNATS(*config.Embedded, time.Second*10)
		if err != nil {
			return nil, nil, err
		}
		embedded = srv
		config.ServerURI = srv.ClientURL()
	}
	client, err := core.GetNATSClient(core.GetNATSConnectParams(config, logTags, ctxtCancel))
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}
	return client, embedded, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Server subcommand

// startRelayServer run the relay server
func startRelayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer rtCancel()

	var natsClient *core.NatsClient
	if config.Relay.TransportMode == common.TransportModeNATS {
		client, embedded, err := prepareNATSClient(config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		natsClient = client
		defer func() {
			natsClient.Close(context.Background())
			if embedded != nil {
				embedded.Shutdown()
			}
		}()
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	err = cmd.RunRelayServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
	rtCancel()
	wg.Wait()
	return err
}

// ============================================================================
// Publish subcommand

// publishMessage publish one message to the relay cluster
func publishMessage(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if err := validator.New().Struct(&cmdArgs.Publish); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish args")
		return err
	}
	if config.NATS.Embedded != nil {
		return fmt.Errorf("publish needs the NATS server of a running relay cluster, not an embedded one")
	}

	ctxt, cancel := context.WithTimeout(
		context.Background(), time.Second*time.Duration(config.NATS.ConnectTimeout),
	)
	defer cancel()

	natsClient, _, err := prepareNATSClient(config.NATS, cancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer natsClient.Close(context.Background())

	var sender *string
	if c.IsSet("sender") {
		sender = &cmdArgs.Publish.Sender
	}
	if err := cmd.PublishToCluster(
		ctxt,
		natsClient,
		config.NATS.SubjectPrefix,
		cmdArgs.Publish.SessionID,
		cmdArgs.Publish.Data,
		sender,
		cmdArgs.Hostname,
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to publish to session %s", cmdArgs.Publish.SessionID,
		)
		return err
	}
	log.WithFields(logTags).Infof("Published to session %s", cmdArgs.Publish.SessionID)
	return nil
}
