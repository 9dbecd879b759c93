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

package common

import "github.com/spf13/viper"

// ============================================================================
// NATS

// NATSReconnectConfig NATS reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// EmbeddedNATSConfig parameters for running a NATS server inside the relay process
type EmbeddedNATSConfig struct {
	// ListenOn is the interface the embedded NATS server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the embedded NATS server will listen on. -1 picks a random port.
	Port int `mapstructure:"listen_port" json:"listen_port" validate:"gte=-1,lt=65536"`
}

// NATSConfig NATS client configuration
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the subject prefix session messages are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,excludesall=*>"`
	// Embedded if set, start a NATS server within the process and connect to it
	Embedded *EmbeddedNATSConfig `mapstructure:"embedded,omitempty" json:"embedded,omitempty" validate:"omitempty,dive"`
}

// ============================================================================
// HTTP

// HTTPServerConfig HTTP server configuration
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Long lived subscription streams are not bound by this.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging HTTP request logging configuration
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig HTTP related configuration
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ============================================================================
// Relay

// RelayEndpointConfig relay API endpoint configuration
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ConnectionConfig subscriber connection parameters
type ConnectionConfig struct {
	// SendBuffer is the number of outbound events queued per connection before
	// new events are dropped
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one event to a connection in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between websocket pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeout is how long to wait for a websocket pong in seconds before
	// considering the connection dead. Must be longer than PingInterval.
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtfield=PingInterval"`
	// MaxMessageSize is the max size of a message read from a websocket connection
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
	// KeepAliveInterval is the interval between SSE keep-alive comments in seconds
	KeepAliveInterval int `mapstructure:"sse_keep_alive_sec" json:"sse_keep_alive_sec" validate:"gte=1"`
	// AllowedOrigins is the list of origins permitted to open websocket connections.
	// Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// RegistryConfig channel registry configuration
type RegistryConfig struct {
	// Shards is the number of registry event loops. Sessions are spread across them.
	Shards int `mapstructure:"shards" json:"shards" validate:"gte=1"`
	// TaskBuffer is the queue depth of each registry event loop
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
}

// Supported relay transport modes
const (
	// TransportModeLocal fan-out within this process only
	TransportModeLocal = "local"
	// TransportModeNATS fan-out across all relay nodes through NATS
	TransportModeNATS = "nats"
)

// RelayServerConfig relay server configuration
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Connection is the subscriber connection parameters
	Connection ConnectionConfig `mapstructure:"connection" json:"connection" validate:"required,dive"`
	// Registry is the channel registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// TransportMode selects how published messages reach subscribers
	TransportMode string `mapstructure:"transport_mode" json:"transport_mode" validate:"required,oneof=local nats"`
}

// ============================================================================

// SystemConfig system configuration
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "relay.session")

	// Default relay server settings
	viper.SetDefault("relay.transport_mode", TransportModeLocal)
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Relay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("relay.connection.send_buffer", 64)
	viper.SetDefault("relay.connection.write_timeout_sec", 10)
	viper.SetDefault("relay.connection.ping_interval_sec", 30)
	viper.SetDefault("relay.connection.pong_timeout_sec", 60)
	viper.SetDefault("relay.connection.max_message_bytes", 4096)
	viper.SetDefault("relay.connection.sse_keep_alive_sec", 15)
	viper.SetDefault("relay.connection.allowed_origins", []string{})
	viper.SetDefault("relay.registry.shards", 1)
	viper.SetDefault("relay.registry.task_buffer", 256)
}
