package context

import "errors"

// CTXKey - a type for context keys
type CTXKey string

const (
	// DatastoreCTXKey - the context key for getting the datastore
	DatastoreCTXKey CTXKey = "datastore"
	// EnvironmentCTXKey - the key used for the service environment
	EnvironmentCTXKey CTXKey = "environment"
	// DebugLoggingCTXKey - context key for debug logging
	DebugLoggingCTXKey CTXKey = "debug_logging"
	// LogLevelCTXKey - context key for the log level
	LogLevelCTXKey CTXKey = "log_level"
	// LogWriterCTXKey - context key overriding the log writer
	LogWriterCTXKey CTXKey = "log_writer"
	// LoggerCTXKey - context key for the zerolog logger
	LoggerCTXKey CTXKey = "logger"
	// KafkaBrokersCTXKey - context key for the kafka broker list
	KafkaBrokersCTXKey CTXKey = "kafka_brokers"
	// SiraServerCTXKey - the context key for getting the sira oracle server
	SiraServerCTXKey CTXKey = "sira_server"
	// SiraTokenCTXKey - the context key for the sira oracle access token
	SiraTokenCTXKey CTXKey = "sira_access_token"
	// OperatorCTXKey - context key for the authenticated operator id
	OperatorCTXKey CTXKey = "operator"
	// OperatorRolesCTXKey - context key for the operator role claims
	OperatorRolesCTXKey CTXKey = "operator_roles"
	// DefaultTreasuryCTXKey - context key for the default treasury account
	DefaultTreasuryCTXKey CTXKey = "default_treasury"
	// RedisURLCTXKey - context key for the session store address
	RedisURLCTXKey CTXKey = "redis_url"
	// VersionCTXKey - context key for the binary version
	VersionCTXKey CTXKey = "version"
	// CommitCTXKey - context key for the build commit
	CommitCTXKey CTXKey = "commit"
	// BuildTimeCTXKey - context key for the build time
	BuildTimeCTXKey CTXKey = "build_time"
)

var (
	// ErrNotInContext - error you get when you ask for something not in the context.
	ErrNotInContext = errors.New("failed to get value, not in context")
	// ErrValueWrongType - error you get when you ask for something and it is not the type you expected
	ErrValueWrongType = errors.New("failed to get value, wrong type")
)
