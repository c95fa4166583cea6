// Package cfg holds the server's own configuration. Library packages
// (dispatch, incident, go-core) register their flags separately.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Push transports.
const (
	PushLog     = "log"
	PushWebhook = "webhook"
	PushFCM     = "fcm"
)

// Config follows the cfg.Registerable and cfg.Validatable conventions of
// go-core.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	EnvFile               string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PushTransport      string
	FCMCredentialsFile string
	FCMProjectID       string
	PushWebhookURL     string
	PushWebhookToken   string

	SlackWebhookURL string
	DashboardURL    string

	NATSURL           string
	NATSSubjectPrefix string

	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTQoS      int

	FeedOrigins string

	Retention         time.Duration
	RetentionInterval time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on operator and token endpoints (empty = open)")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before reading WARDEN_ environment variables")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory alert store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the device token registry (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	fs.StringVar(&c.PushTransport, "push-transport", PushLog, "push delivery transport: log, webhook or fcm")
	fs.StringVar(&c.FCMCredentialsFile, "fcm-credentials-file", "", "service account JSON for FCM (empty = application default credentials)")
	fs.StringVar(&c.FCMProjectID, "fcm-project-id", "", "Firebase project id")
	fs.StringVar(&c.PushWebhookURL, "push-webhook-url", "", "push gateway URL for the webhook transport")
	fs.StringVar(&c.PushWebhookToken, "push-webhook-token", "", "bearer token sent to the push gateway")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for operator escalations")
	fs.StringVar(&c.DashboardURL, "dashboard-url", "", "dashboard base URL linked from Slack messages")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for lifecycle change publication (empty = disabled)")
	fs.StringVar(&c.NATSSubjectPrefix, "nats-subject-prefix", "warden.alerts", "NATS subject prefix; the alert status is appended")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for event intake (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "warden.events", "Kafka topic carrying detection events")
	fs.StringVar(&c.KafkaGroupID, "kafka-group-id", "warden", "Kafka consumer group")

	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for event intake, e.g. tcp://host:1883 (empty = disabled)")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", "warden/events/#", "MQTT topic filter carrying detection events")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "warden", "MQTT client id")
	fs.IntVar(&c.MQTTQoS, "mqtt-qos", 1, "MQTT subscription QoS (0..2)")

	fs.StringVar(&c.FeedOrigins, "feed-origins", "", "comma-separated origins allowed to open the websocket feed (empty = same origin)")

	fs.DurationVar(&c.Retention, "retention", 30*24*time.Hour, "delete resolved alerts older than this (0 = keep forever)")
	fs.DurationVar(&c.RetentionInterval, "retention-interval", time.Hour, "how often the retention sweep runs")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d", c.RedisDB))
	}

	switch c.PushTransport {
	case PushLog:
	case PushWebhook:
		if err := checkURL("PUSH_WEBHOOK_URL", c.PushWebhookURL, true); err != nil {
			errs = append(errs, err)
		}
	case PushFCM:
		if c.FCMProjectID == "" {
			errs = append(errs, errors.New("FCM_PROJECT_ID is required with PUSH_TRANSPORT=fcm"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid PUSH_TRANSPORT %q (must be log, webhook or fcm)", c.PushTransport))
	}

	if err := checkURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL, false); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("DASHBOARD_URL", c.DashboardURL, false); err != nil {
		errs = append(errs, err)
	}

	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubjectPrefix) == "" {
		errs = append(errs, errors.New("NATS_SUBJECT_PREFIX is required when NATS_URL is set"))
	}
	if len(c.KafkaBrokerList()) > 0 {
		if c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
		}
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("KAFKA_GROUP_ID is required when KAFKA_BROKERS is set"))
		}
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT_TOPIC is required when MQTT_BROKER is set"))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT_QOS %d (must be 0..2)", c.MQTTQoS))
	}

	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("RETENTION %s must not be negative", c.Retention))
	}
	if c.Retention > 0 && c.RetentionInterval < time.Minute {
		errs = append(errs, fmt.Errorf("RETENTION_INTERVAL %s must be at least 1m", c.RetentionInterval))
	}

	return errors.Join(errs...)
}

// KafkaBrokerList splits KafkaBrokers, dropping empty entries.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// FeedOriginList splits FeedOrigins, dropping empty entries.
func (c *Config) FeedOriginList() []string {
	return splitList(c.FeedOrigins)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func checkURL(name, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q (must be an absolute http(s) URL)", name, raw)
	}
	return nil
}
