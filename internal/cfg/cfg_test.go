package cfg

import (
	"flag"
	"slices"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		PushTransport:         PushLog,
		NATSSubjectPrefix:     "warden.alerts",
		KafkaTopic:            "warden.events",
		KafkaGroupID:          "warden",
		MQTTTopic:             "warden/events/#",
		MQTTQoS:               1,
		RetentionInterval:     time.Hour,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.PushTransport != PushLog {
		t.Errorf("PushTransport = %q, want %q", c.PushTransport, PushLog)
	}
	if c.NATSSubjectPrefix != "warden.alerts" {
		t.Errorf("NATSSubjectPrefix = %q", c.NATSSubjectPrefix)
	}
	if c.Retention != 30*24*time.Hour || c.RetentionInterval != time.Hour {
		t.Errorf("Retention = %s, RetentionInterval = %s", c.Retention, c.RetentionInterval)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-http-port", "9090",
		"-api-token", "s3cret",
		"-push-transport", "fcm",
		"-fcm-project-id", "warden-prod",
		"-kafka-brokers", "k1:9092, k2:9092,",
		"-mqtt-qos", "2",
		"-retention", "720h",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.APIToken != "s3cret" {
		t.Errorf("APIToken = %q", c.APIToken)
	}
	if c.PushTransport != PushFCM || c.FCMProjectID != "warden-prod" {
		t.Errorf("push = %q project = %q", c.PushTransport, c.FCMProjectID)
	}
	if got := c.KafkaBrokerList(); !slices.Equal(got, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("KafkaBrokerList = %v", got)
	}
	if c.MQTTQoS != 2 {
		t.Errorf("MQTTQoS = %d", c.MQTTQoS)
	}
	if c.Retention != 720*time.Hour {
		t.Errorf("Retention = %s", c.Retention)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid base", func(*Config) {}, ""},
		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, "DRAIN_SECONDS"},
		{"drain too large", func(c *Config) { c.DrainSeconds = 301 }, "DRAIN_SECONDS"},
		{"budget not above drain", func(c *Config) { c.ShutdownBudgetSeconds = 60 }, "must be greater than DRAIN_SECONDS"},
		{"port zero", func(c *Config) { c.APIPort = 0 }, "HTTP_PORT"},
		{"port too large", func(c *Config) { c.APIPort = 65536 }, "HTTP_PORT"},
		{"negative redis db", func(c *Config) { c.RedisDB = -1 }, "REDIS_DB"},
		{"unknown push transport", func(c *Config) { c.PushTransport = "sms" }, "PUSH_TRANSPORT"},
		{"webhook without url", func(c *Config) { c.PushTransport = PushWebhook }, "PUSH_WEBHOOK_URL is required"},
		{"webhook bad url", func(c *Config) {
			c.PushTransport = PushWebhook
			c.PushWebhookURL = "ftp://gw"
		}, "PUSH_WEBHOOK_URL"},
		{"webhook valid", func(c *Config) {
			c.PushTransport = PushWebhook
			c.PushWebhookURL = "https://push.example.com/send"
		}, ""},
		{"fcm without project", func(c *Config) { c.PushTransport = PushFCM }, "FCM_PROJECT_ID"},
		{"slack relative url", func(c *Config) { c.SlackWebhookURL = "/hooks/x" }, "SLACK_WEBHOOK_URL"},
		{"dashboard bad url", func(c *Config) { c.DashboardURL = "dashboard" }, "DASHBOARD_URL"},
		{"nats without prefix", func(c *Config) {
			c.NATSURL = "nats://n:4222"
			c.NATSSubjectPrefix = " "
		}, "NATS_SUBJECT_PREFIX"},
		{"kafka without topic", func(c *Config) {
			c.KafkaBrokers = "k:9092"
			c.KafkaTopic = ""
		}, "KAFKA_TOPIC"},
		{"kafka without group", func(c *Config) {
			c.KafkaBrokers = "k:9092"
			c.KafkaGroupID = ""
		}, "KAFKA_GROUP_ID"},
		{"mqtt without topic", func(c *Config) {
			c.MQTTBroker = "tcp://m:1883"
			c.MQTTTopic = ""
		}, "MQTT_TOPIC"},
		{"mqtt qos out of range", func(c *Config) { c.MQTTQoS = 3 }, "MQTT_QOS"},
		{"negative retention", func(c *Config) { c.Retention = -time.Hour }, "RETENTION"},
		{"retention interval too short", func(c *Config) {
			c.Retention = 24 * time.Hour
			c.RetentionInterval = time.Second
		}, "RETENTION_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.APIPort = 0
	c.PushTransport = "pager"
	c.MQTTQoS = 9
	err := c.Validate()
	if err == nil {
		t.Fatal("Validate accepted invalid config")
	}
	for _, want := range []string{"HTTP_PORT", "PUSH_TRANSPORT", "MQTT_QOS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestFeedOriginList(t *testing.T) {
	t.Parallel()

	c := Config{FeedOrigins: "https://a.example.com,,https://b.example.com "}
	if got := c.FeedOriginList(); !slices.Equal(got, []string{"https://a.example.com", "https://b.example.com"}) {
		t.Errorf("FeedOriginList = %v", got)
	}
	if got := (&Config{}).FeedOriginList(); got != nil {
		t.Errorf("empty FeedOriginList = %v", got)
	}
}
