/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/spool/model"
	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"

	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
)

// DefaultPlatforms is used for brands that do not list their own platforms.
var DefaultPlatforms = []string{"instagram", "tiktok", "youtube", "facebook", "linkedin", "threads"}

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SPOOL_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SPOOL_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SPOOL_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SPOOL_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SPOOL_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SPOOL_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SPOOL_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SPOOL_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SPOOL_REDIS_SKIP_TLS_VERIFY"`
}

type LockConfig struct {
	Backend    string `json:"backend" envconfig:"SPOOL_LOCK_BACKEND"`
	TTLSeconds int    `json:"ttl_seconds" envconfig:"SPOOL_LOCK_TTL_SECONDS"`
}

type RotationConfig struct {
	MaxRetries     int   `json:"max_retries" envconfig:"SPOOL_ROTATION_MAX_RETRIES"`
	AutoResetCycle *bool `json:"auto_reset_cycle" envconfig:"SPOOL_ROTATION_AUTO_RESET_CYCLE"`
}

type ReconciliationConfig struct {
	StalenessThresholdSeconds int    `json:"staleness_threshold_seconds" envconfig:"SPOOL_RECONCILE_STALENESS_SECONDS"`
	PendingThresholdSeconds   int    `json:"pending_threshold_seconds" envconfig:"SPOOL_RECONCILE_PENDING_SECONDS"`
	BatchSize                 int    `json:"batch_size" envconfig:"SPOOL_RECONCILE_BATCH_SIZE"`
	MaxWorkers                int    `json:"max_workers" envconfig:"SPOOL_RECONCILE_MAX_WORKERS"`
	BrandTimeoutSeconds       int    `json:"brand_timeout_seconds" envconfig:"SPOOL_RECONCILE_BRAND_TIMEOUT_SECONDS"`
	PollIntervalSeconds       int    `json:"poll_interval_seconds" envconfig:"SPOOL_RECONCILE_POLL_INTERVAL_SECONDS"`
	Schedule                  string `json:"schedule" envconfig:"SPOOL_RECONCILE_SCHEDULE"`
}

type QueueConfig struct {
	DispatchQueue  string `json:"dispatch_queue" envconfig:"SPOOL_DISPATCH_QUEUE"`
	ReconcileQueue string `json:"reconcile_queue" envconfig:"SPOOL_RECONCILE_QUEUE"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"SPOOL_WEBHOOK_QUEUE"`
	Concurrency    int    `json:"concurrency" envconfig:"SPOOL_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"SPOOL_MONITORING_PORT"`
}

// ServiceEndpoint points at one of the external asynchronous services.
type ServiceEndpoint struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout returns the request timeout of the endpoint.
func (s ServiceEndpoint) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type ServicesConfig struct {
	Asset  ServiceEndpoint `json:"asset"`
	Export ServiceEndpoint `json:"export"`
	Post   ServiceEndpoint `json:"post"`
}

// BrandConfig is one content channel. Collection partitions the rotation queue,
// the remaining fields are handed to the external services for this brand.
type BrandConfig struct {
	Name             string   `json:"name"`
	Collection       string   `json:"collection"`
	DispatchSchedule string   `json:"dispatch_schedule"`
	Platforms        []string `json:"platforms"`
	AvatarID         string   `json:"avatar_id"`
	VoiceID          string   `json:"voice_id"`
	ExportTemplate   string   `json:"export_template"`
	PostProfileID    string   `json:"post_profile_id"`
	AutoResetCycle   *bool    `json:"auto_reset_cycle"`
}

type ObjectStorageConfig struct {
	Endpoint        string `json:"endpoint" envconfig:"SPOOL_OBJECT_STORAGE_ENDPOINT"`
	Region          string `json:"region" envconfig:"SPOOL_OBJECT_STORAGE_REGION"`
	Bucket          string `json:"bucket" envconfig:"SPOOL_OBJECT_STORAGE_BUCKET"`
	AccessKeyID     string `json:"access_key_id" envconfig:"SPOOL_OBJECT_STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"SPOOL_OBJECT_STORAGE_SECRET_ACCESS_KEY"`
	PublicBaseURL   string `json:"public_base_url" envconfig:"SPOOL_OBJECT_STORAGE_PUBLIC_BASE_URL"`
}

// Enabled reports whether finished assets should be mirrored to object storage.
func (o ObjectStorageConfig) Enabled() bool {
	return o.Bucket != "" && o.AccessKeyID != "" && o.SecretAccessKey != ""
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SPOOL_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SPOOL_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SPOOL_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"SPOOL_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"SPOOL_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName           string               `json:"project_name" envconfig:"SPOOL_PROJECT_NAME"`
	EnableTelemetry       bool                 `json:"enable_telemetry" envconfig:"SPOOL_ENABLE_TELEMETRY"`
	TelemetryKey          string               `json:"telemetry_key" envconfig:"SPOOL_TELEMETRY_KEY"`
	IdempotencyTTLSeconds int                  `json:"idempotency_ttl_seconds" envconfig:"SPOOL_IDEMPOTENCY_TTL_SECONDS"`
	Server                ServerConfig         `json:"server"`
	DataSource            DataSourceConfig     `json:"data_source"`
	Redis                 RedisConfig          `json:"redis"`
	Lock                  LockConfig           `json:"lock"`
	Rotation              RotationConfig       `json:"rotation"`
	Reconciliation        ReconciliationConfig `json:"reconciliation"`
	Queue                 QueueConfig          `json:"queue"`
	Services              ServicesConfig       `json:"services" ignored:"true"`
	Brands                []BrandConfig        `json:"brands" ignored:"true"`
	ObjectStorage         ObjectStorageConfig  `json:"object_storage"`
	Notification          Notification         `json:"notification"`
	RateLimit             RateLimitConfig      `json:"rate_limit"`
}

// LockTTL is how long a cron lock stays valid without a refresh.
func (cnf *Configuration) LockTTL() time.Duration {
	return time.Duration(cnf.Lock.TTLSeconds) * time.Second
}

// StalenessThreshold is the age after which an async-wait item is reconciled.
func (cnf *Configuration) StalenessThreshold() time.Duration {
	return time.Duration(cnf.Reconciliation.StalenessThresholdSeconds) * time.Second
}

// PendingThreshold is the age after which a dequeued item that never started is restarted.
func (cnf *Configuration) PendingThreshold() time.Duration {
	return time.Duration(cnf.Reconciliation.PendingThresholdSeconds) * time.Second
}

// BrandTimeout bounds one brand's share of a reconciliation run.
func (cnf *Configuration) BrandTimeout() time.Duration {
	return time.Duration(cnf.Reconciliation.BrandTimeoutSeconds) * time.Second
}

// ReconcileTimeout bounds a whole reconciliation pass: every brand may use its
// full timeout. It is never shorter than the lock TTL.
func (cnf *Configuration) ReconcileTimeout() time.Duration {
	d := time.Duration(len(cnf.Brands)) * cnf.BrandTimeout()
	if d < cnf.LockTTL() {
		return cnf.LockTTL()
	}
	return d
}

// PollInterval is the ticker period of the long-running reconciler.
func (cnf *Configuration) PollInterval() time.Duration {
	return time.Duration(cnf.Reconciliation.PollIntervalSeconds) * time.Second
}

// IdempotencyTTL is how long a processed callback is remembered.
func (cnf *Configuration) IdempotencyTTL() time.Duration {
	return time.Duration(cnf.IdempotencyTTLSeconds) * time.Second
}

// Brand looks a brand up by its collection or its name.
func (cnf *Configuration) Brand(key string) (BrandConfig, bool) {
	for _, b := range cnf.Brands {
		if b.Collection == key || b.Name == key {
			return b, true
		}
	}
	return BrandConfig{}, false
}

// ShouldAutoReset reports whether an empty queue for the brand starts a new cycle.
func (cnf *Configuration) ShouldAutoReset(b BrandConfig) bool {
	if b.AutoResetCycle != nil {
		return *b.AutoResetCycle
	}
	return cnf.Rotation.AutoResetCycle == nil || *cnf.Rotation.AutoResetCycle
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("spool", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called spool.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Spool"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Lock.Backend = strings.ToLower(strings.TrimSpace(cnf.Lock.Backend))
	switch cnf.Lock.Backend {
	case "":
		cnf.Lock.Backend = LockBackendRedis
	case LockBackendRedis, LockBackendPostgres:
	default:
		return fmt.Errorf("unsupported lock backend %q", cnf.Lock.Backend)
	}
	if cnf.Lock.TTLSeconds <= 0 {
		cnf.Lock.TTLSeconds = 300
	}

	if cnf.Rotation.MaxRetries <= 0 {
		cnf.Rotation.MaxRetries = 3
	}

	r := &cnf.Reconciliation
	if r.StalenessThresholdSeconds <= 0 {
		r.StalenessThresholdSeconds = 1800
	}
	if r.PendingThresholdSeconds <= 0 {
		r.PendingThresholdSeconds = 300
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 50
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 10
	}
	if r.BrandTimeoutSeconds <= 0 {
		r.BrandTimeoutSeconds = 45
	}
	// The reconcile lock is refreshed between items and brands once a third of
	// its TTL has passed, so one brand must fit in the remaining two thirds.
	if r.BrandTimeoutSeconds*2 > cnf.Lock.TTLSeconds {
		return fmt.Errorf("reconciliation brand timeout (%ds) must be at most half the lock ttl (%ds)", r.BrandTimeoutSeconds, cnf.Lock.TTLSeconds)
	}
	if r.PollIntervalSeconds <= 0 {
		r.PollIntervalSeconds = 300
	}
	if r.Schedule == "" {
		r.Schedule = "*/10 * * * *"
	}

	q := &cnf.Queue
	if q.DispatchQueue == "" {
		q.DispatchQueue = "spool_dispatch"
	}
	if q.ReconcileQueue == "" {
		q.ReconcileQueue = "spool_reconcile"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "spool_webhooks"
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5005"
	}

	for _, s := range []*ServiceEndpoint{&cnf.Services.Asset, &cnf.Services.Export, &cnf.Services.Post} {
		s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
		if s.TimeoutSeconds <= 0 {
			s.TimeoutSeconds = 30
		}
	}

	if len(cnf.Brands) == 0 {
		log.Println("Warning: No brands configured. Setting a default brand.")
		cnf.Brands = []BrandConfig{{Name: "default"}}
	}
	seen := make(map[string]bool)
	for i := range cnf.Brands {
		b := &cnf.Brands[i]
		b.Name = strings.TrimSpace(b.Name)
		if b.Name == "" {
			return fmt.Errorf("brand at index %d has no name", i)
		}
		if b.Collection == "" {
			b.Collection = model.CollectionFor(b.Name)
		}
		if seen[b.Collection] {
			return fmt.Errorf("collection %s is configured more than once", b.Collection)
		}
		seen[b.Collection] = true
		if len(b.Platforms) == 0 {
			b.Platforms = append([]string(nil), DefaultPlatforms...)
		}
		if b.DispatchSchedule == "" {
			b.DispatchSchedule = "0 */4 * * *"
		}
	}

	if cnf.IdempotencyTTLSeconds <= 0 {
		cnf.IdempotencyTTLSeconds = 86400
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes. Defaults are applied
// on top of whatever the caller filled in.
func MockConfig(mockConfig *Configuration) *Configuration {
	if mockConfig.DataSource.Dns == "" {
		mockConfig.DataSource.Dns = "memory://"
	}
	if mockConfig.Redis.Dns == "" {
		mockConfig.Redis.Dns = "localhost:6379"
	}
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
	return mockConfig
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
