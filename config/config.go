package config

import (
	"fmt"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"etl"`
	Env                           string   `env:"ENV" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Run history database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Run history database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Run history database port
	DatabasePort int `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"etl"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Warehouse (DuckDB) file path, empty for in-memory
	WarehousePath string `env:"WAREHOUSE_PATH" env-default:"data/warehouse.duckdb"`
	// Schema holding staging tables
	WarehouseStagingSchema string `env:"WAREHOUSE_STAGING_SCHEMA" env-default:"staging"`
	// Rows per insert statement when appending to the warehouse
	WarehouseInsertBatchSize int `env:"WAREHOUSE_INSERT_BATCH_SIZE" env-default:"500"`

	// Mongo connection string
	MongoURI string `env:"MONGODB_URI" env-default:"mongodb://localhost:27017"`
	// Mongo staging database
	MongoStagingDB string `env:"MONGODB_STAGING_DB" env-default:"staging"`
	// Mongo caching database
	MongoCachingDB string `env:"MONGODB_CACHING_DB" env-default:"caching"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis DB
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Stream holding queued stage runs
	StageJobStream string `env:"REDIS_STREAMS_STAGE_QUEUE" env-default:"etl:stage-runs"`
	// Consumer group for stage run workers
	StageJobConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"etl-workers"`
	// Consumer name, defaults to the hostname
	StageJobConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	// Worker count
	StageJobWorkers int `env:"STAGE_JOB_WORKERS" env-default:"2"`
	// Attempts before a stage job is dead-lettered
	StageJobMaxRetries int `env:"STAGE_JOB_MAX_RETRIES" env-default:"2"`

	// Kafka brokers, comma separated. Empty disables run events
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Topic for stage lifecycle events
	KafkaRunEventsTopic string `env:"KAFKA_RUN_EVENTS_TOPIC" env-default:"etl.stage-runs"`

	// MinIO / S3 endpoint
	ObjectStoreEndpoint string `env:"OBJECT_STORE_ENDPOINT" env-default:"localhost:9000"`
	// Access key
	ObjectStoreAccessKey string `env:"OBJECT_STORE_ACCESS_KEY" env-default:""`
	// Secret key
	ObjectStoreSecretKey string `env:"OBJECT_STORE_SECRET_KEY" env-default:""`
	// Use TLS
	ObjectStoreUseSSL bool `env:"OBJECT_STORE_USE_SSL" env-default:"false"`
	// Bucket for raw page archives
	ObjectStoreArchiveBucket string `env:"OBJECT_STORE_ARCHIVE_BUCKET" env-default:"etl-raw"`
	// Archive raw API pages
	ArchiveRawPages bool `env:"ARCHIVE_RAW_PAGES" env-default:"false"`

	// OIDC issuer, empty disables API authentication
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// OIDC client id
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`

	// OTLP
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
	// key=value pairs sent with every export
	OTLPHeaders []string      `env:"OTLP_HEADERS" env-default:""`
	OTLPTimeout time.Duration `env:"OTLP_TIMEOUT" env-default:"10s"`

	// Pipelines definition file
	PipelinesFile string `env:"PIPELINES_FILE" env-default:"pipelines.yaml"`
	// Warehouse timezone
	Timezone string `env:"DWH_TIMEZONE" env-default:"Asia/Ho_Chi_Minh"`

	// Eshop
	EshopURL       string `env:"ESHOP_URL" env-default:"https://graphapi.mshopkeeper.vn"`
	EshopAppID     string `env:"ESHOP_APP_ID" env-default:""`
	EshopDomain    string `env:"ESHOP_DOMAIN" env-default:""`
	EshopSecretKey string `env:"ESHOP_SECRET_KEY" env-default:""`

	// AMIS open API
	AmisURL            string `env:"AMIS_URL" env-default:"https://actapp.misa.vn"`
	AmisAppID          string `env:"AMIS_APP_ID" env-default:""`
	AmisAccessCode     string `env:"AMIS_ACCESS_CODE" env-default:""`
	AmisOrgCompanyCode string `env:"AMIS_ORG_COMPANY_CODE" env-default:""`

	// AMIS web
	AmisWebURL          string `env:"AMIS_WEB_URL" env-default:"https://actapp.misa.vn"`
	AmisWebLoginPayload string `env:"AMIS_WEB_LOGIN_PAYLOAD" env-default:"{}"`
	AmisWebLoginHeaders string `env:"AMIS_WEB_LOGIN_HEADERS" env-default:"{}"`
	AmisWebBranchID     string `env:"AMIS_WEB_BRANCH_ID" env-default:""`

	// Google service account file for Sheets
	GoogleCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS" env-default:""`
	// TTC facebook leads spreadsheet
	TTCFacebookSpreadsheetID string `env:"TTC_FACEBOOK_SPREADSHEET_ID" env-default:""`
	// TTC survey spreadsheet
	TTCSurveySpreadsheetID string `env:"TTC_SURVEY_SPREADSHEET_ID" env-default:""`

	// Lark
	LarkURL          string `env:"LARK_URL" env-default:"https://open.larksuite.com"`
	LarkAppID        string `env:"LARK_APP_ID" env-default:""`
	LarkAppSecret    string `env:"LARK_APP_SECRET" env-default:""`
	LarkAlertGroupID string `env:"LARK_ALERT_GROUP_ID" env-default:""`
	// Discord webhook
	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL" env-default:""`
}

// Load reads .env files when present and binds the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// missing .env files are fine, the environment may already be populated
		_ = godotenv.Load(f)
	}

	cfg := &Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}
	return cfg, nil
}

// Location returns the warehouse timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
