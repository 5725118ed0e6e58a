package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/hotelier/core/kss"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password for the Postgres DB, if not part of the connection string"`
	Schema           string `env:"SCHEMA,default=hotelier" description:"the database schema"`

	Port      int    `env:"PORT,default=3000" description:"the port to listen on"`
	PublicURL string `env:"PUBLIC_URL,default=http://localhost:3000" description:"the URL the service is reachable at, used for signed file URLs"`
	LogLevel  string `env:"LOG_LEVEL,default=info" description:"trace, debug, info, warn or error"`
	// CORSOrigin is the allowed origin for browser clients
	CORSOrigin string `env:"CORS_ORIGIN,default=*"`

	JWTSecret     string        `env:"JWT_SECRET" description:"the secret to sign session tokens with, required for serve"`
	TokenValidity time.Duration `env:"TOKEN_VALIDITY,default=12h" description:"validity of session tokens"`
	BackdoorToken string        `env:"BACKDOOR_TOKEN" description:"a bearer token with admin rights, for development only"`
	AdminEmail    string        `env:"ADMIN_EMAIL" description:"an admin account created at startup if missing"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`

	KSSDriver    string `env:"KSS_DRIVER" description:"Local, AWSS3 or empty for no file storage"`
	KSSLocalPath string `env:"KSS_LOCAL_PATH,default=./data" description:"base path of the Local driver"`
	AWSRegion    string `env:"AWS_REGION"`
	AWSBucket    string `env:"AWS_BUCKET"`
	AWSAccessID  string `env:"AWS_ACCESS_ID"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY"`
	AWSKeyPrefix string `env:"AWS_KEY_PREFIX"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated list of brokers, enables event publishing"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=hotel_events"`
	RedisURL     string `env:"REDIS_URL" description:"redis://... enables the dashboard cache and realtime fan-out between instances"`

	SettingsFile    string        `env:"SETTINGS_FILE" description:"a YAML file with hotel settings, imported at startup"`
	JobsHeartbeat   time.Duration `env:"JOBS_HEARTBEAT,default=1m"`
	JobsConcurrency int           `env:"JOBS_CONCURRENCY,default=5"`
}

func loadService() (*Service, error) {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}
	return service, nil
}

func (s *Service) publicURL() (*url.URL, error) {
	u, err := url.Parse(s.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("invalid PUBLIC_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid PUBLIC_URL '%s': scheme must be http or https", s.PublicURL)
	}
	return u, nil
}

func (s *Service) kssConfiguration() kss.Configuration {
	config := kss.Configuration{DriverType: kss.DriverType(s.KSSDriver)}
	switch config.DriverType {
	case kss.DriverTypeLocal:
		config.LocalConfiguration = &kss.LocalConfiguration{BasePath: s.KSSLocalPath}
	case kss.DriverTypeAWSS3:
		config.S3Configuration = &kss.S3Configuration{
			AWSBucketName: s.AWSBucket,
			AWSRegion:     s.AWSRegion,
			AccessID:      s.AWSAccessID,
			AccessKey:     s.AWSAccessKey,
			KeyPrefix:     s.AWSKeyPrefix,
		}
	}
	return config
}

func (s *Service) kafkaBrokers() []string {
	var brokers []string
	for _, broker := range strings.Split(s.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// redisOptions returns nil without REDIS_URL
func (s *Service) redisOptions() (*redis.Options, error) {
	if s.RedisURL == "" {
		return nil, nil
	}
	options, err := redis.ParseURL(s.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return options, nil
}
