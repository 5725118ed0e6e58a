//go:build integration

// Package test runs the hotel domain against containerized Postgres, Redis and
// Kafka. Run with go test -tags integration ./test/...
package test

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/client"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/registry"
	"github.com/relabs-tech/hotelier/hotel/billing"
	"github.com/relabs-tech/hotelier/hotel/dashboard"
	"github.com/relabs-tech/hotelier/hotel/guest"
	"github.com/relabs-tech/hotelier/hotel/inventory"
	"github.com/relabs-tech/hotelier/hotel/loyalty"
	"github.com/relabs-tech/hotelier/hotel/order"
	"github.com/relabs-tech/hotelier/hotel/realtime"
	"github.com/relabs-tech/hotelier/hotel/schemas"
	"github.com/relabs-tech/hotelier/hotel/settings"
	"github.com/relabs-tech/hotelier/hotel/supplier"
)

// IntegrationTestSuite wires the whole domain on a fresh database
type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	redisContainer    testcontainers.Container
	zookeeper         testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db        *csql.DB
	redis     *redis.Client
	router    *mux.Router
	publisher *jobs.KafkaPublisher
	queue     *jobs.Queue
	settings  *settings.Store
	hub       *realtime.Hub
	inventory *inventory.API
	suppliers *supplier.API
	orders    *order.API
	requests  *guest.API
	loyalty   *loyalty.API
	billing   *billing.API
	dashboard *dashboard.Dashboard
}

// staff returns a context authorized as a manager
func (s *IntegrationTestSuite) staff() context.Context {
	auth := &access.Authorization{Identity: "manager@hotel.example", Roles: []string{access.RoleManager}}
	return auth.ContextWithAuthorization(context.Background())
}

// client returns an in-process client with the given role
func (s *IntegrationTestSuite) client(role string) client.Client {
	return client.NewWithRouter(s.router).WithRole(role)
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := fmt.Sprintf("hotelier-test-network_%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser, postgresPassword, postgresDB := "testuser", "testpass", "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:   []string{networkName},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			Networks:     []string{networkName},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.redisContainer = redisC
	redisHost, err := redisC.Host(ctx)
	s.Require().NoError(err)
	redisPort, err := redisC.MappedPort(ctx, "6379")
	s.Require().NoError(err)

	s.zookeeper, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,INTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,INTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,INTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "INTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(jobs.DefaultTopic, 3))

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "hotelier")
	s.redis = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	s.buildDomain(ctx)
}

func (s *IntegrationTestSuite) buildDomain(ctx context.Context) {
	validator, err := schemas.NewValidator()
	s.Require().NoError(err)
	reg := registry.New(s.db)
	s.settings = settings.NewStore(reg)
	s.publisher = jobs.NewKafkaPublisher([]string{s.kafkaAddr}, jobs.DefaultTopic)
	s.queue = jobs.New(&jobs.Builder{DB: s.db, Publisher: s.publisher})
	s.hub = realtime.NewHub(&realtime.Builder{Redis: s.redis})

	s.inventory, err = inventory.New(ctx, &inventory.Builder{
		DB: s.db, Validator: validator, Queue: s.queue, Settings: s.settings, Registry: reg, Notifier: s.hub,
	})
	s.Require().NoError(err)
	s.suppliers, err = supplier.New(ctx, &supplier.Builder{
		DB: s.db, Validator: validator, Queue: s.queue, Inventory: s.inventory,
	})
	s.Require().NoError(err)
	s.orders, err = order.New(ctx, &order.Builder{
		DB: s.db, Validator: validator, Queue: s.queue, Settings: s.settings, Inventory: s.inventory, Suppliers: s.suppliers,
	})
	s.Require().NoError(err)
	s.requests, err = guest.New(ctx, &guest.Builder{
		DB: s.db, Validator: validator, Queue: s.queue, Inventory: s.inventory,
	})
	s.Require().NoError(err)
	s.loyalty, err = loyalty.New(ctx, &loyalty.Builder{
		DB: s.db, Validator: validator, Queue: s.queue, Settings: s.settings,
	})
	s.Require().NoError(err)
	s.billing, err = billing.New(ctx, &billing.Builder{
		DB: s.db, Validator: validator, Queue: s.queue, Settings: s.settings, Loyalty: s.loyalty,
	})
	s.Require().NoError(err)
	s.dashboard = dashboard.New(&dashboard.Builder{
		Inventory: s.inventory,
		Orders:    s.orders,
		Requests:  s.requests,
		Loyalty:   s.loyalty,
		Billing:   s.billing,
		Redis:     s.redis,
		TTL:       time.Minute,
	})
	s.hub.Subscribe(s.queue)

	s.router = mux.NewRouter()
	s.inventory.HandleRoutes(s.router)
	s.suppliers.HandleRoutes(s.router)
	s.orders.HandleRoutes(s.router)
	s.requests.HandleRoutes(s.router)
	s.loyalty.HandleRoutes(s.router)
	s.billing.HandleRoutes(s.router)
	s.dashboard.HandleRoutes(s.router)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.queue != nil {
		s.queue.Close()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeper, s.redisContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}
