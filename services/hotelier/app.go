package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/csql"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/kss"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/registry"
	"github.com/relabs-tech/hotelier/core/schema"
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

// app is the wired domain. Building it installs every job handler, so both
// the server and one-shot job processing build the full app.
type app struct {
	db        *csql.DB
	registry  registry.Registry
	settings  *settings.Store
	queue     *jobs.Queue
	kafka     *jobs.KafkaPublisher
	kss       kss.Driver
	redis     *redis.Client
	hub       *realtime.Hub
	inventory *inventory.API
	suppliers *supplier.API
	orders    *order.API
	requests  *guest.API
	loyalty   *loyalty.API
	billing   *billing.API
	dashboard *dashboard.Dashboard
}

// newApp opens the database and builds the domain. Routes of the local file
// storage driver are registered on router.
func newApp(ctx context.Context, service *Service, router *mux.Router) (*app, error) {
	publicURL, err := service.publicURL()
	if err != nil {
		return nil, err
	}

	a := &app{}
	a.db = csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	a.registry = registry.New(a.db)
	a.settings = settings.NewStore(a.registry)
	if service.SettingsFile != "" {
		if err := importSettings(ctx, a.settings, service.SettingsFile); err != nil {
			a.close()
			return nil, err
		}
	}

	validator, err := schemas.NewValidator()
	if err != nil {
		a.close()
		return nil, err
	}

	var publisher jobs.Publisher
	if brokers := service.kafkaBrokers(); len(brokers) > 0 {
		a.kafka = jobs.NewKafkaPublisher(brokers, service.KafkaTopic)
		publisher = a.kafka
	}
	a.queue = jobs.New(&jobs.Builder{
		DB:          a.db,
		Concurrency: service.JobsConcurrency,
		Publisher:   publisher,
	})

	if a.kss, err = kss.New(router, service.kssConfiguration(), *publicURL); err != nil {
		a.close()
		return nil, err
	}

	redisOptions, err := service.redisOptions()
	if err != nil {
		a.close()
		return nil, err
	}
	if redisOptions != nil {
		a.redis = redis.NewClient(redisOptions)
	}
	a.hub = realtime.NewHub(&realtime.Builder{Redis: a.redis})

	if err := a.build(ctx, validator); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, validator *schema.Validator) (err error) {
	a.inventory, err = inventory.New(ctx, &inventory.Builder{
		DB:        a.db,
		Validator: validator,
		Queue:     a.queue,
		Settings:  a.settings,
		Registry:  a.registry,
		Notifier:  a.hub,
	})
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	a.suppliers, err = supplier.New(ctx, &supplier.Builder{
		DB:        a.db,
		Validator: validator,
		Queue:     a.queue,
		Inventory: a.inventory,
	})
	if err != nil {
		return fmt.Errorf("supplier: %w", err)
	}
	a.orders, err = order.New(ctx, &order.Builder{
		DB:        a.db,
		Validator: validator,
		Queue:     a.queue,
		Settings:  a.settings,
		Inventory: a.inventory,
		Suppliers: a.suppliers,
	})
	if err != nil {
		return fmt.Errorf("order: %w", err)
	}
	a.requests, err = guest.New(ctx, &guest.Builder{
		DB:        a.db,
		Validator: validator,
		Queue:     a.queue,
		Inventory: a.inventory,
		KSS:       a.kss,
	})
	if err != nil {
		return fmt.Errorf("guest: %w", err)
	}
	a.loyalty, err = loyalty.New(ctx, &loyalty.Builder{
		DB:        a.db,
		Validator: validator,
		Queue:     a.queue,
		Settings:  a.settings,
	})
	if err != nil {
		return fmt.Errorf("loyalty: %w", err)
	}
	a.billing, err = billing.New(ctx, &billing.Builder{
		DB:        a.db,
		Validator: validator,
		Queue:     a.queue,
		Settings:  a.settings,
		Loyalty:   a.loyalty,
		KSS:       a.kss,
	})
	if err != nil {
		return fmt.Errorf("billing: %w", err)
	}

	a.dashboard = dashboard.New(&dashboard.Builder{
		Inventory: a.inventory,
		Orders:    a.orders,
		Requests:  a.requests,
		Loyalty:   a.loyalty,
		Billing:   a.billing,
		Redis:     a.redis,
	})

	// the hub pushes every stored change, and every change outdates the dashboard
	a.hub.Subscribe(a.queue)
	a.hub.Observe(func(ctx context.Context, m realtime.Message) {
		if m.Type == realtime.TypeDashboardRefresh {
			return
		}
		a.dashboard.Invalidate(ctx)
		a.hub.Notify("dashboard", core.OperationUpdate, nil)
	})
	return nil
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			logger.Default().WithError(err).Errorln("cannot close kafka publisher")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func importSettings(ctx context.Context, store *settings.Store, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open settings: %w", err)
	}
	defer file.Close()
	s, err := store.ImportYAML(ctx, file)
	if err != nil {
		return fmt.Errorf("cannot import settings from %s: %w", path, err)
	}
	logger.Default().Infof("imported settings of %s from %s", s.HotelName, path)
	return nil
}
