package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/jobs"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/metrics"
	"github.com/relabs-tech/hotelier/web/views"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API, the admin pages and realtime updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := loadService()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, service)
	},
}

func serve(ctx context.Context, service *Service) error {
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()
	if service.JWTSecret == "" {
		return errors.New("JWT_SECRET is required to serve")
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(metrics.InstrumentHandler)

	a, err := newApp(ctx, service, router)
	if err != nil {
		return err
	}
	defer a.close()

	accounts, err := access.NewAccounts(ctx, a.db)
	if err != nil {
		return err
	}
	if service.AdminEmail != "" {
		err := accounts.EnsureAccounts(ctx, access.NewAccount{
			Email:    service.AdminEmail,
			Name:     "Administrator",
			Password: service.AdminPassword,
			Roles:    []string{access.RoleAdmin},
		})
		if err != nil {
			return fmt.Errorf("cannot create admin account: %w", err)
		}
	}

	if service.BackdoorToken != "" {
		rlog.Warnln("backdoor token enabled, do not use in production")
		router.Use(access.NewBackdoorMiddleware(&access.BackdoorMiddlewareBuilder{
			Backdoors: map[string]access.Authorization{
				service.BackdoorToken: {Identity: "backdoor", Roles: []string{access.RoleAdmin}},
			},
		}))
	}
	issuer := access.NewTokenIssuer(service.JWTSecret, "hotelier", service.TokenValidity)
	cache := access.NewAuthorizationCache()
	router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{Issuer: issuer, Cache: cache}))

	publicURL, _ := service.publicURL()
	login := &access.LoginAPI{
		Accounts: accounts,
		Issuer:   issuer,
		Cache:    cache,
		// 5 attempts in a row, then one every 12 seconds per address
		Limiter:      access.NewRateLimiter(rate.Every(12*time.Second), 5),
		SecureCookie: publicURL.Scheme == "https",
	}

	pages, err := views.New(&views.Builder{
		Settings:  a.settings,
		Dashboard: a.dashboard,
		Inventory: a.inventory,
		Orders:    a.orders,
		Requests:  a.requests,
		Members:   a.loyalty,
		Invoices:  a.billing,
		Login:     login,
	})
	if err != nil {
		return err
	}
	a.billing.SetRenderer(pages)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	access.HandleAuthorizationRoute(router)
	login.HandleRoutes(router)
	a.queue.HandleRoutes(router)
	a.settings.HandleRoutes(router)
	a.inventory.HandleRoutes(router)
	a.suppliers.HandleRoutes(router)
	a.orders.HandleRoutes(router)
	a.requests.HandleRoutes(router)
	a.loyalty.HandleRoutes(router)
	a.billing.HandleRoutes(router)
	a.dashboard.HandleRoutes(router)
	a.hub.HandleRoutes(router)
	pages.HandleRoutes(router)

	hotel, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	scheduler := jobs.NewScheduler(a.queue, hotel.Location())
	if err := a.inventory.Schedule(ctx, scheduler); err != nil {
		return fmt.Errorf("cannot schedule inventory jobs: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		if err := a.hub.Run(ctx); err != nil {
			rlog.WithError(err).Errorln("realtime relay stopped")
		}
	}()
	a.queue.ProcessJobsAsync(service.JobsHeartbeat)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", service.Port),
		Handler:           httpHandler(service, router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		rlog.Infof("listen on port :%d", service.Port)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	rlog.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// httpHandler wraps the router with CORS and compression. The websocket route
// is not compressed, the upgrade needs the raw connection.
func httpHandler(service *Service, router *mux.Router) http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{service.CORSOrigin}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Authorization", "If-None-Match", logger.RequestIDHeader}),
		handlers.ExposedHeaders([]string{"Etag", logger.RequestIDHeader, "Pagination-Limit", "Pagination-Total-Count", "Pagination-Page-Count", "Pagination-Current-Page"}),
		handlers.MaxAge(86400),
	)
	compressed := handlers.CompressHandler(router)
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			router.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
	h = cors(h)
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		h = handlers.CombinedLoggingHandler(logrus.StandardLogger().WriterLevel(logrus.DebugLevel), h)
	}
	return h
}
