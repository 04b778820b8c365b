// Copyright 2023 The iotrelay Authors
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

// Package cmd wires the relay components into runnable servers
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/alwitt/iotrelay/apis"
	"github.com/alwitt/iotrelay/auth"
	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/core"
	"github.com/alwitt/iotrelay/dataplane"
	"github.com/alwitt/iotrelay/management"
	"github.com/alwitt/iotrelay/session"
	"github.com/alwitt/iotrelay/storage"
	"github.com/alwitt/iotrelay/subscription"
)

// accessLogWriter forwards the HTTP access log into the application log
type accessLogWriter struct {
	logTags log.Fields
}

// Write logging support
func (w accessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.logTags).Infof("%s", p)
	return len(p), nil
}

// OpenStore connect to the relay's postgres store
func OpenStore(
	ctxt context.Context, config common.PostgresConfig,
) (*storage.PostgresStore, error) {
	return storage.NewPostgresStore(ctxt, storage.PostgresParams{
		URL:            config.URL,
		MaxConns:       config.MaxConns,
		ConnectTimeout: time.Second * time.Duration(config.ConnectTimeout),
	})
}

// RunMigration create the relay schema
func RunMigration(runTimeContext context.Context, config common.PostgresConfig) error {
	logTags := log.Fields{"module": "cmd", "component": "migrate"}
	store, err := OpenStore(runTimeContext, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to postgres")
		return err
	}
	defer store.Close()
	if err := store.Migrate(runTimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		return err
	}
	log.WithFields(logTags).Info("Schema is up to date")
	return nil
}

// RunRelayServer run the telemetry relay until runTimeContext is cancelled
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	broker core.Broker,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Persistence

	store, err := OpenStore(localCtxt, config.Postgres)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to postgres")
		return err
	}
	defer store.Close()
	if config.Postgres.MigrateOnStart {
		if err := store.Migrate(localCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Schema migration failed")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Relay core

	registry := session.NewRegistry(config.Relay.RegistryShards)
	defer func() {
		log.WithFields(logTags).Infof("Closed %d observers on shutdown", registry.CloseAll())
	}()

	// The manager delivers into the pipeline, and the pipeline resolves topics through
	// the manager. No message arrives before subscriptions.Start.
	var pipeline *dataplane.RelayPipeline
	subscriptions, err := subscription.NewManager(
		broker, store, registry, func(msg core.InboundMessage) {
			pipeline.OnMessage(msg)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription manager")
		return err
	}
	pipeline, err = dataplane.NewRelayPipeline(
		localCtxt, subscriptions, store, registry, dataplane.RelayParams{
			Workers:        config.Relay.Workers,
			QueueDepth:     config.Relay.QueueDepth,
			PersistTimeout: time.Second * time.Duration(config.Relay.PersistTimeout),
			DropWhenFull:   config.Relay.DropWhenFull,
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay pipeline")
		return err
	}
	if err := pipeline.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start relay pipeline")
		return err
	}
	defer func() {
		if err := pipeline.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Relay pipeline stop failure")
		}
	}()
	if err := subscriptions.Start(localCtxt); err != nil {
		// Devices which failed are retried by the reconciliation loop
		log.WithError(err).WithFields(logTags).Error("Not all device subscriptions are active")
	}

	tokens, err := auth.NewTokenVerifier(auth.TokenVerifierParams{
		Secret:    config.Auth.JWTSecret,
		Algorithm: config.Auth.Algorithm,
		Leeway:    time.Second * time.Duration(config.Auth.Leeway),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}
	authorizer := auth.NewConnectionAuthorizer(tokens, store, store)
	publisher := dataplane.NewCommandPublisher(localCtxt, broker, store, store)
	manager := management.GetDeviceManager(store, subscriptions)

	// -------------------------------------------------------------------
	// Housekeeping

	sweepTimer, err := common.GetIntervalTimerInstance("observer-sweep", localCtxt, wg)
	if err != nil {
		return err
	}
	if err := sweepTimer.Start(
		time.Second*time.Duration(config.Relay.SweepInterval),
		func() error {
			registry.Sweep()
			return nil
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start observer sweep")
		return err
	}
	defer func() { _ = sweepTimer.Stop() }()

	if config.Relay.ReconcileInterval > 0 {
		reconcileTimer, err := common.GetIntervalTimerInstance(
			"subscription-reconcile", localCtxt, wg,
		)
		if err != nil {
			return err
		}
		if err := reconcileTimer.Start(
			time.Second*time.Duration(config.Relay.ReconcileInterval),
			func() error {
				return subscriptions.Reconcile(localCtxt)
			},
			false,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start reconciliation")
			return err
		}
		defer func() { _ = reconcileTimer.Stop() }()
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	httpConfig := &config.API.HTTPSetting
	deviceHandler, err := apis.GetAPIRestDeviceHandler(manager, publisher, authorizer, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define device handler")
		return err
	}
	observerHandler, err := apis.GetAPIWebSocketObserverHandler(
		authorizer, registry, &config.API.WebSocket, httpConfig, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define observer handler")
		return err
	}
	systemHandler, err := apis.GetAPIRestSystemHandler(
		broker, store, time.Second*time.Duration(config.Postgres.OperationTimeout), httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define system handler")
		return err
	}

	router := defineRelayRouter(
		config.API.Endpoints.PathPrefix, deviceHandler, observerHandler, systemHandler,
	)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLogWriter{logTags: logTags}, next)
	})
	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(config.API.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{
			"Authorization", "Content-Type", httpConfig.Logging.RequestIDHeader,
		}),
	)(router)

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := httpConfig.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(corsHandler, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var result error
	select {
	case <-runTimeContext.Done():
	case result = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return result
}

// defineRelayRouter register the relay end-points
func defineRelayRouter(
	pathPrefix string,
	deviceHandler apis.APIRestDeviceHandler,
	observerHandler apis.APIWebSocketObserverHandler,
	systemHandler apis.APIRestSystemHandler,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	// Device registry
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/devices", map[string]http.HandlerFunc{
		"get":  deviceHandler.ListDevicesHandler(),
		"post": deviceHandler.RegisterDeviceHandler(),
	})
	deviceRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/devices/{deviceID}", map[string]http.HandlerFunc{
			"delete": deviceHandler.DeleteDeviceHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(deviceRouter, "/control", map[string]http.HandlerFunc{
		"post": deviceHandler.ControlDeviceHandler(),
	})
	_ = apis.RegisterPathPrefix(deviceRouter, "/telemetry", map[string]http.HandlerFunc{
		"get": deviceHandler.TelemetryHistoryHandler(),
	})

	// Ownership
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/user-devices", map[string]http.HandlerFunc{
		"post":   deviceHandler.AssignDeviceHandler(),
		"delete": deviceHandler.UnassignDeviceHandler(),
	})

	// Observers
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws/device", map[string]http.HandlerFunc{
		"get": observerHandler.ObserveDeviceHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": systemHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": systemHandler.ReadyHandler(),
	})

	// Metrics
	router.Handle("/metrics", promhttp.Handler())

	return router
}
