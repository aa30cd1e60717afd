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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/spool/api"
	"github.com/blnkfinance/spool/config"
	trace "github.com/blnkfinance/spool/internal/traces"
	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const posthogEndpoint = "https://us.i.posthog.com"

/*
serveTLS starts an HTTPS server with TLS enabled using CertMagic for automatic certificate management.
If no domain is specified, the server will default to running on localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "./certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Warn("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	logrus.Infof("Starting HTTPS server on %s", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTPS server: %w", err)
	}
	return nil
}

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog
func sendHeartbeat(client posthog.Client, heartbeatID, process string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      process + "_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				logrus.WithError(err).Debug("failed to send heartbeat")
			}
		}
	}()
}

func initializePostHog(key, process string) posthog.Client {
	if key == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: posthogEndpoint})
	if err != nil {
		logrus.WithError(err).Warn("telemetry disabled")
		return nil
	}
	sendHeartbeat(client, uuid.New().String(), process)
	return client
}

// initializeObservability sets up tracing and the telemetry heartbeat when
// telemetry is enabled. The returned function releases both.
func initializeObservability(ctx context.Context, cfg *config.Configuration, process string) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}

	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %w", err)
	}

	phClient := initializePostHog(cfg.TelemetryKey, process)
	return func(ctx context.Context) error {
		if phClient != nil {
			_ = phClient.Close()
		}
		return shutdown(ctx)
	}, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	logrus.Infof("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// serverCommands returns the command that starts the HTTP API.
func serverCommands(app *spoolInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start spool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			shutdown, err := initializeObservability(ctx, app.cnf, "server")
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					logrus.WithError(err).Warn("error during telemetry shutdown")
				}
			}()

			if err := app.connect(ctx); err != nil {
				return err
			}
			defer app.close()

			router := api.NewAPI(app.spool).Router()
			return startServer(router, app.cnf.Server)
		},
	}

	return cmd
}
