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

	"github.com/blnkfinance/spool"
	"github.com/blnkfinance/spool/config"
	redis_db "github.com/blnkfinance/spool/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration, connOpt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(connOpt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      spool.Queues(conf),
		Logger:      logrus.StandardLogger(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("task", task.Type()).Error("task failed")
		}),
	})
}

func initializeScheduler(conf *config.Configuration, connOpt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(connOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logrus.StandardLogger(),
	})
	if err := spool.RegisterSchedules(scheduler, conf); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// serveMonitoring exposes asynqmon under /monitoring on the monitoring port.
func serveMonitoring(conf *config.Configuration, connOpt asynq.RedisClientOpt) *http.Server {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: connOpt,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%s", conf.Queue.MonitoringPort), Handler: h}

	go func() {
		logrus.Infof("Asynqmon server listening on %s/monitoring", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("could not start asynqmon server")
		}
	}()
	return srv
}

// workerCommands defines the "workers" command. It runs the scheduled
// dispatch and reconciliation tasks and delivers webhooks.
func workerCommands(app *spoolInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start spool workers and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conf := app.cnf

			shutdown, err := initializeObservability(ctx, conf, "workers")
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

			redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				return fmt.Errorf("error parsing Redis URL: %w", err)
			}
			connOpt := spool.RedisConnOpt(redisOption)

			scheduler, err := initializeScheduler(conf, connOpt)
			if err != nil {
				return err
			}
			if err := scheduler.Start(); err != nil {
				return fmt.Errorf("could not start scheduler: %w", err)
			}
			defer scheduler.Shutdown()

			monitor := serveMonitoring(conf, connOpt)
			defer func() {
				_ = monitor.Shutdown(context.Background())
			}()

			mux := asynq.NewServeMux()
			app.spool.RegisterHandlers(mux, spool.NewWebhookSender(conf.Notification.Webhook))

			srv := initializeWorkerServer(conf, connOpt)
			if err := srv.Run(mux); err != nil {
				return fmt.Errorf("could not run server: %w", err)
			}
			return nil
		},
	}

	return cmd
}
