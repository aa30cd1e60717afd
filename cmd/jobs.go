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
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/spool"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// dispatchCommands runs one dispatch from the command line, for a single
// collection or for every configured brand.
func dispatchCommands(app *spoolInstance) *cobra.Command {
	var collection string
	var all bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "start the next item of a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if collection == "" && !all {
				return errors.New("pass --collection or --all")
			}
			ctx := cmd.Context()
			if err := app.connect(ctx); err != nil {
				return err
			}
			defer app.close()

			collections := []string{collection}
			if all {
				collections = collections[:0]
				for _, b := range app.cnf.Brands {
					collections = append(collections, b.Collection)
				}
			}

			results := make([]*spool.DispatchResult, 0, len(collections))
			for _, c := range collections {
				result, err := app.spool.Dispatch(ctx, c)
				if err != nil {
					return err
				}
				results = append(results, result)
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "collection or brand name to dispatch")
	cmd.Flags().BoolVar(&all, "all", false, "dispatch every configured brand")
	return cmd
}

// reconcileCommands runs one reconciliation pass, or keeps running passes on
// the configured interval with --watch.
func reconcileCommands(app *spoolInstance) *cobra.Command {
	var threshold time.Duration
	var watch bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "recover items stuck waiting on an external job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.connect(ctx); err != nil {
				return err
			}
			defer app.close()

			if !watch {
				report, err := app.spool.ReconcileStuckItems(ctx, threshold)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			}

			if threshold > 0 {
				app.cnf.Reconciliation.StalenessThresholdSeconds = int(threshold / time.Second)
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			reconciler := spool.NewReconciler(app.spool)
			reconciler.Start(ctx)
			<-ctx.Done()
			reconciler.Stop()
			return nil
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", 0, "staleness threshold, defaults to the configured value")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep reconciling on the configured poll interval")
	return cmd
}

func resetCycleCommands(app *spoolInstance) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "reset-cycle",
		Short: "start a new rotation cycle for a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.connect(ctx); err != nil {
				return err
			}
			defer app.close()

			n, err := app.spool.ResetCycle(ctx, collection)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{"collection": collection, "reset": n})
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "collection or brand name to reset")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}
