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

/*
Package main provides the CLI commands for managing database migrations.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"

	"github.com/blnkfinance/spool"
	"github.com/blnkfinance/spool/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(app *spoolInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back the spool schema",
	}

	cmd.AddCommand(migrateCommand(app, "up", migrate.Up))
	cmd.AddCommand(migrateCommand(app, "down", migrate.Down))

	return cmd
}

func migrateCommand(app *spoolInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: spool.SQLFiles,
				Root:       "sql",
			}

			if database.IsMemoryDSN(app.cnf.DataSource.Dns) {
				logrus.Info("in-memory datasource, nothing to migrate")
				return nil
			}

			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			migrate.SetSchema("spool")

			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			logrus.WithFields(logrus.Fields{"direction": use, "count": n}).Info("migrations applied")
			return nil
		},
	}
}
