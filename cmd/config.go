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
	"fmt"

	"github.com/blnkfinance/spool/config"
	"github.com/spf13/cobra"
)

// redacted masks secrets before the configuration is printed.
func redacted(cnf config.Configuration) config.Configuration {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cnf.Server.SecretKey = mask(cnf.Server.SecretKey)
	cnf.TelemetryKey = mask(cnf.TelemetryKey)
	cnf.ObjectStorage.SecretAccessKey = mask(cnf.ObjectStorage.SecretAccessKey)
	cnf.Services.Asset.APIKey = mask(cnf.Services.Asset.APIKey)
	cnf.Services.Export.APIKey = mask(cnf.Services.Export.APIKey)
	cnf.Services.Post.APIKey = mask(cnf.Services.Post.APIKey)
	return cnf
}

func configCommands(app *spoolInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(redacted(*app.cnf), "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}
