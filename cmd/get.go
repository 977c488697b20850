// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/confsync/config"
	"github.com/cardinalhq/confsync/internal/replica"
)

func init() {
	var label string

	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch one configuration setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			doneCtx, doneFx := setupTelemetry("confsync-get")
			defer doneFx()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			mgr, err := buildManager(doneCtx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := mgr.Close(); err != nil {
					slog.Error("Error closing replica clients", slog.Any("error", err))
				}
			}()

			kl := replica.KeyLabel{Key: args[0], Label: label}
			s, err := replica.Execute(doneCtx, mgr,
				func(ctx context.Context, c *replica.Client) (replica.Setting, error) {
					return c.GetSetting(ctx, kl)
				})
			if err != nil {
				return err
			}
			fmt.Println(s.Value)
			return nil
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "setting label")

	rootCmd.AddCommand(cmd)
}
