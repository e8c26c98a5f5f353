// Copyright 2025 The Runplane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli builds the runplane command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/runplane/runplane/internal/client"
)

var (
	flagAddr  string
	flagToken string
	flagJSON  bool
)

// NewRootCommand creates the root Cobra command for runplane.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runplane",
		Short: "Runplane - multi-step code generation runs",
		Long: `Runplane submits and inspects code generation runs on a runplaned
control plane: plans of tool steps with approval gates, retries, and a
full event timeline per run.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	registerGlobalFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newGateCommand())
	cmd.AddCommand(newDLQCommand())
	cmd.AddCommand(newHealthCommand())

	return cmd
}

func registerGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&flagAddr, "addr", "", "Daemon address (default http://localhost:8420, or RUNPLANE_ADDR)")
	flags.StringVar(&flagToken, "token", "", "Bearer token (or RUNPLANE_TOKEN)")
	flags.BoolVar(&flagJSON, "json", false, "Output raw JSON")
}

// newClient builds the API client from flags and environment.
func newClient() (*client.Client, error) {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("RUNPLANE_ADDR")
	}
	token := flagToken
	if token == "" {
		token = os.Getenv("RUNPLANE_TOKEN")
	}
	return client.New(client.WithBaseURL(addr), client.WithToken(token))
}

// printResult renders a response either as indented JSON or through the
// supplied human formatter.
func printResult(result map[string]any, human func(map[string]any)) {
	if flagJSON || human == nil {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render response: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	human(result)
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			health, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if health.Status != "ok" {
				return fmt.Errorf("daemon unhealthy: %s", health.Error)
			}
			fmt.Printf("ok (version %s)\n", health.Version)
			return nil
		},
	}
}
