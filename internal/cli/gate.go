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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Inspect and resolve approval gates",
	}
	cmd.AddCommand(newGateListCommand())
	cmd.AddCommand(newGateResolveCommand("approve", "Approve a pending gate"))
	cmd.AddCommand(newGateResolveCommand("waive", "Waive a pending gate"))
	cmd.AddCommand(newGateResolveCommand("reject", "Reject a pending gate"))
	return cmd
}

func newGateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Get(cmd.Context(), "/runs/"+args[0]+"/gates")
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				gates, _ := r["gates"].([]any)
				if len(gates) == 0 {
					fmt.Println("no gates")
					return
				}
				for _, raw := range gates {
					gate, _ := raw.(map[string]any)
					if gate == nil {
						continue
					}
					fmt.Printf("%v  %-16v %-10v %v\n",
						gate["id"], gate["gate_type"], gate["status"], gate["reason"])
				}
			})
			return nil
		},
	}
}

func newGateResolveCommand(verb, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <gate-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var body any
			if reason != "" {
				body = map[string]string{"reason": reason}
			}
			result, err := c.Post(cmd.Context(), "/gates/"+args[0]+"/"+verb, body)
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				fmt.Printf("gate %v %v\n", r["id"], r["status"])
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Resolution note")
	return cmd
}
