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

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}
	cmd.AddCommand(newDLQListCommand())
	cmd.AddCommand(newDLQRehydrateCommand())
	return cmd
}

func newDLQListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered step jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Get(cmd.Context(), "/dlq")
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				jobs, _ := r["jobs"].([]any)
				if len(jobs) == 0 {
					fmt.Println("dead-letter queue is empty")
					return
				}
				for _, raw := range jobs {
					job, _ := raw.(map[string]any)
					if job == nil {
						continue
					}
					fmt.Printf("%v  attempts=%v  last_error=%v\n",
						job["id"], job["attempt"], job["last_error"])
				}
			})
			return nil
		},
	}
}

func newDLQRehydrateCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "rehydrate",
		Short: "Move dead-lettered jobs back to their source topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Post(cmd.Context(), "/dlq/rehydrate", map[string]int{"count": count})
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				fmt.Printf("rehydrated %v job(s)\n", r["rehydrated"])
			})
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Maximum jobs to rehydrate")
	return cmd
}
