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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/plan"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and inspect runs",
	}
	cmd.AddCommand(newRunSubmitCommand())
	cmd.AddCommand(newRunListCommand())
	cmd.AddCommand(newRunGetCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunRetryCommand())
	cmd.AddCommand(newRunWatchCommand())
	return cmd
}

func newRunSubmitCommand() *cobra.Command {
	var (
		planFile  string
		prompt    string
		filename  string
		projectID string
		review    bool
		openPR    bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new run from a plan file or a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if projectID != "" {
				body["projectId"] = projectID
			}

			switch {
			case planFile != "":
				data, err := os.ReadFile(planFile)
				if err != nil {
					return fmt.Errorf("failed to read plan file: %w", err)
				}
				var p plan.Plan
				if err := json.Unmarshal(data, &p); err != nil {
					return fmt.Errorf("failed to parse plan file: %w", err)
				}
				body["plan"] = &p
			case prompt != "":
				standard := map[string]any{
					"prompt":  prompt,
					"review":  review,
					"open_pr": openPR,
				}
				if filename != "" {
					standard["filename"] = filename
				}
				body["standard"] = standard
			default:
				return fmt.Errorf("either --plan or --prompt is required")
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Post(cmd.Context(), "/runs", body)
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				fmt.Printf("run %v submitted (status %v)\n", r["id"], r["status"])
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&planFile, "plan", "f", "", "Path to a JSON plan file")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt for the standard plan builder")
	cmd.Flags().StringVar(&filename, "filename", "", "Output filename for generated code")
	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier")
	cmd.Flags().BoolVar(&review, "review", false, "Add a manual review gate before completion")
	cmd.Flags().BoolVar(&openPR, "open-pr", false, "Add a PR preparation step")
	return cmd
}

func newRunListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				runs, _ := r["runs"].([]any)
				if len(runs) == 0 {
					fmt.Println("no runs")
					return
				}
				for _, raw := range runs {
					run, _ := raw.(map[string]any)
					if run == nil {
						continue
					}
					goal := ""
					if p, ok := run["plan"].(map[string]any); ok {
						goal, _ = p["goal"].(string)
					}
					fmt.Printf("%v  %-10v  %s\n", run["id"], run["status"], goal)
				}
			})
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func newRunGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its steps and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Get(cmd.Context(), "/runs/"+args[0])
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				run, _ := r["run"].(map[string]any)
				if run != nil {
					fmt.Printf("run %v: %v\n", run["id"], run["status"])
				}
				steps, _ := r["steps"].([]any)
				for _, raw := range steps {
					step, _ := raw.(map[string]any)
					if step == nil {
						continue
					}
					fmt.Printf("  step %-20v %-14v tool=%v attempt=%v\n",
						step["name"], step["status"], step["tool"], step["attempt"])
				}
				artifacts, _ := r["artifacts"].([]any)
				for _, raw := range artifacts {
					artifact, _ := raw.(map[string]any)
					if artifact == nil {
						continue
					}
					fmt.Printf("  artifact %v (%v)\n", artifact["name"], artifact["mime"])
				}
			})
			return nil
		},
	}
}

func newRunCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Post(cmd.Context(), "/runs/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				fmt.Printf("run %v cancelled\n", r["id"])
			})
			return nil
		},
	}
}

func newRunRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id> <step-id>",
		Short: "Retry a failed or cancelled step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Post(cmd.Context(), "/runs/"+args[0]+"/steps/"+args[1]+"/retry", nil)
			if err != nil {
				return err
			}
			printResult(result, func(r map[string]any) {
				fmt.Printf("step %v requeued (attempt %v)\n", r["id"], r["attempt"])
			})
			return nil
		},
	}
}

func newRunWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.GetStream(cmd.Context(), "/runs/"+args[0]+"/stream", "text/event-stream")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				data, ok := strings.CutPrefix(line, "data: ")
				if !ok {
					continue
				}
				if flagJSON {
					fmt.Println(data)
					continue
				}
				var ev map[string]any
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev["type"] == "connected" {
					continue
				}
				fmt.Printf("%4v  %v\n", ev["seq"], ev["type"])
			}
			return scanner.Err()
		},
	}
}
