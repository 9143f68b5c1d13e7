// Copyright 2026 fanjia1024
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

// planctl 计划描述的本地编译/校验，以及对 API 服务的提交、查询与人工操作
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "planctl",
		Short:         "计划编排命令行",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("api", "", "API 地址，默认取 PLAN_API_URL 或 http://localhost:8080")

	root.AddCommand(
		newCompileCmd(),
		newValidateCmd(),
		newSubmitCmd(),
		newGetCmd(),
		newReplayCmd(),
		newActionCmd("pause", "暂停运行中的计划"),
		newActionCmd("resume", "恢复已暂停的计划"),
		newActionCmd("cancel", "取消计划"),
		newRetryCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "显示版本",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "planctl %s\n", version)
			},
		},
	)
	return root
}
