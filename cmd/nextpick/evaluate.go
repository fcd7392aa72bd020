// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/gorse-io/nextpick/common/encoding"
	"github.com/gorse-io/nextpick/model/ctr"
	"github.com/gorse-io/nextpick/model/eval"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	rootCommand.AddCommand(evaluateCommand)
	evaluateCommand.Flags().String("out", "", "output report file (default <data>/../reports/evaluation.json)")
	evaluateCommand.Flags().Int("top_k", 10, "length of recommendation lists")
	evaluateCommand.Flags().Bool("per_user", false, "print per-user results")
}

var evaluateCommand = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate candidates against held-out events.",
	Long: "Candidates are ordered by collaborative score, or by the ranker when --ranker is given, " +
		"and the top k items of every user are compared with held-out events.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		topK, _ := cmd.Flags().GetInt("top_k")
		if topK <= 0 {
			return errors.NotValidf("top_k %d", topK)
		}
		p, closer, err := openPipeline(cmd, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closer()
		out := outPath(cmd, filepath.Join(filepath.Dir(filepath.Clean(cfg.Data.Dir)), "reports", "evaluation.json"))
		if _, err = p.Evaluate(cmd.Context(), out, topK, cmd.Flags().Changed("ranker")); err != nil {
			return errors.Trace(err)
		}
		report, err := eval.ReadReport(out)
		if err != nil {
			return errors.Trace(err)
		}
		if perUser, _ := cmd.Flags().GetBool("per_user"); perUser {
			renderUsers(cmd.OutOrStdout(), report)
		}
		renderSummary(cmd.OutOrStdout(), report)
		fmt.Fprintf(cmd.OutOrStdout(), "Mean Recall@%d: %.4f (report: %s)\n", report.K, report.Summary.Recall, out)
		return nil
	},
}

func format(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 4, 32)
}

func renderSummary(w io.Writer, report *eval.Report) {
	k := strconv.Itoa(report.K)
	table := tablewriter.NewWriter(w)
	table.Header("Recall@"+k, "NDCG@"+k, "Precision@"+k, "HR@"+k, "Evaluated", "Skipped", "Errored")
	_ = table.Append([]string{
		format(report.Summary.Recall),
		format(report.Summary.NDCG),
		format(report.Summary.Precision),
		format(report.Summary.HitRate),
		strconv.Itoa(report.Summary.Evaluated),
		strconv.Itoa(report.Summary.Skipped),
		strconv.Itoa(report.Summary.Errored),
	})
	_ = table.Render()
}

func renderUsers(w io.Writer, report *eval.Report) {
	rows := make([][]string, 0, len(report.Users))
	for _, user := range report.Users {
		rows = append(rows, []string{user.UserId, string(user.Status), format(user.Recall), format(user.NDCG), user.Error})
	}
	table := tablewriter.NewWriter(w)
	table.Header("User", "Status", "Recall", "NDCG", "Error")
	_ = table.Bulk(rows)
	_ = table.Render()
}

func renderHyperparameters(w io.Writer, hyper ctr.Hyperparameters, score ctr.Score) {
	table := tablewriter.NewWriter(w)
	table.Header("Learning Rate", "Factors", "Epochs", "Reg", "Init Std", "AUC", "Precision", "Recall")
	_ = table.Append([]string{
		format(hyper.LearningRate),
		strconv.Itoa(hyper.NFactors),
		strconv.Itoa(hyper.NEpochs),
		encoding.FormatFloat32(hyper.Reg),
		encoding.FormatFloat32(hyper.InitStdDev),
		format(score.AUC),
		format(score.Precision),
		format(score.Recall),
	})
	_ = table.Render()
}
