// Package main runs a posture review of a secmon deployment.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secmon/internal/config"
	"secmon/internal/detection/rules"
	"secmon/internal/detection/threat"
	"secmon/internal/logging"
	"secmon/internal/monitor"
	"secmon/internal/security/audit"
	"secmon/internal/security/posture"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "secmon-audit",
		Short:         "Review the security posture of a secmon deployment",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", config.DefaultPath, "Path to configuration file")

	viper.SetEnvPrefix("SECMON")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newScanCmd(), newVerifyCmd())
	return root
}

func newScanCmd() *cobra.Command {
	var (
		report    string
		failUnder int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Check configuration, file permissions, rules and indicators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(viper.GetString("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if report == "" {
				report = cfg.Posture.ReportPath
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := scan(ctx, cfg)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)

			if err := posture.WriteReport(report, result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReport written to %s\n", report)

			if result.Score < failUnder {
				return fmt.Errorf("posture score %d is below %d", result.Score, failUnder)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&report, "report", "r", "", "Report path (default posture.report_path)")
	cmd.Flags().IntVar(&failUnder, "fail-under", 0, "Exit non-zero when the score is below this value")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Scan timeout")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the audit trail's entry checksums and chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := config.LoadFile(viper.GetString("config"))
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				dir = cfg.Audit.Dir
			}

			result, err := audit.VerifyDir(cmd.Context(), dir)
			out := cmd.OutOrStdout()
			if result != nil {
				fmt.Fprintf(out, "Verified %d entries in %d file(s)\n", result.Entries, result.Files)
				for _, v := range result.Violations {
					fmt.Fprintf(out, "  %s:%d %s\n", v.File, v.Line, v.Reason)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Audit directory (default audit.dir)")
	return cmd
}

// scan loads the rule and indicator sets the server would load and audits
// them together with cfg.
func scan(ctx context.Context, cfg *config.Config) (*posture.SecurityAuditResult, error) {
	logger := logging.NewLogger(os.Stderr, "text", "warn")

	ruleSet := rules.NewSet(rules.NewFileStore(cfg.Rules.Path))
	if err := ruleSet.Load(); err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}
	matcher := threat.NewMatcher(monitor.ConfigFrom(cfg).Threat, nil, logger)

	slog.Debug("running posture scan", "rules", len(ruleSet.List()), "indicators", matcher.Len())
	return posture.NewAuditor(cfg, ruleSet, matcher, logger).Run(ctx)
}

func printResult(out io.Writer, result *posture.SecurityAuditResult) {
	fmt.Fprintf(out, "Posture score: %d/100 (%d finding(s))\n\n", result.Score, result.Summary.TotalFindings)
	for _, f := range result.Findings {
		fmt.Fprintf(out, "  [%-8s] %-12s %s\n", f.Severity, f.Category, f.Title)
		if f.Resource != "" {
			fmt.Fprintf(out, "             resource: %s\n", f.Resource)
		}
		fmt.Fprintf(out, "             fix: %s\n", f.Remediation)
	}
}
