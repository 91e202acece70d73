// Package main provides a CLI tool for validating and importing alert rules.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secmon/internal/detection/rules"
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
		Use:           "secmon-rules",
		Short:         "Validate, list and import secmon alert rules",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	viper.SetEnvPrefix("SECMON")
	viper.AutomaticEnv()
	viper.SetDefault("rules_path", "data/alert-rules.json")

	root.AddCommand(newValidateCmd(), newListCmd(), newImportCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "validate <path> [<path>...]",
		Short: "Validate YAML or JSON rule files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if invalid := runValidate(cmd.OutOrStdout(), args, verbose); invalid > 0 {
				return fmt.Errorf("%d invalid file(s)", invalid)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed rule information")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [<path>...]",
		Short: "List rules found in files or directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{viper.GetString("rules_path")}
			}
			return runList(cmd.OutOrStdout(), args)
		},
	}
}

func newImportCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "import <pack.yaml> [<pack.yaml>...]",
		Short: "Merge YAML rule packs into the JSON rules file",
		Long: `import validates every rule in the given packs and writes them into the
rules file the server loads. Rules with an existing id are replaced; other
rules in the file are kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = viper.GetString("rules_path")
			}
			return runImport(cmd.OutOrStdout(), args, target)
		},
	}
	cmd.Flags().StringVarP(&target, "output", "o", "", "Rules file to write (default $SECMON_RULES_PATH or data/alert-rules.json)")
	return cmd
}

// runValidate checks every rule file under paths and returns the number of
// invalid files.
func runValidate(out io.Writer, paths []string, verbose bool) int {
	var total, invalid int

	for _, path := range paths {
		files, err := collectRuleFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalid++
			continue
		}
		for _, f := range files {
			total++
			parsed, err := rules.ParseFile(f)
			if err != nil {
				fmt.Fprintf(out, "  FAIL  %s: %v\n", f, err)
				invalid++
				continue
			}
			fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", f, len(parsed))
			if verbose {
				for _, rule := range parsed {
					printRuleDetail(out, rule)
				}
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", total, total-invalid, invalid)
	return invalid
}

func printRuleDetail(out io.Writer, rule *rules.AlertRule) {
	types := make([]string, len(rule.EventTypes))
	for i, t := range rule.EventTypes {
		types[i] = string(t)
	}
	fmt.Fprintf(out, "        - [%s] %s (severity=%s, active=%t)\n", rule.ID, rule.Name, rule.Severity, rule.IsActive)
	fmt.Fprintf(out, "          types: %s\n", strings.Join(types, ", "))
	for _, c := range rule.Conditions {
		fmt.Fprintf(out, "          when %s %s %v\n", c.Field, c.Operator, c.Value)
	}
}

func runList(out io.Writer, paths []string) error {
	for _, path := range paths {
		files, err := collectRuleFiles(path)
		if err != nil {
			return err
		}
		for _, f := range files {
			parsed, err := rules.ParseFile(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping %s: %v\n", f, err)
				continue
			}
			for _, rule := range parsed {
				state := "active"
				if !rule.IsActive {
					state = "inactive"
				}
				fmt.Fprintf(out, "%-32s  %-9s  %-8s  %s\n", rule.ID, rule.Severity, state, rule.Name)
			}
		}
	}
	return nil
}

func runImport(out io.Writer, packs []string, target string) error {
	var imported []*rules.AlertRule
	for _, pack := range packs {
		ext := strings.ToLower(filepath.Ext(pack))
		if ext != ".yaml" && ext != ".yml" {
			return fmt.Errorf("%s: import expects YAML rule packs", pack)
		}
		parsed, err := rules.ParseFile(pack)
		if err != nil {
			return fmt.Errorf("%s: %w", pack, err)
		}
		imported = append(imported, parsed...)
	}

	store := rules.NewFileStore(target)
	existing, _, err := store.Load()
	if err != nil {
		return err
	}

	byID := make(map[string]*rules.AlertRule, len(existing)+len(imported))
	for _, r := range existing {
		byID[r.ID] = r
	}
	replaced := 0
	for _, r := range imported {
		if _, ok := byID[r.ID]; ok {
			replaced++
		}
		byID[r.ID] = r
	}

	merged := make([]*rules.AlertRule, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	if err := store.Save(merged); err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d rule(s) into %s (%d replaced, %d total)\n",
		len(imported), target, replaced, len(merged))
	return nil
}

// collectRuleFiles returns path itself, or every rule file below it when it
// is a directory.
func collectRuleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml", ".json":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
