package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignite/audience/internal/rules"
)

type rulesOptions struct {
	rulesPath string
	inputPath string
	scopeID   int64
}

func (a *App) newCheckCmd() *cobra.Command {
	opts := &rulesOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate rules against a JSON input",
		Long: `Evaluate rules against an input document of the form
{"user": {...}, "event": {...}, "events": [...]}.

Examples:
  rulectl check -r rules.json -i input.json
  cat input.json | rulectl check -r rules.json -i -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := a.loadRules(opts.rulesPath)
			if err != nil {
				return err
			}
			var in rules.Input
			if err := a.readJSON(opts.inputPath, &in); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			match, err := rules.Check(in, rs...)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]bool{"match": match})
		},
	}
	cmd.Flags().StringVarP(&opts.rulesPath, "rules", "r", "", "Rule file (object or array), - for stdin")
	cmd.Flags().StringVarP(&opts.inputPath, "input", "i", "", "Input file, - for stdin")
	cmd.MarkFlagRequired("rules")
	cmd.MarkFlagRequired("input")
	return cmd
}

func (a *App) newQueryCmd() *cobra.Command {
	opts := &rulesOptions{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Compile rules to a ClickHouse audience query",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.scopeID <= 0 {
				return fmt.Errorf("--scope must be a positive project id")
			}
			rs, err := a.loadRules(opts.rulesPath)
			if err != nil {
				return err
			}
			q, err := rules.GetRuleQuery(opts.scopeID, rs...)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, q)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.rulesPath, "rules", "r", "", "Rule file (object or array), - for stdin")
	cmd.Flags().Int64VarP(&opts.scopeID, "scope", "s", 0, "Project id the query is scoped to")
	cmd.MarkFlagRequired("rules")
	return cmd
}

func (a *App) newValidateCmd() *cobra.Command {
	opts := &rulesOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the structure of rule trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := a.loadRules(opts.rulesPath)
			if err != nil {
				return err
			}
			for _, r := range rs {
				if err := rules.Validate(r); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.stdout, "%d rule tree(s) valid\n", len(rs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.rulesPath, "rules", "r", "", "Rule file (object or array), - for stdin")
	cmd.MarkFlagRequired("rules")
	return cmd
}

// loadRules reads a single rule object or an array of them and stitches ids.
func (a *App) loadRules(path string) ([]rules.Rule, error) {
	data, err := a.read(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	data = bytes.TrimSpace(data)

	var rs []rules.Rule
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &rs)
	} else {
		var r rules.Rule
		err = json.Unmarshal(data, &r)
		rs = []rules.Rule{r}
	}
	if err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range rs {
		rs[i] = rules.Stitch(rs[i])
	}
	return rs, nil
}

func (a *App) readJSON(path string, v any) error {
	data, err := a.read(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (a *App) read(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(a.stdin)
	}
	return os.ReadFile(path)
}
