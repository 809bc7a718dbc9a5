package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var entities = map[string]bool{"list": true, "campaign": true, "journey": true}

func parseOwner(args []string) (string, int64, error) {
	if !entities[args[0]] {
		return "", 0, fmt.Errorf("unknown entity %q: want list, campaign or journey", args[0])
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid id %q", args[1])
	}
	return args[0], id, nil
}

func (a *App) newPopulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "populate <list|campaign|journey> <id>",
		Short: "Enqueue an audience population",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, id, err := parseOwner(args)
			if err != nil {
				return err
			}
			res, err := a.client().Populate(cmd.Context(), entity, id)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
}

func (a *App) newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <list|campaign|journey> <id>",
		Short: "Show staging progress of a population",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, id, err := parseOwner(args)
			if err != nil {
				return err
			}
			pr, err := a.client().Progress(cmd.Context(), entity, id)
			if err != nil {
				return err
			}
			return a.printJSON(pr)
		},
	}
}

func (a *App) newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <campaign-id>",
		Short: "Abort a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid campaign id %q", args[0])
			}
			if err := a.client().AbortCampaign(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "campaign %d aborted\n", id)
			return nil
		},
	}
}
