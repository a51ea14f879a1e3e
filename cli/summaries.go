package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/core"
)

// NewSummariesCmd creates the "summaries" command group.
func NewSummariesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Manage the summary library",
	}
	cmd.AddCommand(newSummariesListCmd())
	cmd.AddCommand(newSummariesSaveCmd())
	cmd.AddCommand(newSummariesDeleteCmd())
	return cmd
}

func newSummariesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved summaries",
		Args:  cobra.NoArgs,
		RunE:  runSummariesList,
	}
	cmd.Flags().Int("page", 0, "Page number (1-based)")
	cmd.Flags().Int("limit", 0, "Page size")
	cmd.Flags().String("video", "", "Only summaries for this video ID")
	return cmd
}

func runSummariesList(cmd *cobra.Command, _ []string) error {
	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	var opts api.ListSummariesOptions
	opts.Page, _ = cmd.Flags().GetInt("page")
	opts.PageSize, _ = cmd.Flags().GetInt("limit")
	opts.VideoID, _ = cmd.Flags().GetString("video")

	page, err := client.ListSummaries(cmd.Context(), opts)
	if err != nil {
		return serviceError("listing summaries", err)
	}

	if len(page.Items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No summaries.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tVIDEO\tTITLE\tCREATED")
	for _, s := range page.Items {
		created := "-"
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", s.ID, s.VideoID, truncate(s.Title, 48), created)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d summaries\n", len(page.Items), page.Total)
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func newSummariesSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <summary-file>",
		Short: "Save a summary JSON file to the library",
		Args:  cobra.ExactArgs(1),
		RunE:  runSummariesSave,
	}
}

func runSummariesSave(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 -- path comes from the CLI argument
	if err != nil {
		return exitError(exitInput, "reading summary: %v", err)
	}
	var summary core.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return exitError(exitInput, "parsing summary JSON: %v", err)
	}
	if strings.TrimSpace(summary.VideoID) == "" {
		return exitError(exitInput, "summary has no videoId")
	}

	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	saved, err := client.SaveSummary(cmd.Context(), summary)
	if err != nil {
		return serviceError("saving summary", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved summary %s (%s)\n", saved.ID, saved.Title)
	return nil
}

func newSummariesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a summary from the library",
		Args:  cobra.ExactArgs(1),
		RunE:  runSummariesDelete,
	}
}

func runSummariesDelete(cmd *cobra.Command, args []string) error {
	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	id := strings.TrimSpace(args[0])
	if err := client.DeleteSummary(cmd.Context(), id); err != nil {
		return serviceError("deleting summary", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted summary %s\n", id)
	return nil
}
