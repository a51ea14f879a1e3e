package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrinal-mann/Knugget-new/core"
)

// transcriptFile is the JSON shape the page scraper exports: the video
// metadata plus the timed transcript segments.
type transcriptFile struct {
	VideoMeta  core.VideoMeta  `json:"videoMetadata"`
	Transcript core.Transcript `json:"transcript"`
}

// NewSummarizeCmd creates the "summarize" subcommand.
func NewSummarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize <transcript-file>",
		Short: "Generate a summary from an exported transcript file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSummarize,
	}
	cmd.Flags().Bool("save", false, "Save the generated summary to the library")
	cmd.Flags().StringP("output", "o", "", "Write the result to a file instead of stdout")
	cmd.Flags().String("format", "pretty", "Output format: pretty | json")
	return cmd
}

func runSummarize(cmd *cobra.Command, args []string) error {
	tf, err := readTranscriptFile(args[0])
	if err != nil {
		return err
	}

	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.GenerateSummary(cmd.Context(), tf.Transcript, tf.VideoMeta)
	if err != nil {
		return serviceError("generating summary", err)
	}

	if save, _ := cmd.Flags().GetBool("save"); save {
		saved, err := client.SaveSummary(cmd.Context(), summary)
		if err != nil {
			return serviceError("saving summary", err)
		}
		summary = saved
	}

	var creditsLine string
	if user, ok := client.CurrentUser(); ok {
		creditsLine = fmt.Sprintf("Credits remaining: %d\n", user.Credits)
	}
	return writeSummary(cmd, summary, creditsLine)
}

func readTranscriptFile(path string) (transcriptFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI argument
	if err != nil {
		return transcriptFile{}, exitError(exitInput, "reading transcript: %v", err)
	}
	var tf transcriptFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return transcriptFile{}, exitError(exitInput, "parsing transcript JSON: %v", err)
	}
	if len(tf.Transcript) == 0 {
		return transcriptFile{}, exitError(exitInput, "transcript file %q has no segments", path)
	}
	return tf, nil
}

func writeSummary(cmd *cobra.Command, summary core.Summary, creditsLine string) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	var output string
	switch format {
	case "json":
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling summary: %v", err)
		}
		output = string(data)
	case "pretty":
		output = formatSummary(summary)
		if creditsLine != "" {
			output += "\n" + creditsLine
		}
	default:
		return exitError(exitInput, "unknown format %q (use pretty or json)", format)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output), 0o600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), output)
	return nil
}

func formatSummary(s core.Summary) string {
	var sb strings.Builder
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = s.VideoID
	}
	fmt.Fprintf(&sb, "=== %s ===\n", title)
	if s.VideoMeta.ChannelName != "" {
		fmt.Fprintf(&sb, "Channel: %s\n", s.VideoMeta.ChannelName)
	}
	if len(s.KeyPoints) > 0 {
		sb.WriteString("\nKey points:\n")
		for _, point := range s.KeyPoints {
			fmt.Fprintf(&sb, "  - %s\n", point)
		}
	}
	if s.FullSummary != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimRight(s.FullSummary, "\n"))
		sb.WriteString("\n")
	}
	if s.ID != "" {
		fmt.Fprintf(&sb, "\nSaved as %s\n", s.ID)
	}
	return sb.String()
}
