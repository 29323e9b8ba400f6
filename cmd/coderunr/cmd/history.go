package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"ls", "list"},
		Short:   "List recent script runs",
		Long: `List the most recent script runs recorded by the CodeRunr server.

The server must be started with a history database.

Examples:
  # List the last 50 runs
  coderunr history

  # List the last 10 runs
  coderunr history -n 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			secret, _ := cmd.Flags().GetString("secret")

			records, err := fetchHistory(url, signatureFor(secret, nil), limit)
			if err != nil {
				return err
			}
			printHistory(os.Stdout, records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of runs to list")

	return cmd
}

func fetchHistory(baseURL, signature string, limit int) ([]types.HistoryRecord, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/history?limit=%d", baseURL, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(auth.SignatureHeader, signature)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var records []types.HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return records, nil
}

func printHistory(out io.Writer, records []types.HistoryRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}

	bold := color.New(color.Bold)
	bold.Fprintf(out, "Recent runs (%d):\n\n", len(records))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSCRIPT\tSTATUS\tCODE\tBYTES\tTOOK")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%dms\n",
			rec.StartedAt.Local().Format(time.DateTime),
			rec.ScriptID,
			rec.Status,
			rec.ExitCode,
			rec.Size,
			rec.DurationMS,
		)
	}
	w.Flush()
}
