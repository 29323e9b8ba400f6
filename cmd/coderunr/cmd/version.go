package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coderunr/coderunner/internal/types"
	"github.com/spf13/cobra"
)

func NewVersionCommand(cliVersion string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version information for the CodeRunr CLI and, when reachable, the server.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("CodeRunr CLI v%s\n", cliVersion)

			url, _ := cmd.Flags().GetString("url")
			info, err := fetchVersion(url)
			if err != nil {
				fmt.Printf("Server: unavailable (%v)\n", err)
				return
			}
			fmt.Printf("Server: %s\n", info.Message)
			if info.RuntimeVersion != "" {
				fmt.Printf("Runtime: %s %s\n", info.Runtime, info.RuntimeVersion)
			}
		},
	}

	return cmd
}

func fetchVersion(baseURL string) (*types.VersionInfo, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var info types.VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &info, nil
}
