package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// unsignedPlaceholder is sent when no secret is configured; servers without
// a secret only check that the header is present
const unsignedPlaceholder = "unsigned"

// ErrScriptFailed is returned when the script ran but did not succeed
type ErrScriptFailed struct {
	Status string
}

func (e *ErrScriptFailed) Error() string {
	return "script failed: " + e.Status
}

func NewExecuteCommand() *cobra.Command {
	var (
		interactive bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:     "run <file>",
		Aliases: []string{"execute", "exec"},
		Short:   "Run a script file in the sandbox",
		Long: `Run a script file in the CodeRunr sandbox and print its output.

Examples:
  # Run a script
  coderunr run script.js

  # Read the script from stdin
  echo 'console.log(1)' | coderunr run -

  # Sign the submission with a shared secret
  coderunr run script.js --secret s3cret

  # Stream the result over a WebSocket session
  coderunr run script.js -t`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(args[0])
			if err != nil {
				return err
			}

			url, _ := cmd.Flags().GetString("url")
			secret, _ := cmd.Flags().GetString("secret")
			verbose, _ := cmd.Flags().GetBool("verbose")
			signature := signatureFor(secret, code)

			if interactive {
				return executeInteractiveWS(url, string(code), signature, verbose)
			}

			result, status, err := submitScript(url, code, signature)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printResult(os.Stdout, result, verbose)
			}

			if status != http.StatusOK {
				return &ErrScriptFailed{Status: result.Status}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "t", false, "Run using a WebSocket session")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON result")

	return cmd
}

func readScript(filename string) ([]byte, error) {
	if filename == "-" {
		code, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return code, nil
	}

	code, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return code, nil
}

func signatureFor(secret string, body []byte) string {
	if secret == "" {
		return unsignedPlaceholder
	}
	return auth.SignatureFor(secret, body)
}

// submitScript posts code to /script. Rejections before the script ran are
// returned as errors; a finished run is returned with its HTTP status.
func submitScript(baseURL string, code []byte, signature string) (*types.ScriptResult, int, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/script", bytes.NewReader(code))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/javascript")
	req.Header.Set(auth.SignatureHeader, signature)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	// Only a finished run carries process diagnostics
	var probe struct {
		Debug json.RawMessage `json:"debug"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Debug == nil {
		return nil, resp.StatusCode, fmt.Errorf("request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result types.ScriptResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, resp.StatusCode, nil
}

func printResult(out io.Writer, result *types.ScriptResult, verbose bool) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	if result.Stdout != "" {
		bold.Fprintln(out, "STDOUT")
		fmt.Fprint(out, indentLines(result.Stdout))
	}

	if result.Stderr != "" {
		bold.Fprintln(out, "STDERR")
		fmt.Fprint(out, indentLines(result.Stderr))
	}

	fmt.Fprint(out, "Status: ")
	switch result.Status {
	case types.StatusOK:
		green.Fprintln(out, result.Status)
	case types.StatusTimedOut:
		yellow.Fprintln(out, result.Status)
	default:
		red.Fprintln(out, result.Status)
	}

	if verbose || result.Debug.Code != 0 {
		fmt.Fprintf(out, "Exit Code: %d\n", result.Debug.Code)
	}
	if result.Debug.Signal != "" {
		fmt.Fprint(out, "Signal: ")
		yellow.Fprintln(out, result.Debug.Signal)
	}
}

func indentLines(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
