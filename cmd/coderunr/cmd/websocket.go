package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func NewConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <file>",
		Short: "Run a script file over a WebSocket session",
		Long: `Open a WebSocket session to the CodeRunr server, submit one script and
stream its output. Equivalent to "coderunr run -t <file>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(args[0])
			if err != nil {
				return err
			}

			url, _ := cmd.Flags().GetString("url")
			secret, _ := cmd.Flags().GetString("secret")
			verbose, _ := cmd.Flags().GetBool("verbose")

			return executeInteractiveWS(url, string(code), signatureFor(secret, code), verbose)
		},
	}

	return cmd
}

func executeInteractiveWS(baseURL, code, signature string, verbose bool) error {
	// Convert HTTP URL to WebSocket URL
	wsURL, err := convertToWebSocketURL(baseURL)
	if err != nil {
		return fmt.Errorf("failed to convert URL: %w", err)
	}

	header := http.Header{}
	header.Set(auth.SignatureHeader, signature)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/connect", header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to WebSocket: status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	if verbose {
		fmt.Printf("Connected to WebSocket: %s\n", wsURL+"/connect")
	}

	if err := conn.WriteJSON(types.WebSocketMessage{Type: "run", Data: code}); err != nil {
		return fmt.Errorf("failed to send run request: %w", err)
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	for {
		var msg types.WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("WebSocket error: %w", err)
			}
			// Connection closed normally, run completed
			if verbose {
				fmt.Println("Connection closed, execution completed")
			}
			return nil
		}

		switch msg.Type {
		case "data":
			switch msg.Stream {
			case "stdout", "stderr":
				fmt.Print(msg.Data)
			default:
				if verbose && msg.Stream != "" {
					fmt.Printf("Unknown stream: %s\n", msg.Stream)
				}
			}

		case "exit":
			bold.Print("\nStatus: ")
			switch msg.Status {
			case types.StatusOK:
				green.Println(msg.Status)
			case types.StatusTimedOut:
				yellow.Println(msg.Status)
			default:
				red.Println(msg.Status)
			}
			if verbose && msg.Payload != nil {
				debug, _ := json.Marshal(msg.Payload)
				fmt.Printf("Debug: %s\n", debug)
			}
			if msg.Status != types.StatusOK {
				return &ErrScriptFailed{Status: msg.Status}
			}

		case "error":
			red.Printf("Error: %s\n", msg.Error)
			return fmt.Errorf("execution error: %s", msg.Error)

		default:
			if verbose {
				fmt.Printf("Unknown message type: %s\n", msg.Type)
			}
		}
	}
}

func convertToWebSocketURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	return u.String(), nil
}
