package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"polyglot-exec/internal/api"
	"polyglot-exec/internal/auth"
	"polyglot-exec/internal/execution"
	"polyglot-exec/internal/runtime"
)

var (
	serverURL string
	token     string
	language  string
	snippetID string
	limit     int

	tokenSecret string
	tokenIssuer string
	tokenRole   string
	tokenTTL    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "polyglot",
		Short:        "CLI client for polyglot-exec",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("POLYGLOT_SERVER", "http://localhost:8082"), "Server URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("POLYGLOT_TOKEN"), "Bearer token")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code, read from stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&language, "language", "l", "PYTHON", "Language (PYTHON, JAVASCRIPT, JAVA, GO, RUST, CPP, RUBY, PHP)")
	execCmd.Flags().StringVar(&snippetID, "snippet", "", "Snippet id to attach")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().StringVar(&snippetID, "snippet", "", "Snippet id to attach")
	root.AddCommand(execFileCmd)

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent executions",
		RunE:  runRecent,
	}
	recentCmd.Flags().IntVar(&limit, "limit", 0, "Number of executions (server default when 0)")
	root.AddCommand(recentCmd)

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Stream execution status events",
		RunE:  runWatch,
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin operations on execution records",
	}
	adminCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every execution record",
			RunE: func(_ *cobra.Command, _ []string) error {
				return call(http.MethodGet, "/admin/executions", nil)
			},
		},
		&cobra.Command{
			Use:   "get [id]",
			Short: "Show one execution record",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodGet, "/admin/executions/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "rerun [id]",
			Short: "Run a stored execution again",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodPost, "/admin/executions/"+url.PathEscape(args[0])+"/rerun", nil)
			},
		},
		&cobra.Command{
			Use:   "kill [id]",
			Short: "Mark an execution killed, stopping it if it is running",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodPost, "/admin/executions/"+url.PathEscape(args[0])+"/kill", nil)
			},
		},
	)
	root.AddCommand(adminCmd)

	tokenCmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a signed token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role claim (admin for admin routes)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	root.AddCommand(tokenCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runExec(_ *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code, language)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(filepath.Clean(args[0]))
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		ext := filepath.Ext(args[0])
		rt, ok := runtime.NewRegistry().ByExtension(ext)
		if !ok {
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
		language = string(rt.Name())
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	req := api.ExecuteRequest{Language: lang, Code: code}
	if snippetID != "" {
		req.SnippetID = &snippetID
	}

	status, body, err := send(http.MethodPost, "/execute", req, 0)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		var resp api.ExecuteResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		fmt.Fprintf(os.Stderr, "execution %s: success\n", resp.ExecutionID)
		fmt.Print(resp.Output)
		return nil
	case http.StatusBadRequest:
		var resp api.ExecuteFailure
		if err := json.Unmarshal(body, &resp); err == nil && resp.ExecutionID != "" {
			fmt.Fprintf(os.Stderr, "execution %s: failed\n", resp.ExecutionID)
			fmt.Fprint(os.Stderr, resp.Message)
			os.Exit(1)
		}
	}
	return apiError(status, body)
}

func runRecent(_ *cobra.Command, _ []string) error {
	path := "/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return call(http.MethodGet, path, nil)
}

func runHealth(_ *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(serverURL, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("status:      %s\n", health.Status)
	fmt.Printf("sandbox:     %t\n", health.Sandbox)
	fmt.Printf("database:    %t\n", health.Database)
	fmt.Printf("active runs: %d\n", health.ActiveRuns)
	fmt.Printf("in flight:   %d\n", health.InFlight)
	fmt.Printf("subscribers: %d\n", health.Subscribers)
	fmt.Printf("uptime:      %s\n", health.Uptime.Duration)
	if health.Status != "ok" {
		os.Exit(1)
	}
	return nil
}

func runWatch(_ *cobra.Command, _ []string) error {
	u, err := url.Parse(strings.TrimRight(serverURL, "/") + api.BasePath + "/ws")
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var f api.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("stream ended: %w", err)
		}
		printEvent(f.Data)
	}
}

func printEvent(ev execution.StatusEvent) {
	line := fmt.Sprintf("%s  %-36s  %-10s  %-8s  %s",
		ev.Timestamp.Format(time.RFC3339), ev.ExecutionID, ev.Language, ev.Status, ev.UserID)
	if msg := firstLine(ev.Output + ev.Error); msg != "" {
		line += "  " + msg
	}
	fmt.Println(line)
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}

func runToken(_ *cobra.Command, args []string) error {
	tok, err := auth.NewVerifier(tokenSecret, tokenIssuer).Issue(args[0], tokenRole, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// call sends a request under the API base path and pretty prints the JSON
// response.
func call(method, path string, body any) error {
	status, data, err := send(method, path, body, 10*time.Second)
	if err != nil {
		return err
	}
	if status >= 400 {
		return apiError(status, data)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Println(out.String())
	return nil
}

// send performs a request and returns the raw response. A zero timeout waits
// for as long as the server holds the request, which execution needs.
func send(method, path string, body any, timeout time.Duration) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+api.BasePath+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func apiError(status int, body []byte) error {
	var msg api.MessageResponse
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return fmt.Errorf("server returned %d: %s", status, msg.Message)
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}
