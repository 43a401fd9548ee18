package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"finger/internal/ids"
)

// producerSpec maps one CLI verb onto its mailbox target and message type.
type producerSpec struct {
	verb   string
	target string
	typ    string
	short  string
}

var producerSpecs = []producerSpec{
	{"understand", "understanding-agent", "UNDERSTAND", "Analyze a request"},
	{"route", "router-agent", "ROUTE", "Route a request to the right agent"},
	{"plan", "planner-agent", "PLAN", "Decompose a request into tasks"},
	{"execute", "executor-agent", "EXECUTE", "Run a single task"},
	{"review", "reviewer-agent", "REVIEW", "Review proposed work"},
	{"orchestrate", "orchestrator", "ORCHESTRATE", "Run a full workflow"},
}

// producerCommands builds the thin mailbox-producing verbs. Each posts one
// message and prints the terminal entry.
func producerCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(producerSpecs))
	for _, spec := range producerSpecs {
		spec := spec
		var sessionID, projectDir string
		var async bool
		cmd := &cobra.Command{
			Use:   spec.verb + " <task...>",
			Short: spec.short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return postMessage(spec.target, map[string]any{
					"type":       spec.typ,
					"content":    strings.Join(args, " "),
					"sessionId":  sessionID,
					"projectDir": projectDir,
				}, async)
			},
		}
		cmd.Flags().StringVar(&sessionID, "session", "", "session to run in")
		cmd.Flags().StringVar(&projectDir, "project", "", "project directory")
		cmd.Flags().BoolVar(&async, "async", false, "return immediately with the callback id")
		cmds = append(cmds, cmd)
	}
	return cmds
}

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Inspect mailbox messages",
}

func init() {
	messageCmd.AddCommand(
		&cobra.Command{
			Use:   "get <messageId>",
			Short: "Fetch a mailbox entry by message id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getJSON("/api/v1/message/" + args[0])
			},
		},
		&cobra.Command{
			Use:   "callback <callbackId>",
			Short: "Fetch a mailbox entry by callback id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getJSON("/api/v1/message/callback/" + args[0])
			},
		},
	)
}

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Show the resource pool status report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/resources")
	},
}

func hubClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}

func postMessage(target string, message map[string]any, async bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	callbackID := ids.NewCallbackID()
	body, err := json.Marshal(map[string]any{
		"target":     target,
		"message":    message,
		"sender":     "cli",
		"callbackId": callbackID,
	})
	if err != nil {
		return err
	}
	url := cfg.BaseURL() + "/api/v1/message"
	if async {
		url += "?async=1"
	}
	resp, err := hubClient().Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var result struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
		Result    any    `json:"result"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw)))
	}

	fmt.Printf("%s %s\n", gray("message"), result.MessageID)
	fmt.Printf("%s %s\n", gray("callback"), callbackID)
	switch result.Status {
	case "completed":
		fmt.Println(green(bold("completed")))
	case "failed":
		fmt.Println(red(bold("failed")) + " " + result.Error)
	default:
		fmt.Println(yellow(result.Status))
	}
	if result.Result != nil {
		pretty, _ := json.MarshalIndent(result.Result, "", "  ")
		fmt.Println(string(pretty))
	}
	return nil
}

func getJSON(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp, err := hubClient().Get(cfg.BaseURL() + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
