package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aixgo-dev/orchestra"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/workflow"
)

const historyFile = ".orchestra_history"

var chatCommands = []string{"/history", "/multi", "/quit", "/single"}

func newChatCmd(v *viper.Viper) *cobra.Command {
	var (
		sessionID string
		multi     bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agents in the terminal",
		Long: `Start an interactive session. Agent output is streamed as it arrives.

Commands:
  /multi    route each message to several agents
  /single   route each message to the best agent
  /history  print the session thread
  /quit     leave`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), v, cmd.OutOrStdout(), sessionID, multi)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue (random when empty)")
	cmd.Flags().BoolVar(&multi, "multi", false, "start in multi-agent mode")
	return cmd
}

// pending is a run waiting for the user's answer.
type pending struct {
	runID    string
	requests []string
}

func runChat(ctx context.Context, v *viper.Viper, out io.Writer, sessionID string, multi bool) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logCfg := cfg.Logging
	if v.GetString("log-level") == "" {
		logCfg.Level = "warn"
	}
	o, err := orchestra.FromConfig(ctx, cfg, logging.New(logCfg))
	if err != nil {
		return err
	}
	defer o.Close()

	if sessionID == "" {
		sessionID = "cli_" + uuid.New().String()[:8]
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(s string) []string {
		var c []string
		for _, cmd := range chatCommands {
			if strings.HasPrefix(cmd, s) {
				c = append(c, cmd)
			}
		}
		return c
	})

	histPath := historyPath()
	if f, err := os.Open(histPath); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Fprintf(out, "orchestra %s, session %s, agents: %s\n", Version, sessionID, strings.Join(o.Agents().Keys(), ", "))

	var wait *pending
	for {
		prompt := "> "
		if wait != nil {
			prompt = "? "
		}
		input, err := line.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit", "/exit":
			return nil
		case "/multi", "/single":
			multi = input == "/multi"
			fmt.Fprintf(out, "multi-agent mode: %v\n", multi)
			continue
		case "/history":
			printHistory(ctx, o, out, sessionID)
			continue
		}

		if wait != nil {
			wait = answer(ctx, o, out, wait, input)
			continue
		}
		wait = streamTurn(ctx, o, out, input, sessionID, multi)
	}
}

// streamTurn prints one streamed turn and returns the run when it suspends.
func streamTurn(ctx context.Context, o *orchestra.Orchestrator, out io.Writer, input, sessionID string, multi bool) *pending {
	var (
		wait     *pending
		agent    string
		printed  bool
		streamed = make(map[string]bool)
	)
	for ev, err := range o.Stream(ctx, input, sessionID, multi) {
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return nil
		}
		switch ev.Type {
		case workflow.EventAgentOutput:
			if ev.Partial {
				streamed[ev.Node] = true
			} else if streamed[ev.Node] {
				continue
			}
			if ev.Agent != agent {
				if printed {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "[%s] ", ev.Agent)
				agent = ev.Agent
			}
			fmt.Fprint(out, ev.Text)
			printed = true
		case workflow.EventRequestInfo:
			if printed {
				fmt.Fprintln(out)
				printed = false
			}
			fmt.Fprintf(out, "[%s] %s\n", ev.Agent, ev.Prompt)
			if wait == nil {
				wait = &pending{runID: ev.RunID}
			}
			wait.requests = append(wait.requests, ev.RequestID)
		case workflow.EventWorkflowOutput:
			if !ev.Degraded {
				continue
			}
			if printed {
				fmt.Fprintln(out)
				printed = false
			}
			fmt.Fprintln(out, ev.Text)
		case workflow.EventWorkflowFailed:
			if printed {
				fmt.Fprintln(out)
				printed = false
			}
			fmt.Fprintf(out, "run failed: %s\n", ev.Reason)
		}
	}
	if printed {
		fmt.Fprintln(out)
	}
	return wait
}

// answer sends input as the reply to every pending request.
func answer(ctx context.Context, o *orchestra.Orchestrator, out io.Writer, wait *pending, input string) *pending {
	responses := make(map[string]string, len(wait.requests))
	for _, id := range wait.requests {
		responses[id] = input
	}
	res, err := o.Resume(ctx, wait.runID, responses)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "[%s] %s\n", res.AgentUsed, res.Content)
	if res.Status != workflow.StatusSuspended {
		return nil
	}
	next := &pending{runID: res.RunID}
	for _, p := range res.PendingRequests {
		next.requests = append(next.requests, p.RequestID)
	}
	return next
}

func printHistory(ctx context.Context, o *orchestra.Orchestrator, out io.Writer, sessionID string) {
	messages, err := o.History(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	for _, m := range messages {
		who := string(m.Role)
		if m.Agent != "" {
			who = m.Agent
		}
		fmt.Fprintf(out, "%s  %-10s %s\n", m.Timestamp.Local().Format("15:04:05"), who, m.Content)
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), historyFile)
	}
	return filepath.Join(home, historyFile)
}
