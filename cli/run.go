package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/irisexec"
	"github.com/arbor-labs/arborflow/loader"
	"github.com/arbor-labs/arborflow/session"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial input text")
	cmd.Flags().String("start-node", "", "Entry node to start from (default: first entry node)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("echo", false, "Use the echo executor instead of live providers")
	cmd.Flags().Bool("events", false, "Print every event as it happens")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	input, _ := cmd.Flags().GetString("input")
	startNode, _ := cmd.Flags().GetString("start-node")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	echo, _ := cmd.Flags().GetBool("echo")
	showEvents, _ := cmd.Flags().GetBool("events")
	out := cmd.OutOrStdout()

	doc, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitValidation, "loading workflow: %v", err)
	}

	g, err := doc.Graph()
	if err != nil {
		return exitError(exitValidation, "building graph: %v", err)
	}

	profiles := core.NewInMemoryProfileRegistry()
	for _, p := range doc.Profiles {
		if err := profiles.Register(p); err != nil {
			return exitError(exitValidation, "registering profile %q: %v", p.Name, err)
		}
	}

	var executor core.WorkerExecutor
	if echo {
		executor = core.NewEchoExecutor()
	} else {
		executor = irisexec.New(irisexec.Config{Logger: slog.Default()})
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	eng := engine.New(engine.Options{
		Publisher: eb,
		Sessions:  session.NewMemStore(),
		Executor:  executor,
		Profiles:  profiles,
		Logger:    slog.Default(),
	})

	// Subscribe before submitting so no early event is lost; the session
	// ID is not known until Submit returns.
	sub := eb.SubscribeAll()
	defer sub.Close()

	sess, findings, err := eng.Submit(g, input, startNode)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			printFindingsText(cmd.ErrOrStderr(), verr.Findings)
			return exitError(exitValidation, "validation failed")
		}
		return exitError(exitRuntime, "starting session: %v", err)
	}
	for _, f := range findings {
		if f.Severity != "error" {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s [%s]: %s\n", strings.ToUpper(f.Severity), f.Code, f.Message)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := followSession(ctx, eng, sess.ID, sub, out, cmd.InOrStdin(), cmd.ErrOrStderr(), showEvents); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = eng.Cancel(sess.ID)
			return exitError(exitTimeout, "execution timed out after %s", timeout)
		}
		return err
	}
	return nil
}

// followSession prints session events until the workflow finishes. Input
// requests are answered interactively from stdin.
func followSession(
	ctx context.Context,
	eng *engine.Engine,
	sessionID string,
	sub bus.Subscription,
	out io.Writer,
	in io.Reader,
	errOut io.Writer,
	showEvents bool,
) error {
	reader := bufio.NewReader(in)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return exitError(exitRuntime, "event stream closed unexpectedly")
			}
			if evt.SessionID != sessionID {
				continue
			}
			if showEvents {
				fmt.Fprintf(errOut, "[%d] %s %s\n", evt.Seq, evt.Kind, evt.NodeID)
			}

			switch evt.Kind {
			case engine.EventNodeOutput:
				if delta, ok := evt.Payload["delta"].(string); ok {
					fmt.Fprint(out, delta)
				}
			case engine.EventNodeComplete:
				fmt.Fprintln(out)
			case engine.EventNodeError:
				if msg, ok := evt.Payload["error"].(string); ok {
					fmt.Fprintf(errOut, "node %s failed: %s\n", evt.NodeID, msg)
				}
			case engine.EventUserInputRequest:
				question, _ := evt.Payload["question"].(string)
				fmt.Fprintf(errOut, "\n%s\n> ", question)
				answer, err := reader.ReadString('\n')
				if err != nil {
					return exitError(exitRuntime, "reading answer: %v", err)
				}
				if err := eng.AnswerInput(sessionID, strings.TrimSpace(answer)); err != nil {
					return exitError(exitRuntime, "submitting answer: %v", err)
				}
			case engine.EventWorkflowCancelled:
				fmt.Fprintln(errOut, "workflow cancelled")
				return nil
			case engine.EventWorkflowComplete:
				status, _ := evt.Payload["status"].(string)
				if status == string(engine.SessionError) {
					msg, _ := evt.Payload["error"].(string)
					return exitError(exitRuntime, "execution failed: %s", msg)
				}
				return nil
			}
		}
	}
}
