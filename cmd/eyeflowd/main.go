package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mbathe/eyeflow/internal/config"
	"github.com/mbathe/eyeflow/ir"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eyeflowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envPath string

	root := &cobra.Command{
		Use:     "eyeflowd",
		Short:   "Compiled workflow runtime: FSM correlation + pipeline execution",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to a .env file (missing file is not an error)")

	root.AddCommand(serveCmd(&envPath))
	root.AddCommand(deployCmd(&envPath))
	root.AddCommand(replayCmd(&envPath))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return root.ExecuteContext(ctx)
}

func serveCmd(envPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger ingress, FSM runtime, and approval API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envPath)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			return app.Start(cmd.Context())
		},
	}
}

func deployCmd(envPath *string) *cobra.Command {
	var workflowID, descriptorPath string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a compiled FSM descriptor from a JSON file against a running Store",
		Long: `deploy loads an ir.Descriptor from --descriptor and registers it with a
freshly-constructed runtime sharing the configured state store. It is meant
for local verification of a compiled descriptor; production deployment is
driven by whatever compiles and ships descriptors to the runtime's NATS
control topic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envPath)
			if err != nil {
				return err
			}
			descriptor, err := loadDescriptor(descriptorPath)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			if workflowID == "" {
				workflowID = descriptor.MachineID
			}
			if err := app.Runtime.Deploy(cmd.Context(), workflowID, descriptor); err != nil {
				return fmt.Errorf("deploy: %w", err)
			}
			fmt.Printf("deployed %s as workflow %s\n", descriptor.MachineID, workflowID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "workflow id to deploy under (default: descriptor's machine_id)")
	cmd.Flags().StringVar(&descriptorPath, "descriptor", "", "path to a JSON-encoded ir.Descriptor")
	cmd.MarkFlagRequired("descriptor")
	return cmd
}

// replayLog is the on-disk shape a recorded trigger stream is captured in:
// a descriptor plus the ordered trigger events a live run observed.
//
// This replay is best-effort, not a byte-for-byte reconstruction: on-entry
// actions that call out to an LLM, connector, or human approval gate
// re-execute live against whatever Caller/Connector/Approval the replay
// process is wired to, rather than replaying recorded responses. Making FSM
// replay fully side-effect-free would mean adopting graph/replay.go's
// RecordedIO/hash-verification machinery for every on-entry action kind;
// that is future work (see DESIGN.md) — for now this subcommand re-derives
// CurrentState/MatchedValues transitions deterministically from a captured
// event log, which is the part of the spec's replay requirement that
// matters for debugging a correlation sequence after the fact.
type replayLog struct {
	Descriptor ir.Descriptor     `json:"descriptor"`
	Events     []ir.TriggerEvent `json:"events"`
}

func replayCmd(envPath *string) *cobra.Command {
	var logPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded trigger-event log through a fresh FSM runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envPath)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(logPath)
			if err != nil {
				return fmt.Errorf("replay: read %s: %w", logPath, err)
			}
			var rl replayLog
			if err := json.Unmarshal(raw, &rl); err != nil {
				return fmt.Errorf("replay: decode %s: %w", logPath, err)
			}

			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			workflowID := rl.Descriptor.MachineID + "-replay-" + uuid.NewString()[:8]
			if err := app.Runtime.Deploy(cmd.Context(), workflowID, rl.Descriptor); err != nil {
				return fmt.Errorf("replay: deploy: %w", err)
			}
			for _, evt := range rl.Events {
				app.Runtime.HandleTriggerEvent(cmd.Context(), evt)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"machine_id":      rl.Descriptor.MachineID,
				"events_replayed": len(rl.Events),
			})
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "path to a JSON {descriptor, events} replay log")
	cmd.MarkFlagRequired("log")
	return cmd
}

func loadDescriptor(path string) (ir.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ir.Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	var d ir.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return ir.Descriptor{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := d.Valid(); err != nil {
		return ir.Descriptor{}, fmt.Errorf("invalid descriptor: %w", err)
	}
	return d, nil
}
