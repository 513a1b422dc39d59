package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flitsinc/nogicos/internal/ctxwindow"
	"github.com/flitsinc/nogicos/internal/engine"
	"github.com/flitsinc/nogicos/internal/llm"
	"github.com/flitsinc/nogicos/internal/schema"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens <messages.json|->",
	Short: "Report context usage of a message history",
	Long: `Read a JSON array of messages and report its token usage against the
configured budget. With --compress the history is also compressed and the
result printed, summarizing with Anthropic when an API key is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		msgs, err := readMessages(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}

		mcfg := ctxwindow.Config{
			Budget:         engine.ContextBudget(cfg.Context),
			PreserveRecent: cfg.Context.PreserveRecent,
		}
		if cfg.LLMAPIKey != "" {
			mcfg.Summarizer = func(ctx context.Context) (ctxwindow.Summarizer, error) {
				return llm.NewSummarizer(llm.Config{APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel})
			}
		}
		m, err := ctxwindow.New(mcfg)
		if err != nil {
			return err
		}
		defer m.Close(cmd.Context())

		out := struct {
			Before     ctxwindow.Report  `json:"before"`
			After      *ctxwindow.Report `json:"after,omitempty"`
			Compressed []schema.Message  `json:"compressed,omitempty"`
		}{Before: m.Status(msgs)}

		if force, _ := cmd.Flags().GetBool("compress"); force {
			compressed, err := m.MaybeCompress(cmd.Context(), msgs, true)
			if err != nil {
				return err
			}
			after := m.Status(compressed)
			out.After = &after
			out.Compressed = compressed
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func readMessages(stdin io.Reader, path string) ([]schema.Message, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var msgs []schema.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return msgs, nil
}

func init() {
	tokensCmd.Flags().Bool("compress", false, "compress the history and print the result")
	rootCmd.AddCommand(tokensCmd)
}
