package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/chatgate/internal/features"
	"github.com/KafClaw/chatgate/internal/store"
	"github.com/KafClaw/chatgate/internal/toggle"
)

var featuresChat int64

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List or switch per-chat features in the store",
	Long: "Reads and writes toggle rows directly. A running gateway only picks up\n" +
		"changes made here after a restart; use the admin API or /enable for live changes.",
}

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List features and their state in a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store, def bool) error {
			return listFeatures(ctx, cmd.OutOrStdout(), st, features.Default(), featuresChat, def)
		})
	},
}

var featuresEnableCmd = &cobra.Command{
	Use:   "enable <feature>",
	Short: "Enable a feature in a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store, _ bool) error {
			return setFeature(ctx, cmd.OutOrStdout(), st, features.Default(), featuresChat, args[0], true)
		})
	},
}

var featuresDisableCmd = &cobra.Command{
	Use:   "disable <feature>",
	Short: "Disable a feature in a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store, _ bool) error {
			return setFeature(ctx, cmd.OutOrStdout(), st, features.Default(), featuresChat, args[0], false)
		})
	},
}

func init() {
	featuresCmd.PersistentFlags().Int64Var(&featuresChat, "chat", 0, "Chat scope id")
	_ = featuresCmd.MarkPersistentFlagRequired("chat")
	featuresCmd.AddCommand(featuresListCmd, featuresEnableCmd, featuresDisableCmd)
}

// withStore loads the config, opens the store and hands it to fn together
// with the configured toggle default.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store, def bool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st, cfg.Toggles.Default)
}

func listFeatures(ctx context.Context, w io.Writer, st store.Store, reg *features.Registry, chat int64, def bool) error {
	rows, err := st.ListToggles(ctx, chat)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Features in chat %d\n", chat)
	for _, d := range reg.All() {
		on, ok := rows[d.Name]
		if !ok {
			on = def
		}
		state := color.RedString("off")
		if on {
			state = color.GreenString("on ")
		}
		fmt.Fprintf(w, "  [%s] %-8s %s\n", state, d.Name, d.Description)
	}
	return nil
}

func setFeature(ctx context.Context, w io.Writer, st toggle.Writer, reg *features.Registry, chat int64, name string, enabled bool) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !reg.Has(name) {
		err := fmt.Errorf("%w: %s", features.ErrUnknownFeature, name)
		if s := reg.Suggest(name, 3); len(s) > 0 {
			err = errors.Join(err, fmt.Errorf("did you mean %s?", strings.Join(s, ", ")))
		}
		return err
	}
	batch := map[toggle.Key]bool{{ChatScope: chat, Feature: name}: enabled}
	if err := st.WriteToggleBatch(ctx, batch); err != nil {
		return fmt.Errorf("write toggle: %w", err)
	}
	word := "disabled"
	if enabled {
		word = "enabled"
	}
	fmt.Fprintf(w, "%s %s in chat %d\n", name, word, chat)
	return nil
}
