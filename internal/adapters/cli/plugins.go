package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/MidknightMantra/MidKnight/internal/adapters/daemon"
	"github.com/MidknightMantra/MidKnight/internal/adapters/loader"
	"github.com/MidknightMantra/MidKnight/internal/adapters/wasm"
	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and reload plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plugins",
	Long: `List the plugins a bot would load from the current configuration.

With --remote the list is fetched from a running bot instead.`,
	Args: cobra.NoArgs,
	RunE: runPluginsList,
}

var pluginsValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load a plugin without registering it",
	Long: `Compile a script file or Wasm plugin directory and print its descriptor.

Examples:
  midknight plugins validate ./plugins/dice.lua
  midknight plugins validate ./plugins/echo`,
	Args: cobra.ExactArgs(1),
	RunE: runPluginsValidate,
}

var pluginsReloadCmd = &cobra.Command{
	Use:   "reload [name]",
	Short: "Reload plugins in a running bot",
	Long:  `Reload one plugin by name, or every plugin when no name is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPluginsReload,
}

var (
	pluginsRemote bool
	controlAddr   string
)

func init() {
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsValidateCmd)
	pluginsCmd.AddCommand(pluginsReloadCmd)

	pluginsListCmd.Flags().BoolVar(&pluginsRemote, "remote", false, "query the running bot")
	pluginsCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control plane address (defaults to health.addr)")
}

// controlClient connects to the control plane named by --addr or the config.
func controlClient(cmd *cobra.Command) (*daemon.Client, error) {
	if controlAddr != "" {
		return daemon.NewClient(controlAddr), nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(cfg.Health.Addr), nil
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if pluginsRemote {
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		plugins, err := client.Plugins(ctx)
		if err != nil {
			return err
		}
		printPlugins(cmd.OutOrStdout(), plugins)
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rt, err := wasm.NewRuntime(ctx, logger, wasm.RuntimeOptions{Timeout: cfg.Plugins.ScriptTimeout})
	if err != nil {
		return fmt.Errorf("failed to start wasm runtime: %w", err)
	}
	defer rt.Close(ctx)

	registry := services.NewRegistry(pluginSource(cfg, afero.NewOsFs(), rt, logger), services.RegistryConfig{}, logger)
	registry.SetInitContext(ports.InitContext{Settings: cfg.BotSettings(), Store: store, Logger: logger})
	defer registry.Close()

	report, err := registry.LoadAll(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printPlugins(out, registry.List())
	if report.Failed > 0 {
		fmt.Fprintf(out, "\n%d failed:\n", report.Failed)
		for _, e := range report.Errors {
			fmt.Fprintf(out, "  ✗ %v\n", e)
		}
	}
	return nil
}

func runPluginsValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	rt, err := wasm.NewRuntime(ctx, logger, wasm.RuntimeOptions{Timeout: cfg.Plugins.ScriptTimeout})
	if err != nil {
		return fmt.Errorf("failed to start wasm runtime: %w", err)
	}
	defer rt.Close(ctx)

	p, err := loader.LoadPath(ctx, afero.NewOsFs(), args[0], loader.Options{
		ScriptTimeout: cfg.Plugins.ScriptTimeout,
		Wasm:          rt,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if c, ok := p.(io.Closer); ok {
		defer c.Close()
	}

	d := p.Descriptor()
	d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %s is a valid plugin\n", args[0])
	fmt.Fprintf(out, "  Name:     %s\n", d.Name)
	fmt.Fprintf(out, "  Commands: %s\n", strings.Join(d.Patterns, ", "))
	if len(d.Aliases) > 0 {
		fmt.Fprintf(out, "  Aliases:  %s\n", strings.Join(d.Aliases, ", "))
	}
	fmt.Fprintf(out, "  Category: %s\n", d.Category)
	fmt.Fprintf(out, "  Access:   %s\n", access(&d))
	return nil
}

func runPluginsReload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		d, err := client.ReloadPlugin(ctx, strings.ToLower(args[0]))
		if err != nil {
			return fmt.Errorf("reload failed: %w", err)
		}
		fmt.Fprintf(out, "✓ Reloaded %s (%s)\n", d.Name, d.Unit)
		return nil
	}

	report, err := client.ReloadAll(ctx)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	fmt.Fprintf(out, "✓ Reloaded %d plugins, %d failed\n", report.Loaded, report.Failed)
	return nil
}

func printPlugins(out io.Writer, plugins []domain.PluginDescriptor) {
	if len(plugins) == 0 {
		fmt.Fprintln(out, "(no plugins loaded)")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tCATEGORY\tCOMMANDS\tACCESS")
	for i := range plugins {
		d := &plugins[i]
		commands := strings.Join(append(append([]string{}, d.Patterns...), d.Aliases...), ",")
		if commands == "" {
			commands = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Kind, d.Category, commands, access(d))
	}
	w.Flush()
}

func access(d *domain.PluginDescriptor) string {
	var parts []string
	if d.Permissions.Disabled {
		parts = append(parts, "passive")
	}
	if d.Permissions.OwnerOnly {
		parts = append(parts, "owner")
	}
	if d.Permissions.GroupOnly {
		parts = append(parts, "group")
	}
	if len(parts) == 0 {
		return "everyone"
	}
	return strings.Join(parts, ",")
}
