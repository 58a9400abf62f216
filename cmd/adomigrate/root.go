package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/adomigrate/adomigrate/internal/config"
	"github.com/adomigrate/adomigrate/internal/debug"
	"github.com/adomigrate/adomigrate/internal/telemetry"
	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
	"github.com/adomigrate/adomigrate/internal/ui"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// app holds the state shared by one command invocation.
type app struct {
	configFile string
	dotEnv     string
	verbose    bool
	quiet      bool
	noColor    bool
	jsonOutput bool
	output     string

	cfg    *config.Config
	logger *slog.Logger

	// transportOpts are appended to the defaults; tests use them to inject a
	// timer so retries never sleep.
	transportOpts []azuredevops.TransportOption
}

func newRootCmd(transportOpts ...azuredevops.TransportOption) *cobra.Command {
	a := &app{transportOpts: transportOpts}

	rootCmd := &cobra.Command{
		Use:   "adomigrate",
		Short: "Azure DevOps cross-project migration helpers",
		Long: `adomigrate replicates work items and their relations from a source
Azure DevOps project into a target project.

Target copies carry the source id in a marker field (default
Custom.ReflectedWorkItemId); link-bundles uses it to map related links
between the two projects.

Connection settings come from flags, then ADO_SOURCE_* / ADO_TARGET_*
environment variables, then adomigrate.yaml, then .env.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			telemetry.Shutdown(cmd.Context())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./adomigrate.yaml if present)")
	pf.StringVar(&a.dotEnv, "env-file", ".env", "dotenv file loaded into the environment if present")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress progress output")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&a.jsonOutput, "json", false, "shorthand for --output json")
	pf.StringVarP(&a.output, "output", "o", outputText, "output format: text, json or yaml")

	rootCmd.AddCommand(
		a.newLinkBundlesCmd(),
		a.newCopyCmd(),
		a.newCommentCmd(),
		a.newFieldsCmd(),
		newVersionCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	debug.SetVerbose(a.verbose)
	debug.SetQuiet(a.quiet)
	debug.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
	ui.ApplyColorProfile(a.noColor)

	if a.jsonOutput {
		a.output = outputJSON
	}
	switch a.output {
	case outputText, outputJSON, outputYAML:
	default:
		return fmt.Errorf("invalid --output %q (want text, json or yaml)", a.output)
	}

	cfg, err := config.Load(config.Options{ConfigFile: a.configFile, DotEnv: a.dotEnv})
	if err != nil {
		return err
	}
	if err := cfg.BindFlags(cmd.Flags()); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = debug.NewLogger()
	if used := cfg.ConfigFileUsed(); used != "" {
		a.logger.Debug("config loaded", "file", used)
	}

	if err := telemetry.Init(cmd.Context(), "adomigrate", Version); err != nil {
		a.logger.Warn("telemetry disabled", "error", err)
	}
	return nil
}

func (a *app) transport() *azuredevops.Transport {
	opts := append([]azuredevops.TransportOption{azuredevops.WithLogger(a.logger)}, a.transportOpts...)
	return azuredevops.NewTransport(opts...)
}

// sourceClient builds the source client. Configuration errors surface here,
// before any request is sent.
func (a *app) sourceClient(t *azuredevops.Transport) (*azuredevops.Client, error) {
	conn, err := a.cfg.SourceConnection()
	if err != nil {
		return nil, err
	}
	return azuredevops.NewClient(conn, t), nil
}

func (a *app) targetClient(t *azuredevops.Transport) (*azuredevops.Client, error) {
	conn, err := a.cfg.TargetConnection()
	if err != nil {
		return nil, err
	}
	return azuredevops.NewClient(conn, t), nil
}

// bothClients validates both sides before returning either.
func (a *app) bothClients() (source, target *azuredevops.Client, err error) {
	t := a.transport()
	if source, err = a.sourceClient(t); err != nil {
		return nil, nil, err
	}
	if target, err = a.targetClient(t); err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

// render writes v as JSON or YAML, or calls text for the text format.
func (a *app) render(w io.Writer, v any, text func() error) error {
	switch a.output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			_ = enc.Close()
			return err
		}
		return enc.Close()
	default:
		return text()
	}
}

func addSourceFlags(fs *pflag.FlagSet) {
	fs.String("source-org", "", "source organization URL (env ADO_SOURCE_ORG_URL)")
	fs.String("source-project", "", "source project (env ADO_SOURCE_PROJECT)")
	fs.String("source-pat", "", "source personal access token (env ADO_SOURCE_PAT)")
}

func addTargetFlags(fs *pflag.FlagSet) {
	fs.String("target-org", "", "target organization URL (env ADO_TARGET_ORG_URL)")
	fs.String("target-project", "", "target project (env ADO_TARGET_PROJECT)")
	fs.String("target-pat", "", "target personal access token (env ADO_TARGET_PAT)")
}
