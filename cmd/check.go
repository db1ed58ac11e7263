package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"smartgate/internal/config"
)

var checkConfigPath string

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the gateway configuration",
	Long: `Loads config.yaml and SMARTGATE_* overrides exactly as 'smartgate serve'
does, validates the result and prints the effective settings. Secrets are
never printed.

Exits with status 2 when the configuration is invalid.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := checkConfigPath
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		return runCheckConfig(cmd.OutOrStdout(), path, config.LoadConfig)
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)

	checkConfigCmd.Flags().StringVar(&checkConfigPath, "config-path", "", "Configuration directory containing config.yaml")
}

func runCheckConfig(out io.Writer, configPath string, load func(string) (config.Config, error)) error {
	cfg, err := load(configPath)
	if err != nil {
		fmt.Fprintf(out, "%s %v\n", text.FgRed.Sprint("✗"), err)
		return err
	}

	renderSettings(out, configPath, cfg)

	err = cfg.Validate()
	var validationErrs config.ValidationErrors
	switch {
	case err == nil:
		fmt.Fprintf(out, "%s %s\n", text.FgGreen.Sprint("✓"), text.FgGreen.Sprint("Configuration is valid"))
		return nil
	case errors.As(err, &validationErrs):
		for _, ve := range validationErrs {
			got := ""
			if ve.Value != nil {
				got = text.FgHiBlack.Sprintf(" (got %v)", ve.Value)
			}
			fmt.Fprintf(out, "%s %s: %s%s\n", text.FgRed.Sprint("✗"), text.FgHiCyan.Sprint(ve.Field), ve.Message, got)
		}
	default:
		fmt.Fprintf(out, "%s %v\n", text.FgRed.Sprint("✗"), err)
	}
	return err
}

func renderSettings(out io.Writer, configPath string, cfg config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("SETTING"),
		text.FgHiCyan.Sprint("VALUE"),
	})

	store := "memory"
	if cfg.RedisEnabled() {
		store = "redis (" + cfg.Redis.KeyPrefix + ")"
	}

	t.AppendRows([]table.Row{
		{"config file", config.ConfigFilePath(configPath)},
		{"listenAddr", cfg.ListenAddr},
		{"fhirBaseURL", orNone(cfg.FHIRBaseURL)},
		{"allowedIssuers", list(cfg.Issuers())},
		{"clientID", orNone(cfg.ClientID)},
		{"clientSecret", secretStatus(cfg.ClientSecret)},
		{"redirectURI", orNone(cfg.RedirectURI)},
		{"allowedRedirectURIs", list(cfg.AllowedRedirectURIs)},
		{"scopes", list(cfg.Scopes)},
		{"session.secret", secretStatus(cfg.Session.Secret)},
		{"session.idleTTL", cfg.Session.IdleTTL},
		{"refreshSafetyMargin", cfg.RefreshSafetyMargin},
		{"store", store},
		{"logLevel", strings.ToLower(cfg.LogLevel)},
	})
	t.Render()
}

func secretStatus(secret string) string {
	if secret == "" {
		return text.FgHiBlack.Sprint("not set")
	}
	return fmt.Sprintf("set (%d bytes)", len(secret))
}
