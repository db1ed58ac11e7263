package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"smartgate/internal/oauth"
	pkgstrings "smartgate/pkg/strings"
)

// DefaultDiscoverTimeout bounds the whole discover command.
const DefaultDiscoverTimeout = 30 * time.Second

var (
	discoverIssuer       string
	discoverOutputFormat string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Show the SMART capability document of an issuer",
	Long: `Fetches the SMART configuration of a FHIR server the same way the gateway
does: /.well-known/smart-configuration first, RFC 8414 metadata as a fallback.
The document is validated before it is printed.

Examples:
  smartgate discover --issuer https://ehr.example.com/fhir
  smartgate discover --issuer https://ehr.example.com/fhir --output json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), DefaultDiscoverTimeout)
		defer cancel()
		return runDiscover(ctx, cmd.OutOrStdout(), oauth.NewHTTPClient(nil), discoverIssuer, discoverOutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().StringVar(&discoverIssuer, "issuer", "", "FHIR base URL (SMART issuer)")
	discoverCmd.Flags().StringVarP(&discoverOutputFormat, "output", "o", "table", "Output format (table, json)")
	_ = discoverCmd.MarkFlagRequired("issuer")
}

func runDiscover(ctx context.Context, out io.Writer, client *http.Client, issuer, format string) error {
	if format != "table" && format != "json" {
		return fmt.Errorf("unsupported output format %q (use table or json)", format)
	}

	discovery := oauth.NewDiscoveryClient(oauth.WithDiscoveryHTTPClient(client))
	doc, err := discovery.GetCapabilities(ctx, issuer)
	if err != nil {
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	renderCapabilities(out, doc)
	return nil
}

func renderCapabilities(out io.Writer, doc *oauth.CapabilityDocument) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("FIELD"),
		text.FgHiCyan.Sprint("VALUE"),
	})

	t.AppendRows([]table.Row{
		{"source", doc.Source},
		{"issuer", orNone(doc.Issuer)},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"revocation_endpoint", orNone(doc.RevocationEndpoint)},
		{"code_challenge_methods", list(doc.CodeChallengeMethodsSupported)},
		{"grant_types", list(doc.GrantTypesSupported)},
		{"auth_methods", list(doc.TokenEndpointAuthMethodsSupported)},
		{"capabilities", list(doc.Capabilities)},
		{"scopes", list(doc.ScopesSupported)},
	})
	t.Render()

	if !doc.SupportsRevocation() {
		fmt.Fprintf(out, "%s\n", text.FgYellow.Sprint("No revocation endpoint: logout cannot revoke tokens at this server"))
	}
}

func list(values []string) string {
	if len(values) == 0 {
		return orNone("")
	}
	return pkgstrings.JoinTruncated(values, pkgstrings.DefaultMaxLen)
}

func orNone(v string) string {
	if v == "" {
		return text.FgHiBlack.Sprint("(none)")
	}
	return v
}
