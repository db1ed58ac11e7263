package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"smartgate/internal/config"
	"smartgate/internal/oauth"
)

// Process exit codes.
const (
	ExitCodeSuccess = 0
	// ExitCodeError covers everything without a more specific code.
	ExitCodeError = 1
	// ExitCodeInvalidConfig indicates the configuration failed validation.
	ExitCodeInvalidConfig = 2
	// ExitCodeUnavailable indicates an authorization or record server could
	// not be reached or returned an unusable capability document.
	ExitCodeUnavailable = 3
)

var rootCmd = &cobra.Command{
	Use:   "smartgate",
	Short: "SMART on FHIR authorization gateway",
	Long: `smartgate runs the SMART App Launch authorization code flow with PKCE on
behalf of browser clients and proxies FHIR reads with the resulting tokens.

Tokens never reach the browser: the browser holds only a signed session cookie,
and smartgate refreshes, rotates and revokes tokens server-side.`,
	SilenceUsage: true,
}

// SetVersion records the build version injected by main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the version set by SetVersion.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "smartgate version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps err onto one of the ExitCode constants.
func getExitCode(err error) int {
	var validationErrs config.ValidationErrors
	if errors.As(err, &validationErrs) {
		return ExitCodeInvalidConfig
	}

	if errors.Is(err, oauth.ErrDiscovery) ||
		errors.Is(err, oauth.ErrTransient) ||
		errors.Is(err, oauth.ErrInsecureEndpoint) {
		return ExitCodeUnavailable
	}

	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
