// Command lostpaw-login runs the Lost Paw login service: the OIDC
// Authorization Code + PKCE broker behind the /api/v1 login endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "lostpaw-login",
	Short:         "Lost Paw login service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
