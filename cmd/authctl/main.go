// Command authctl is the operator CLI for the auth gateway.
//
// Purpose:
//
//	Resolve channels, access grants and workspaces the way the gateway does,
//	register channels and grants in master mode, print SSO authorization URLs
//	and run database migrations.
//
// Dependencies:
//   - internal/cli: Cobra command tree and Viper configuration
//
package main

import (
	"fmt"
	"os"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
