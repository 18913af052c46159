package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/jordankimberg/paywall/internal/server"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "paywall",
		Short: "Subscription entitlement gateway",
		Long: `Paywall is a multi-tenant entitlement gateway: a bounded-staleness cache
over Stripe subscriptions. It answers "does this user have access to this
product" without a provider round trip on every request, and keeps the cache
converged through checkout finalization and webhook reconciliation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(context.Background(), Version)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("paywall %s\n", Version)
			fmt.Printf("  build time: %s\n", BuildTime)
			fmt.Printf("  go version: %s\n", runtime.Version())
			fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
