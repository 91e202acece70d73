// Package main provides the operator console for secmon.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secmon/internal/middleware"
	"secmon/internal/tui"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "secmon",
		Short:         "Terminal console for the secmon API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := viper.GetString("server")
			fmt.Fprintf(cmd.OutOrStdout(), "Connecting to: %s\n", server)
			return tui.Run(server, viper.GetString("api_key"))
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringP("server", "s", "http://localhost:8080", "secmon server URL")
	root.PersistentFlags().String("api-key", "", "API key (default $SECMON_API_KEY)")

	viper.SetEnvPrefix("SECMON")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api_key", root.PersistentFlags().Lookup("api-key"))

	root.AddCommand(newHashKeyCmd())
	return root
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash to put in auth.api_key_hashes",
		Long: `hash-key hashes the given API key. Without an argument a random key is
generated and printed together with its hash. Only the hash belongs in the
server configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				key = hex.EncodeToString(buf)
				fmt.Fprintf(out, "key:  %s\n", key)
			}
			hash, err := middleware.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "hash: %s\n", hash)
			return nil
		},
	}
}
