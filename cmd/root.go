package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dRemoting/cmd/echo"
	"github.com/ValentinKolb/dRemoting/cmd/kv"
	"github.com/ValentinKolb/dRemoting/cmd/serve"
	"github.com/ValentinKolb/dRemoting/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dremoting",
		Short: "client transport of a messaging platform",
		Long: fmt.Sprintf(`dRemoting (v%s)

The client side transport core of a messaging platform: pooled connections,
name server failover and correlated sync, async and one-way requests.
Includes a remoting server to run against.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRemoting",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRemoting v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(echo.EchoCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
