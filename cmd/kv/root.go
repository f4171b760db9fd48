package kv

import (
	"github.com/ValentinKolb/dRemoting/cmd/util"
	"github.com/ValentinKolb/dRemoting/rpc/client"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *remoting.RemotingClient
	kvConfig  *client.KVConfig

	// KeyValueCommands represents the KV config command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Manage the kv config of a remoting server",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: shutdownKVClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	KeyValueCommands.PersistentFlags().String("namespace", "default", util.WrapString("Namespace of the config items"))

	// Add subcommands
	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient initializes the remoting client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	if rpcClient, err = util.NewClient(); err != nil {
		return err
	}
	kvConfig = client.NewKVConfig(rpcClient, util.GetAddr(), namespace(), util.GetTimeout())
	return nil
}

func shutdownKVClient(_ *cobra.Command, _ []string) error {
	if rpcClient != nil {
		rpcClient.Shutdown()
	}
	return nil
}

func namespace() string {
	return viper.GetString("namespace")
}
