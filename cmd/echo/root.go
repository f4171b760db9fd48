package echo

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dRemoting/cmd/util"
	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// EchoCmd sends echo requests to a remoting server
	EchoCmd = &cobra.Command{
		Use:   "echo [message]",
		Short: "Send an echo request",
		Long: `Send an echo request to the remoting server and print the answer.
The mode decides how the request is sent: sync waits for the answer, async
receives it in a callback and oneway does not expect an answer at all.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
		RunE: run,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	util.SetupRPCClientFlags(EchoCmd)

	key := "mode"
	EchoCmd.Flags().String(key, "sync", util.WrapString("How to send the request (sync, async, oneway)"))
	key = "count"
	EchoCmd.Flags().Int(key, 1, util.WrapString("How many requests to send"))
}

func run(_ *cobra.Command, args []string) error {
	client, err := util.NewClient()
	if err != nil {
		return err
	}
	defer client.Shutdown()

	count := max(1, viper.GetInt("count"))
	switch mode := viper.GetString("mode"); mode {
	case "sync":
		return runSync(client, args[0], count)
	case "async":
		return runAsync(client, args[0], count)
	case "oneway":
		return runOneway(client, args[0], count)
	default:
		return fmt.Errorf("invalid mode %s (expected one of: sync, async, oneway)", mode)
	}
}

func runSync(client *remoting.RemotingClient, message string, count int) error {
	for i := 0; i < count; i++ {
		req := common.NewRequestCommand(common.RequestCodeEcho, []byte(message))
		resp, err := client.InvokeSync(util.GetAddr(), req, util.GetTimeout())
		if err != nil {
			return err
		}
		if err := util.CheckResponse(resp); err != nil {
			return err
		}
		fmt.Printf("%d: %s\n", req.Opaque, resp.Body)
	}
	return nil
}

func runAsync(client *remoting.RemotingClient, message string, count int) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < count; i++ {
		req := common.NewRequestCommand(common.RequestCodeEcho, []byte(message))
		wg.Add(1)
		err := client.InvokeAsync(util.GetAddr(), req, util.GetTimeout(), func(resp *common.Command, err error) {
			defer wg.Done()
			if err == nil {
				err = util.CheckResponse(resp)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			fmt.Printf("%d: %s\n", req.Opaque, resp.Body)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return err
		}
	}

	wg.Wait()
	return firstErr
}

func runOneway(client *remoting.RemotingClient, message string, count int) error {
	for i := 0; i < count; i++ {
		req := common.NewRequestCommand(common.RequestCodeEcho, []byte(message))
		if err := client.InvokeOneway(util.GetAddr(), req, util.GetTimeout()); err != nil {
			return err
		}
	}
	fmt.Printf("sent %d one-way request(s)\n", count)
	return nil
}
