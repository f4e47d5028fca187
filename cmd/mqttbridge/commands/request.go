package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttbridge/extensions/rpc"
)

var (
	reqQoS         int
	reqTimeout     time.Duration
	reqContentType string
)

var requestCmd = &cobra.Command{
	Use:   "request <topic> <payload>",
	Short: "Send a request and wait for the correlated response",
	Long: `Publish a request carrying a response topic and correlation data and
print the response as JSON.`,
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

func init() {
	f := requestCmd.Flags()
	f.IntVarP(&reqQoS, "qos", "q", 1, "QoS level (0, 1 or 2)")
	f.DurationVarP(&reqTimeout, "timeout", "t", 10*time.Second, "time to wait for the response")
	f.StringVar(&reqContentType, "content-type", "", "content type property")

	rootCmd.AddCommand(requestCmd)
}

type requestOutput struct {
	Payload     string            `json:"payload"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))

	h, err := rpc.NewHandler(ctx, s.bridge.Client(), &rpc.HandlerOptions{QoS: byte(reqQoS)})
	if err != nil {
		return err
	}
	defer h.Close(context.WithoutCancel(ctx))

	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	resp, err := h.Call(ctx, args[0], &rpc.Request{
		Payload:     []byte(args[1]),
		ContentType: reqContentType,
	})
	if err != nil {
		return err
	}
	return printJSON(requestOutput{
		Payload:     string(resp.Payload),
		ContentType: resp.ContentType,
		Headers:     resp.Headers,
	})
}
