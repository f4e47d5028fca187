package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttbridge"
)

var (
	pubQoS             int
	pubRetain          bool
	pubCorrelationData string
	pubResponseTopic   string
)

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <payload>",
	Short: "Publish one message",
	Long: `Publish one message and print the result as JSON once the delivery
guarantee of the requested QoS is met.`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.IntVarP(&pubQoS, "qos", "q", 0, "QoS level (0, 1 or 2)")
	f.BoolVarP(&pubRetain, "retain", "r", false, "retain the message")
	f.StringVar(&pubCorrelationData, "correlation-data", "", "correlation data property")
	f.StringVar(&pubResponseTopic, "response-topic", "", "response topic property")

	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))

	res, err := s.bridge.Publish(ctx, mqttbridge.PublishRequest{
		Topic:           args[0],
		Payload:         args[1],
		QoS:             pubQoS,
		Retained:        pubRetain,
		CorrelationData: pubCorrelationData,
		ResponseTopic:   pubResponseTopic,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}
