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
	subQoS   int
	subCount int
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <filter>",
	Short: "Print messages received on a topic filter",
	Long: `Subscribe to a topic filter and print every message as one JSON line
until interrupted or --count messages were received.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

func init() {
	f := subscribeCmd.Flags()
	f.IntVarP(&subQoS, "qos", "q", 0, "requested QoS level (0, 1 or 2)")
	f.IntVarP(&subCount, "count", "n", 0, "exit after that many messages (0 = unlimited)")

	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := 0
	s.bridge.AddListener(mqttbridge.EventMessageArrived, func(event any) {
		if err := printJSON(event); err != nil {
			s.log.Error("print failed", mqttbridge.LogFields{mqttbridge.LogFieldError: err.Error()})
		}
		received++
		if subCount > 0 && received >= subCount {
			cancel()
		}
	})

	res, err := s.bridge.Subscribe(ctx, mqttbridge.SubscribeRequest{Topic: args[0], QoS: subQoS})
	if err != nil {
		return err
	}
	s.log.Info("subscribed", mqttbridge.LogFields{
		mqttbridge.LogFieldTopic: res.Topic,
		mqttbridge.LogFieldQoS:   res.QoS,
	})

	<-ctx.Done()
	return nil
}
