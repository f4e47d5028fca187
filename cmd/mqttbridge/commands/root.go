package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttbridge"
	"github.com/vitalvas/mqttbridge/extensions/badgerstore"
)

var (
	configFile string
	server     string
	port       int
	clientID   string
	username   string
	password   string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "mqttbridge",
	Short: "MQTT 5.0 command line client",
	Long: `mqttbridge - publish, subscribe and send requests to an MQTT 5.0 broker.

Connection settings come from an optional YAML file (--config) and are
overridden by flags.

Examples:
  mqttbridge publish sensors/room1/temp 21.5 --qos 1
  mqttbridge subscribe 'sensors/+/temp' --server tls://broker.example.com --port 8883
  mqttbridge request svc/time '' --timeout 5s`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	f.StringVarP(&server, "server", "s", "", "broker URI, e.g. tcp://localhost")
	f.IntVarP(&port, "port", "p", 0, "broker port")
	f.StringVarP(&clientID, "client-id", "i", "", "client identifier (random when empty)")
	f.StringVarP(&username, "username", "u", "", "username")
	f.StringVarP(&password, "password", "P", "", "password")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or none")
	f.StringVar(&logFormat, "log-format", "", "plain, text or json")
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (*mqttbridge.Config, error) {
	cfg, err := mqttbridge.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Broker.ServerURI = server
	}
	if flags.Changed("port") {
		cfg.Broker.Port = port
	}
	if flags.Changed("client-id") {
		cfg.Broker.ClientID = clientID
	}
	if flags.Changed("username") {
		cfg.Broker.Username = username
	}
	if flags.Changed("password") {
		cfg.Broker.Password = password
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a connected bridge plus what must be released with it.
type session struct {
	bridge *mqttbridge.Bridge
	log    mqttbridge.Logger
	store  *badgerstore.Store
}

// connect builds a bridge from the configuration and connects it.
func connect(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, err
	}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, mqttbridge.WithLogger(logger))

	s := &session{log: logger}
	if dir := cfg.Session.StoreDir; dir != "" {
		s.store, err = badgerstore.New(badgerstore.Config{Dir: dir, Namespace: cfg.Broker.ClientID})
		if err != nil {
			return nil, err
		}
		opts = append(opts, mqttbridge.WithSessionStore(s.store))
	}

	s.bridge = mqttbridge.NewBridge(opts...)
	s.bridge.AddListener(mqttbridge.EventConnectionLost, func(event any) {
		if lost, ok := event.(mqttbridge.ConnectionLostEvent); ok {
			logger.Warn("connection lost", mqttbridge.LogFields{
				mqttbridge.LogFieldReasonCode: lost.ReasonCode,
				mqttbridge.LogFieldError:      lost.Message,
			})
		}
	})

	if err := s.bridge.Connect(ctx, cfg.ConnectRequest()); err != nil {
		s.closeStore()
		return nil, err
	}
	logger.Info("connected", mqttbridge.LogFields{mqttbridge.LogFieldClientID: s.bridge.Client().ClientID()})
	return s, nil
}

// close disconnects and releases the session store.
func (s *session) close(ctx context.Context) {
	if err := s.bridge.Disconnect(ctx); err != nil {
		s.log.Warn("disconnect failed", mqttbridge.LogFields{mqttbridge.LogFieldError: err.Error()})
	}
	s.closeStore()
}

func (s *session) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close session store", mqttbridge.LogFields{mqttbridge.LogFieldError: err.Error()})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
