// Package mqttbridge provides an MQTT v5.0 client and a request/response
// bridge facade over it for applications that own one broker connection.
//
// This package implements the client side of the MQTT Version 5.0 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v5.0/mqtt-v5.0.html
//
// # Features
//
//   - All 15 MQTT v5.0 control packet types
//   - QoS 0, 1, 2 publish flows with retries, DUP resend and idempotent resolution
//   - Topic matching with wildcard support (+, #)
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC, Unix socket, SOCKS5 and HTTP proxies
//   - Automatic reconnect with exponential backoff and a dial circuit breaker
//   - Enhanced authentication (SCRAM-SHA-1, SCRAM-SHA-256, SCRAM-SHA-512)
//   - Inbound topic aliases
//   - Pluggable session store, logger (standard log or slog) and metrics
//
// # Client
//
// A Client is created disconnected and connected with Connect:
//
//	client := mqttbridge.NewClient(
//	    mqttbridge.WithServer("tcp://localhost:1883"),
//	    mqttbridge.WithClientID("my-client"),
//	    mqttbridge.WithKeepAlive(60),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Disconnect(context.Background())
//
// Subscribe records the subscription once the broker grants it:
//
//	res, err := client.Subscribe(ctx, "sensors/+/temp", mqttbridge.QoS1, func(msg *mqttbridge.Message) {
//	    fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//	})
//
// Publish returns once the delivery guarantee of the message QoS is met:
//
//	res, err := client.Publish(ctx, &mqttbridge.Message{
//	    Topic:   "sensors/room1/temp",
//	    Payload: []byte("21.5"),
//	    QoS:     mqttbridge.QoS1,
//	})
//
// # Events
//
// Lifecycle events are delivered as errors, in order, to the OnEvent handler:
//
//	mqttbridge.OnEvent(func(c *mqttbridge.Client, ev error) {
//	    var connected *mqttbridge.ConnectedEvent
//	    switch {
//	    case errors.As(ev, &connected):
//	    case errors.Is(ev, mqttbridge.ErrConnectionLost):
//	    case errors.Is(ev, mqttbridge.ErrReconnecting):
//	    case errors.Is(ev, mqttbridge.ErrDisconnected):
//	    }
//	})
//
// # Bridge
//
// Bridge wraps a Client with JSON friendly requests, argument validation,
// coded errors (*BridgeError) and named events:
//
//	b := mqttbridge.NewBridge()
//	b.AddListener(mqttbridge.EventMessageArrived, func(ev any) { ... })
//	err := b.Connect(ctx, mqttbridge.ConnectRequest{ServerURI: "broker.example.com", Port: 1883})
//	sub, err := b.Subscribe(ctx, mqttbridge.SubscribeRequest{Topic: "sensors/+/temp", QoS: 1})
//	pub, err := b.Publish(ctx, mqttbridge.PublishRequest{Topic: "sensors/room1/temp", Payload: "21.5", QoS: 1})
//
// # Errors
//
// Check error kinds with errors.Is against the package sentinels (ErrAuth,
// ErrTimeout, ErrTransport, ErrProtocol, ErrNotConnected, ErrDeliveryFailed,
// ErrCancelled, ...) and extract details with errors.As (*ConnectError,
// *TransportError, *DeliveryError, *PublishError, *SubscribeError).
package mqttbridge
