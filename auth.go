package mqttbridge

import (
	"context"
	"errors"
)

// ErrAuthMethodMismatch is returned when the broker answers an AUTH exchange
// with a different authentication method.
var ErrAuthMethodMismatch = errors.New("authentication method mismatch")

// EnhancedAuthenticator drives an MQTT 5 enhanced authentication exchange.
// A Client calls AuthStart for every CONNECT, AuthContinue for every AUTH
// packet carrying Continue Authentication, and AuthFinish with the
// authentication data of the successful CONNACK.
type EnhancedAuthenticator interface {
	// AuthMethod returns the method name, e.g. "SCRAM-SHA-256".
	AuthMethod() string

	// AuthStart returns the authentication data sent in CONNECT.
	AuthStart(ctx context.Context) ([]byte, error)

	// AuthContinue answers a challenge from the broker.
	AuthContinue(ctx context.Context, challenge []byte) ([]byte, error)

	// AuthFinish verifies the data of the final CONNACK.
	AuthFinish(ctx context.Context, data []byte) error
}
