package mqttbridge

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 required for SCRAM-SHA-1 compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAM errors.
var (
	ErrSCRAMInvalidChallenge = errors.New("invalid SCRAM challenge")
	ErrSCRAMServerSignature  = errors.New("SCRAM server signature mismatch")
	ErrSCRAMOutOfOrder       = errors.New("SCRAM exchange out of order")
)

// SCRAMHash selects the hash function of a SCRAM mechanism.
type SCRAMHash int

const (
	SCRAMHashSHA1 SCRAMHash = iota
	SCRAMHashSHA256
	SCRAMHashSHA512
)

// String returns the MQTT authentication method name.
func (h SCRAMHash) String() string {
	switch h {
	case SCRAMHashSHA1:
		return "SCRAM-SHA-1"
	case SCRAMHashSHA512:
		return "SCRAM-SHA-512"
	default:
		return "SCRAM-SHA-256"
	}
}

func (h SCRAMHash) new() func() hash.Hash {
	switch h {
	case SCRAMHashSHA1:
		return sha1.New
	case SCRAMHashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

func (h SCRAMHash) size() int {
	return h.new()().Size()
}

// SCRAMKeys are the keys a broker stores for a SCRAM user.
type SCRAMKeys struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// ComputeSCRAMKeys derives the stored and server keys from a password.
func ComputeSCRAMKeys(h SCRAMHash, password string, salt []byte, iterations int) SCRAMKeys {
	salted := pbkdf2.Key([]byte(password), salt, iterations, h.size(), h.new())
	clientKey := scramHMAC(h, salted, "Client Key")

	return SCRAMKeys{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  scramHash(h, clientKey),
		ServerKey:  scramHMAC(h, salted, "Server Key"),
	}
}

func scramHMAC(h SCRAMHash, key []byte, msg string) []byte {
	m := hmac.New(h.new(), key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}

func scramHash(h SCRAMHash, b []byte) []byte {
	d := h.new()()
	d.Write(b)
	return d.Sum(nil)
}

// SCRAMClient authenticates with SCRAM (RFC 5802) over MQTT AUTH packets.
// It keeps the state of one exchange at a time and restarts on AuthStart.
type SCRAMClient struct {
	hash     SCRAMHash
	username string
	password string

	mu          sync.Mutex
	clientNonce string
	firstBare   string
	serverSig   []byte
}

// NewSCRAMClient creates a SCRAM authenticator for the given user.
func NewSCRAMClient(h SCRAMHash, username, password string) *SCRAMClient {
	return &SCRAMClient{hash: h, username: username, password: password}
}

func (s *SCRAMClient) AuthMethod() string {
	return s.hash.String()
}

func (s *SCRAMClient) AuthStart(_ context.Context) ([]byte, error) {
	nonce, err := scramNonce()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientNonce = nonce
	s.firstBare = "n=" + scramEscape(s.username) + ",r=" + nonce
	s.serverSig = nil
	return []byte("n,," + s.firstBare), nil
}

func (s *SCRAMClient) AuthContinue(_ context.Context, challenge []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.firstBare == "" {
		return nil, ErrSCRAMOutOfOrder
	}

	serverFirst := string(challenge)
	attrs := scramAttrs(serverFirst)
	nonce, saltB64, iterStr := attrs['r'], attrs['s'], attrs['i']
	if !strings.HasPrefix(nonce, s.clientNonce) || len(nonce) == len(s.clientNonce) {
		return nil, fmt.Errorf("%w: nonce", ErrSCRAMInvalidChallenge)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %w", ErrSCRAMInvalidChallenge, err)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: iteration count %q", ErrSCRAMInvalidChallenge, iterStr)
	}

	salted := pbkdf2.Key([]byte(s.password), salt, iterations, s.hash.size(), s.hash.new())
	clientKey := scramHMAC(s.hash, salted, "Client Key")
	storedKey := scramHash(s.hash, clientKey)

	finalNoProof := "c=biws,r=" + nonce
	authMessage := s.firstBare + "," + serverFirst + "," + finalNoProof

	proof := scramHMAC(s.hash, storedKey, authMessage)
	for i := range proof {
		proof[i] ^= clientKey[i]
	}
	s.serverSig = scramHMAC(s.hash, scramHMAC(s.hash, salted, "Server Key"), authMessage)

	return []byte(finalNoProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (s *SCRAMClient) AuthFinish(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serverSig == nil {
		return ErrSCRAMOutOfOrder
	}
	attrs := scramAttrs(string(data))
	if e, ok := attrs['e']; ok {
		return fmt.Errorf("%w: %s", ErrSCRAMServerSignature, e)
	}
	sig, err := base64.StdEncoding.DecodeString(attrs['v'])
	if err != nil || !hmac.Equal(sig, s.serverSig) {
		return ErrSCRAMServerSignature
	}
	return nil
}

// scramAttrs splits "k=v,k=v" messages. Values may contain '='.
func scramAttrs(msg string) map[byte]string {
	attrs := make(map[byte]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[0]] = part[2:]
		}
	}
	return attrs
}

func scramEscape(name string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(name)
}

func scramNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}
