package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/protoengine/frontend/internal/errs"
)

// SASLMechanism names a SASL mechanism this server offers, in preference
// order (spec §4.C.4: "list of length-prefixed method names in server
// preference order").
type SASLMechanism string

const MechanismSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"

// ServerMechanisms is the single mechanism this engine currently offers.
// Kept as a slice (not a constant) so a future mechanism can be appended
// without changing every call site.
var ServerMechanisms = []SASLMechanism{MechanismSCRAMSHA256}

// CredentialLookup resolves a username to its stored SCRAM credentials
// (RFC 5802 §2.2: salted password derivatives, never the plaintext
// password). This is an external collaborator — how credentials are
// provisioned is out of scope here.
type CredentialLookup interface {
	SCRAMCredentials(user string) (storedKey, serverKey, salt []byte, iterations int, err error)
}

// ScramExchange holds the server-side state of one in-progress
// SCRAM-SHA-256 exchange across its two round trips.
type ScramExchange struct {
	user            string
	clientFirstBare string
	clientNonce     string
	serverNonce     string
	storedKey       []byte
	serverKey       []byte
	authMessage     string
}

// BeginScram parses the client-first-message from a SASLInitialResponse
// ('p' with selected_mech + client_first), looks up the user's stored
// credentials, and returns the server-first-message to send back inside
// an AuthenticationSASLContinue (auth-kind=11) frame.
func BeginScram(user string, clientFirstMsg []byte, lookup CredentialLookup) (*ScramExchange, string, error) {
	if len(clientFirstMsg) == 0 {
		return nil, "", errs.BinaryProtocolError("empty client_first in SASL initial response")
	}
	msg := string(clientFirstMsg)
	// gs2-header "n,," then "n=<user>,r=<nonce>"
	bare, err := stripGS2Header(msg)
	if err != nil {
		return nil, "", errs.AuthenticationError("malformed SASL client-first-message: %v", err)
	}
	_, clientNonce, err := parseClientFirstBare(bare)
	if err != nil {
		return nil, "", errs.AuthenticationError("malformed SASL client-first-message: %v", err)
	}

	storedKey, serverKey, salt, iterations, err := lookup.SCRAMCredentials(user)
	if err != nil {
		return nil, "", errs.AuthenticationError("no such user %q", user)
	}

	serverNonceSuffix := make([]byte, 18)
	if _, err := rand.Read(serverNonceSuffix); err != nil {
		return nil, "", errs.InternalServerError(err, "")
	}
	serverNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonceSuffix)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)

	ex := &ScramExchange{
		user:            user,
		clientFirstBare: bare,
		clientNonce:     clientNonce,
		serverNonce:     serverNonce,
		storedKey:       storedKey,
		serverKey:       serverKey,
	}
	ex.authMessage = bare + "," + serverFirst // client-final-without-proof appended in Finish
	return ex, serverFirst, nil
}

// Finish verifies the client-final-message (from a 'r' SASLResponse) and
// returns the server-final-message to send in an AuthenticationSASLFinal
// (auth-kind=12) frame. A non-nil error means authentication failed.
func (ex *ScramExchange) Finish(clientFinalMsg []byte) (string, error) {
	msg := string(clientFinalMsg)
	channelBinding, nonce, proof, err := parseClientFinal(msg)
	if err != nil {
		return "", errs.AuthenticationError("malformed SASL client-final-message: %v", err)
	}
	if nonce != ex.serverNonce {
		return "", errs.AuthenticationError("SASL nonce mismatch")
	}
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, nonce)
	authMessage := ex.authMessage + "," + clientFinalWithoutProof

	decodedProof, err := base64.StdEncoding.DecodeString(proof)
	if err != nil {
		return "", errs.AuthenticationError("malformed SCRAM proof encoding")
	}
	clientSignature := hmacSHA256(ex.storedKey, []byte(authMessage))
	recoveredClientKey := xorBytes(decodedProof, clientSignature)
	if !hmac.Equal(sha256SumBytes(recoveredClientKey), ex.storedKey) {
		return "", errs.AuthenticationError("SCRAM proof verification failed")
	}

	serverSignature := hmacSHA256(ex.serverKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

func stripGS2Header(msg string) (bare string, err error) {
	if strings.HasPrefix(msg, "n,,") {
		return msg[3:], nil
	}
	return "", fmt.Errorf("unsupported gs2-header (channel binding not supported)")
}

func parseClientFirstBare(bare string) (user, nonce string, err error) {
	parts := strings.Split(bare, ",")
	for _, p := range parts {
		if strings.HasPrefix(p, "n=") {
			user = unescapeSASLName(p[2:])
		} else if strings.HasPrefix(p, "r=") {
			nonce = p[2:]
		}
	}
	if nonce == "" {
		return "", "", fmt.Errorf("missing client nonce")
	}
	return user, nonce, nil
}

func parseClientFinal(msg string) (channelBinding, nonce, proof string, err error) {
	parts := strings.Split(msg, ",")
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "c="):
			channelBinding = p[2:]
		case strings.HasPrefix(p, "r="):
			nonce = p[2:]
		case strings.HasPrefix(p, "p="):
			proof = p[2:]
		}
	}
	if nonce == "" || proof == "" || channelBinding == "" {
		return "", "", "", fmt.Errorf("incomplete client-final-message")
	}
	return channelBinding, nonce, proof, nil
}

func unescapeSASLName(s string) string {
	s = strings.ReplaceAll(s, "=2C", ",")
	s = strings.ReplaceAll(s, "=3D", "=")
	return s
}

// DeriveSCRAMCredentials computes the storedKey/serverKey pair a
// CredentialLookup implementation persists, from a plaintext password —
// exported so a provisioning tool or test fixture can build valid
// credentials without duplicating the PBKDF2/HMAC chain.
func DeriveSCRAMCredentials(password string, salt []byte, iterations int) (storedKey, serverKey []byte) {
	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey = sha256SumBytes(clientKey)
	serverKey = hmacSHA256(salted, []byte("Server Key"))
	return storedKey, serverKey
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256SumBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// DefaultSCRAMIterations is a sane PBKDF2 work factor for freshly
// provisioned credentials; existing stored credentials carry their own.
const DefaultSCRAMIterations = 4096
