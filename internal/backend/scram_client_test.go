package backend

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/protoengine/frontend/internal/wire"
)

// mockSCRAMServer drives the server side of the exchange speaking this
// module's own length-prefixed wire.Writer/Reader conventions (the
// inter-component framing here is internal, not fixed by anything external).
func mockSCRAMServer(t *testing.T, conn net.Conn, password string) {
	t.Helper()
	r := wire.NewReader(bufio.NewReader(conn))
	w := wire.NewWriter(conn)

	mt, err := r.ReadMessage()
	if err != nil || mt != 'p' {
		t.Errorf("expected 'p' initial response, got %q, err=%v", mt, err)
		return
	}
	mech, _ := r.UTF8String()
	if mech != "SCRAM-SHA-256" {
		t.Errorf("expected mechanism SCRAM-SHA-256, got %q", mech)
	}
	clientFirstMsg, _ := r.Bytes()
	r.Finish()

	clientFirstBare := string(clientFirstMsg)[3:]
	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	serverNonce := clientNonce + "servernonce123"
	salt := []byte("randomsaltvalue!")
	iterations := 4096
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, saltB64, iterations)

	w.Begin('R')
	w.Int32(11)
	w.Raw([]byte(serverFirstMsg))
	w.End()

	mt, err = r.ReadMessage()
	if err != nil || mt != 'r' {
		t.Errorf("expected 'r' sasl response, got %q, err=%v", mt, err)
		return
	}
	clientFinalMsg, _ := r.Bytes()
	r.Finish()

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	expectedProof := xorBytes(clientKey, clientSignature)
	expectedProofB64 := base64.StdEncoding.EncodeToString(expectedProof)

	if !strings.Contains(string(clientFinalMsg), "p="+expectedProofB64) {
		conn.Close()
		return
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)

	w.Begin('R')
	w.Int32(12)
	w.Raw([]byte(serverFinal))
	w.End()
}

func TestScramSHA256AuthSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := wire.NewReader(bufio.NewReader(client))
	w := wire.NewWriter(client)

	done := make(chan struct{})
	go func() {
		mockSCRAMServer(t, server, "scrampass")
		close(done)
	}()

	err := scramSHA256Auth(r, w, "scramuser", "scrampass", []string{"SCRAM-SHA-256"})
	<-done
	if err != nil {
		t.Fatalf("scramSHA256Auth: %v", err)
	}
}

func TestScramSHA256AuthWrongPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := wire.NewReader(bufio.NewReader(client))
	w := wire.NewWriter(client)

	done := make(chan struct{})
	go func() {
		mockSCRAMServer(t, server, "correct-password")
		close(done)
	}()

	err := scramSHA256Auth(r, w, "scramuser", "wrong-password", []string{"SCRAM-SHA-256"})
	<-done
	if err == nil {
		t.Fatalf("expected error for wrong password")
	}
}

func TestScramSHA256AuthRejectsUnsupportedMechanism(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()

	r := wire.NewReader(bufio.NewReader(client))
	w := wire.NewWriter(client)

	err := scramSHA256Auth(r, w, "user", "pass", []string{"SCRAM-SHA-1"})
	if err == nil {
		t.Fatalf("expected error for unsupported mechanism")
	}
}
