package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/admin"
	"github.com/protoengine/frontend/internal/auth"
	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/config"
	"github.com/protoengine/frontend/internal/dispatch"
	"github.com/protoengine/frontend/internal/metrics"
	"github.com/protoengine/frontend/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/protoengine.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("protoengine starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (backend %s:%d/%s)", *configPath, cfg.Backend.Host, cfg.Backend.Port, cfg.Backend.Database)

	m := metrics.New()
	pool := backend.NewPool(cfg.Backend)
	pool.SetOnPoolExhausted(func() { m.ReadinessRejection("pool_exhausted") })

	comp := compiler.Client(compiler.NewLocal())

	credentials := buildCredentialLookup(cfg.Auth)
	keys, err := buildKeySource(cfg.Auth)
	if err != nil {
		log.Printf("Warning: JWT auth disabled: %v", err)
	}

	mechanisms := make([]auth.SASLMechanism, 0, len(cfg.Auth.SASLMechanisms))
	for _, mech := range cfg.Auth.SASLMechanisms {
		mechanisms = append(mechanisms, auth.SASLMechanism(mech))
	}

	dcfg := dispatch.Config{
		MinVersion:     auth.Version{Major: cfg.Protocol.MinMajor, Minor: cfg.Protocol.MinMinor},
		CurrentVersion: auth.Version{Major: cfg.Protocol.CurrentMajor, Minor: cfg.Protocol.CurrentMinor},
		Mechanisms:     mechanisms,
		Credentials:    credentials,
		Keys:           keys,
		InstanceName:   "protoengine",
		DumpQueueCap:   cfg.Dump.QueueCapacity,
	}

	newView := func(database, user string) (session.View, error) {
		return session.NewMemoryView(uuid.New()), nil
	}

	listener := dispatch.NewListener(dcfg, pool, comp, m, newView, nil)

	adminServer := admin.NewServer(listener, pool, m, cfg.Listen, cfg.Protocol)
	if err := adminServer.Start(); err != nil {
		log.Fatalf("Failed to start admin server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ln, err := listen(cfg.Listen)
	if err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}

	go func() {
		if err := listener.Serve(ctx, ln); err != nil {
			log.Printf("listener stopped: %v", err)
		}
	}()

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Configuration change detected; running settings are kept until restart")
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("protoengine ready - listen:%d admin:%d", cfg.Listen.Port, cfg.Listen.AdminPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	cancel()
	ln.Close()
	listener.Wait()
	adminServer.Stop()
	pool.Close()

	log.Printf("protoengine stopped")
}

func listen(lc config.ListenConfig) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", lc.Bind, lc.Port)
	if !lc.TLSEnabled() {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("loading TLS cert/key: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func buildCredentialLookup(ac config.AuthConfig) *auth.StaticCredentialLookup {
	lookup := auth.NewStaticCredentialLookup()
	for _, u := range ac.Users {
		if u.StoredKey != "" {
			if err := lookup.AddBase64Derived(u.Username, u.StoredKey, u.ServerKey, u.Salt, u.Iterations); err != nil {
				log.Printf("Warning: skipping user %q: %v", u.Username, err)
			}
			continue
		}
		if u.Password == "" {
			log.Printf("Warning: user %q has neither password nor stored_key, skipping", u.Username)
			continue
		}
		if err := lookup.AddPassword(u.Username, u.Password, u.Iterations); err != nil {
			log.Printf("Warning: skipping user %q: %v", u.Username, err)
		}
	}
	return lookup
}

func buildKeySource(ac config.AuthConfig) (auth.KeySource, error) {
	if ac.JWTPublicKeyPath == "" {
		return nil, fmt.Errorf("no jwt_public_key_path configured")
	}
	data, err := os.ReadFile(ac.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading JWT public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", ac.JWTPublicKeyPath)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing JWT public key: %w", err)
	}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return dispatch.NewRSAKeySource(key), nil
	case *ecdsa.PublicKey:
		return dispatch.NewECKeySource(key), nil
	default:
		return nil, fmt.Errorf("unsupported JWT public key type %T", pub)
	}
}
