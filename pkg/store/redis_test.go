package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func selfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRedisTLSDisabled(t *testing.T) {
	t.Setenv("REDIS_TLS", "false")
	cfg, err := redisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config when TLS is off")
	}
}

func TestRedisTLSInsecureNeedsOptIn(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected insecure guard error")
	}

	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	cfg, err := redisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestRedisTLSCAAndClientCert(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", writeTemp(t, "ca.pem", certPEM))
	t.Setenv("REDIS_TLS_CERT_FILE", writeTemp(t, "client.pem", certPEM))
	t.Setenv("REDIS_TLS_KEY_FILE", writeTemp(t, "client-key.pem", keyPEM))

	cfg, err := redisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected CA pool")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one client cert, got %d", len(cfg.Certificates))
	}
}

func TestRedisTLSBadMaterial(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")

	t.Setenv("REDIS_TLS_CA_CERT_FILE", writeTemp(t, "bad-ca.pem", []byte("not-a-certificate")))
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected bad CA pem error")
	}
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "/tmp/missing-ca.pem")
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected missing CA file error")
	}

	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", writeTemp(t, "bad-cert.pem", []byte("bad")))
	t.Setenv("REDIS_TLS_KEY_FILE", writeTemp(t, "bad-key.pem", []byte("bad")))
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected bad keypair error")
	}

	t.Setenv("REDIS_TLS_KEY_FILE", "")
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected incomplete mTLS error")
	}
}

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected connection, got %v", err)
	}
	_ = client.Close()
}

func TestNewRedisPingFailure(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	client, err := NewRedis(context.Background())
	if err == nil {
		_ = client.Close()
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisEnforcesRequireTLS(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("REDIS_TLS", "false")

	client, err := NewRedis(context.Background())
	if err == nil {
		_ = client.Close()
		t.Fatal("expected TLS requirement error")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS in error, got %v", err)
	}
}
