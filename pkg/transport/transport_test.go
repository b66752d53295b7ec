package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskmesh/pkg/security"
)

func TestLgWinFor(t *testing.T) {
	cases := map[int]int{
		1:    10,
		1024: 10,
		4096: 12,
		8192: 13,
	}
	for in, want := range cases {
		if got := lgWinFor(in); got != want {
			t.Errorf("lgWinFor(%d) = %d, want %d", in, got, want)
		}
	}
}

type testPKI struct {
	caPEM []byte
}

func buildTestCertStore(t *testing.T, caKey *ecdsa.PrivateKey, ca *x509.Certificate, caPEM []byte, cn string) *security.CertStore {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	store, err := security.LoadCertStore(certPEM, keyPEM, caPEM)
	require.NoError(t, err)
	return store
}

func newTestCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return key, cert, caPEM
}

type wireMessage struct {
	Kind string
	Seq  int
}

func TestServerDialRoundTrip(t *testing.T) {
	caKey, ca, caPEM := newTestCA(t)
	serverCerts := buildTestCertStore(t, caKey, ca, caPEM, "coordinator-1")
	clientCerts := buildTestCertStore(t, caKey, ca, caPEM, "worker-1")

	received := make(chan wireMessage, 1)
	srv := NewServer(serverCerts, zerolog.Nop(), func(c *Conn) {
		defer c.Close()
		var msg wireMessage
		if err := c.Recv(&msg); err != nil {
			return
		}
		received <- msg
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	shutdown, err := srv.Listen(addr)
	require.NoError(t, err)
	defer shutdown(context.Background())

	baseURL := fmt.Sprintf("wss://%s", addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, clientCerts, baseURL, "wss://127.0.0.1:1/worker#0")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(wireMessage{Kind: "ping", Seq: 7}))

	select {
	case got := <-received:
		require.Equal(t, wireMessage{Kind: "ping", Seq: 7}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}

func TestPoolReusesConnection(t *testing.T) {
	caKey, ca, caPEM := newTestCA(t)
	serverCerts := buildTestCertStore(t, caKey, ca, caPEM, "coordinator-1")
	clientCerts := buildTestCertStore(t, caKey, ca, caPEM, "worker-1")

	srv := NewServer(serverCerts, zerolog.Nop(), func(c *Conn) {
		defer c.Close()
		for {
			var msg wireMessage
			if err := c.Recv(&msg); err != nil {
				return
			}
		}
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	shutdown, err := srv.Listen(addr)
	require.NoError(t, err)
	defer shutdown(context.Background())

	pool := NewPool(clientCerts, "wss://127.0.0.1:1/worker#0")
	baseURL := fmt.Sprintf("wss://%s", addr)

	ctx := context.Background()
	first, err := pool.Get(ctx, baseURL)
	require.NoError(t, err)
	second, err := pool.Get(ctx, baseURL)
	require.NoError(t, err)
	require.Same(t, first, second)

	pool.Drop(baseURL)
	third, err := pool.Get(ctx, baseURL)
	require.NoError(t, err)
	require.NotSame(t, first, third)

	pool.CloseAll()
}
