package gossip

import (
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
	"github.com/cuemby/taskmesh/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	// The wire transport binds a single TLS listener on this port; picking
	// a high, unlikely-to-collide port per test keeps this hermetic without
	// a net.Listen dance.
	return 23000 + int(time.Now().UnixNano()%2000)
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

func TestTwoNodeClusterSeesEachOther(t *testing.T) {
	portA := freePort(t)
	portB := portA + 1

	caKey, ca, caPEM := newTestCA(t)
	certsA := buildTestCertStore(t, caKey, ca, caPEM, "worker-a")
	certsB := buildTestCertStore(t, caKey, ca, caPEM, "worker-b")

	selfA := types.NodeID{Version: 1, Scheme: "wss", Host: "127.0.0.1", Port: uint16(portA), Kind: "worker"}
	selfB := types.NodeID{Version: 1, Scheme: "wss", Host: "127.0.0.1", Port: uint16(portB), Kind: "worker"}

	a, err := Start(Config{
		BindAddr: "127.0.0.1",
		BindPort: portA,
		Self:     selfA,
		Certs:    certsA,
		Log:      zerolog.Nop(),
	}, nil)
	require.NoError(t, err)
	defer a.Shutdown()

	b, err := Start(Config{
		BindAddr: "127.0.0.1",
		BindPort: portB,
		Self:     selfB,
		Certs:    certsB,
		Log:      zerolog.Nop(),
	}, []string{fmt.Sprintf("127.0.0.1:%d", portA)})
	require.NoError(t, err)
	defer b.Shutdown()

	require.Eventually(t, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDecodeNodeIDRoundTrip(t *testing.T) {
	self := types.NodeID{Version: 2, Scheme: "wss", Host: "10.0.0.9", Port: 9191, Kind: "coordinator", Salt: 3}
	d := &delegate{self: self}
	meta := d.NodeMeta(512)
	require.NotEmpty(t, meta)

	decoded, err := decodeNodeID(meta)
	require.NoError(t, err)
	require.Equal(t, self, decoded)
}
