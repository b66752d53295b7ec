package coordinator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/taskstore"
	"github.com/cuemby/taskmesh/pkg/types"
	"github.com/cuemby/taskmesh/pkg/workerrpc"
)

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

func issueTestStore(t *testing.T, caKey *ecdsa.PrivateKey, ca *x509.Certificate, caPEM []byte, cn string) *security.CertStore {
	t.Helper()
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	leafKeyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	require.NoError(t, err)
	leafKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: leafKeyDER})

	store, err := security.LoadCertStore(leafPEM, leafKeyPEM, caPEM)
	require.NoError(t, err)
	return store
}

type fakeWorkerHandler struct {
	mu    sync.Mutex
	tasks map[string]types.Task
}

func newFakeWorkerHandler() *fakeWorkerHandler {
	return &fakeWorkerHandler{tasks: make(map[string]types.Task)}
}

func (f *fakeWorkerHandler) AddTask(task types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.Key()] = task
	return nil
}

func (f *fakeWorkerHandler) RemoveTask(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeWorkerHandler) Tasks() []types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeWorkerHandler) has(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[taskID]
	return ok
}

// startFakeWorker runs a real workerrpc.Server backed by handler and
// returns a Client wired to it, simulating one worker process dialed
// directly by the coordinator (used by the balance-algorithm tests, which
// don't need the reverse-dial Hello handshake).
func startFakeWorker(t *testing.T, caKey *ecdsa.PrivateKey, ca *x509.Certificate, caPEM []byte, handler workerrpc.Handler) *workerrpc.Client {
	t.Helper()
	certs := issueTestStore(t, caKey, ca, caPEM, "worker")
	srv := workerrpc.NewServer(certs, handler, zerolog.Nop())
	port, err := srv.Serve("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown() })

	client := workerrpc.NewClient("127.0.0.1:"+strconv.Itoa(port), certs)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBalanceAssignsTaskToRingOwner(t *testing.T) {
	caKey, ca, caPEM := newTestCA(t)
	g := newWorkerGroup("email", zerolog.Nop())

	handlerA := newFakeWorkerHandler()
	handlerB := newFakeWorkerHandler()
	clientA := startFakeWorker(t, caKey, ca, caPEM, handlerA)
	clientB := startFakeWorker(t, caKey, ca, caPEM, handlerB)
	idA, idB := uuid.New(), uuid.New()

	g.addWorker(idA, clientA)
	g.addWorker(idB, clientB)

	task := types.Task{ID: uuid.New(), Kind: "email"}
	g.addTask(task)

	expected, ok := g.ring.Lookup(task.Key())
	require.True(t, ok)

	needsMore := g.balanceOnce()
	assert.False(t, needsMore)

	if expected == idA.String() {
		assert.True(t, handlerA.has(task.Key()))
		assert.False(t, handlerB.has(task.Key()))
	} else {
		assert.True(t, handlerB.has(task.Key()))
		assert.False(t, handlerA.has(task.Key()))
	}
}

func TestBalanceReapsVanishedTasks(t *testing.T) {
	caKey, ca, caPEM := newTestCA(t)
	g := newWorkerGroup("email", zerolog.Nop())

	handler := newFakeWorkerHandler()
	client := startFakeWorker(t, caKey, ca, caPEM, handler)
	id := uuid.New()
	g.addWorker(id, client)

	// Simulate a task the worker holds but the coordinator no longer
	// tracks (e.g. it was deleted while the worker was unreachable).
	stale := types.Task{ID: uuid.New(), Kind: "email"}
	require.NoError(t, handler.AddTask(stale))

	needsMore := g.balanceOnce()
	assert.False(t, needsMore)
	assert.False(t, handler.has(stale.Key()), "stale task must be reaped from the worker")
}

func TestBalanceEvictsUnresponsiveWorker(t *testing.T) {
	caKey, ca, caPEM := newTestCA(t)
	g := newWorkerGroup("email", zerolog.Nop())

	handler := newFakeWorkerHandler()
	certs := issueTestStore(t, caKey, ca, caPEM, "worker")
	srv := workerrpc.NewServer(certs, handler, zerolog.Nop())
	port, err := srv.Serve("127.0.0.1:0")
	require.NoError(t, err)

	client := workerrpc.NewClient("127.0.0.1:"+strconv.Itoa(port), certs)
	id := uuid.New()
	g.addWorker(id, client)

	require.NoError(t, srv.Shutdown())
	client.Close()

	needsMore := g.balanceOnce()
	assert.True(t, needsMore, "an unreachable worker should trigger another balance pass")
	assert.False(t, g.hasWorkers(), "unreachable worker must be evicted")
}

func TestCoordinatorAdmitsWorkerAndAssignsTask(t *testing.T) {
	caKey, ca, caPEM := newTestCA(t)
	coordCerts := issueTestStore(t, caKey, ca, caPEM, "coordinator")
	coord := New(coordCerts, zerolog.Nop(), 50*time.Millisecond)

	ln, err := workerrpc.Listen("127.0.0.1:0", coordCerts)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			hello, client, err := ln.Accept()
			if err != nil {
				return
			}
			coord.admit(ctx.Done(), hello, client)
		}
	}()

	handler := newFakeWorkerHandler()
	workerCerts := issueTestStore(t, caKey, ca, caPEM, "worker")

	go func() {
		_ = workerrpc.DialAndServe(ln.Addr(), workerCerts, workerrpc.Hello{WorkerID: uuid.New(), Kind: "email"}, handler, zerolog.Nop())
	}()

	task := types.Task{ID: uuid.New(), Kind: "email"}
	require.Eventually(t, func() bool {
		coord.HandleTaskChange(taskstore.Change{Kind: taskstore.ChangeInsert, TaskID: task.Key(), Task: task})
		return handler.has(task.Key())
	}, 2*time.Second, 10*time.Millisecond)
}
