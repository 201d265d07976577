// Package testutil builds the nodes and stores shared by the higher level
// tests.
package testutil

import (
	"flag"
	"testing"

	"github.com/i5heu/ouroboros-privacy/internal/enclave"
	naclimpl "github.com/i5heu/ouroboros-privacy/internal/encryption"
	"github.com/i5heu/ouroboros-privacy/internal/keyValStore"
	"github.com/i5heu/ouroboros-privacy/internal/keymanager"
	"github.com/i5heu/ouroboros-privacy/internal/staging"
	"github.com/i5heu/ouroboros-privacy/internal/txstore"
	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

var nacl = naclimpl.NewNaclEncryptor()

// Nacl returns the encryptor every test node shares.
func Nacl() *naclimpl.NaclEncryptor { return nacl }

func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// Node is an enclave over freshly generated keys.
type Node struct {
	Keys    []encryption.PublicKey
	Enclave *enclave.Enclave
}

// Key returns the first key of the node.
func (n Node) Key() encryption.PublicKey { return n.Keys[0] }

func NewNode(t testing.TB, keyCount int) Node {
	t.Helper()
	pairs := make([]encryption.KeyPair, keyCount)
	keys := make([]encryption.PublicKey, keyCount)
	for i := range pairs {
		kp, err := nacl.GenerateKeyPair()
		require.NoError(t, err)
		pairs[i] = kp
		keys[i] = kp.Public
	}
	km, err := keymanager.New(pairs, nil)
	require.NoError(t, err)
	return Node{Keys: keys, Enclave: enclave.New(nacl, km, QuietLogger())}
}

// Send encrypts msg from the first key of n.
func (n Node) Send(t testing.TB, msg string, mode model.PrivacyMode, to ...encryption.PublicKey) model.EncodedPayload {
	t.Helper()
	p, err := n.Enclave.EncryptPayload([]byte(msg), n.Key(), to, model.PrivacyMetadata{PrivacyMode: mode})
	require.NoError(t, err)
	return p
}

func NewKV(t testing.TB) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: QuietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func NewTxStore(t testing.TB) *txstore.Store {
	t.Helper()
	return txstore.New(NewKV(t), codec.NewCBOR())
}

func NewStaging(t testing.TB) *staging.Store {
	t.Helper()
	return staging.New(NewKV(t), codec.NewCBOR(), QuietLogger())
}

func ForRecipient(t testing.TB, p model.EncodedPayload, k encryption.PublicKey) model.EncodedPayload {
	t.Helper()
	out, err := p.ForRecipient(k)
	require.NoError(t, err)
	return out
}
