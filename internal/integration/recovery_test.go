// Package integration runs whole nodes against each other over an
// in-process transport.
package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-privacy/internal/config"
	"github.com/i5heu/ouroboros-privacy/internal/discovery"
	"github.com/i5heu/ouroboros-privacy/internal/node"
	"github.com/i5heu/ouroboros-privacy/internal/recovery"
	"github.com/i5heu/ouroboros-privacy/internal/testutil"
	"github.com/i5heu/ouroboros-privacy/pkg/codec"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	pkgresend "github.com/i5heu/ouroboros-privacy/pkg/resend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// network routes requests by URL and pushes by recipient key. Every
// message crosses the wire encoding on the way.
type network struct {
	mu     sync.RWMutex
	nodes  map[string]*node.Node
	owners map[encryption.PublicKey]string
	codec  codec.Codec
}

func newNetwork() *network {
	return &network{
		nodes:  map[string]*node.Node{},
		owners: map[encryption.PublicKey]string{},
		codec:  codec.NewCBOR(),
	}
}

func (n *network) join(url string, nd *node.Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[url] = nd
	for _, k := range nd.Keys.PublicKeys().Keys() {
		n.owners[k] = url
	}
}

func (n *network) node(url string) (*node.Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nd, ok := n.nodes[url]
	if !ok {
		return nil, fmt.Errorf("no route to %s", url)
	}
	return nd, nil
}

func (n *network) ResendBatch(ctx context.Context, url string, req pkgresend.ResendBatchRequest) (pkgresend.ResendBatchResponse, error) {
	target, err := n.node(url)
	if err != nil {
		return pkgresend.ResendBatchResponse{}, err
	}
	var wireReq pkgresend.ResendBatchRequest
	if err := wireReq.Unmarshal(req.Marshal()); err != nil {
		return pkgresend.ResendBatchResponse{}, err
	}
	resp, err := target.Batch.ResendBatch(ctx, wireReq)
	if err != nil {
		return pkgresend.ResendBatchResponse{}, err
	}
	var wireResp pkgresend.ResendBatchResponse
	err = wireResp.Unmarshal(resp.Marshal())
	return wireResp, err
}

func (n *network) Resend(ctx context.Context, url string, req pkgresend.ResendRequest) error {
	target, err := n.node(url)
	if err != nil {
		return err
	}
	var wireReq pkgresend.ResendRequest
	if err := wireReq.Unmarshal(req.Marshal()); err != nil {
		return err
	}
	_, err = target.Batch.Resend(ctx, wireReq)
	return err
}

func (n *network) PublishBatch(ctx context.Context, recipient encryption.PublicKey, payloads []model.EncodedPayload) error {
	n.mu.RLock()
	url, ok := n.owners[recipient]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no node owns %s", recipient)
	}
	target, err := n.node(url)
	if err != nil {
		return err
	}

	var push pkgresend.PushBatchRequest
	for _, p := range payloads {
		raw, err := n.codec.Encode(p)
		if err != nil {
			return err
		}
		push.Payloads = append(push.Payloads, raw)
	}
	var wire pkgresend.PushBatchRequest
	if err := wire.Unmarshal(push.Marshal()); err != nil {
		return err
	}
	_, err = target.Batch.StoreResendBatch(ctx, wire)
	return err
}

func (n *network) Publish(ctx context.Context, recipient encryption.PublicKey, payload model.EncodedPayload) error {
	return n.PublishBatch(ctx, recipient, []model.EncodedPayload{payload})
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func startNode(t *testing.T, net *network, url string, kp encryption.KeyPair, peers ...discovery.NodeInfo) *node.Node {
	t.Helper()
	c, err := config.Parse([]byte("storage: {inMemory: true}\nenhancedPrivacy: true\n"))
	require.NoError(t, err)
	c.URL = url
	c.Peers = peers
	c.Resend.FetchSize = 2
	c.Resend.BatchSize = 2
	c.Keys = []config.KeyPair{{Public: b64(kp.Public[:]), Private: b64(kp.Private[:])}}

	nd, err := node.New(c, net, testutil.QuietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { nd.Close() })
	net.join(url, nd)
	return nd
}

// deliver stores p on the sender and hands every recipient its copy.
func deliver(t *testing.T, sender *node.Node, p model.EncodedPayload, recipients map[encryption.PublicKey]*node.Node) {
	t.Helper()
	require.NoError(t, sender.Transactions.Save(model.EncryptedTransaction{Hash: p.Hash(), Payload: p}))
	for key, nd := range recipients {
		copyFor, err := p.ForRecipient(key)
		require.NoError(t, err)
		_, err = nd.Payloads.StorePayload(context.Background(), copyFor)
		require.NoError(t, err)
	}
}

func send(t *testing.T, from *node.Node, msg string, to ...encryption.PublicKey) model.EncodedPayload {
	t.Helper()
	p, err := from.Enclave.EncryptPayload([]byte(msg), from.Keys.DefaultPublicKey(), to,
		model.PrivacyMetadata{PrivacyMode: model.StandardPrivate})
	require.NoError(t, err)
	return p
}

func keyPair(t *testing.T) encryption.KeyPair {
	t.Helper()
	kp, err := testutil.Nacl().GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

type cluster struct {
	net      *network
	a, b, c  *node.Node
	bKeys    encryption.KeyPair
	messages map[string]model.EncodedPayload
}

// newCluster has three nodes. a talks the enhanced privacy API, c only
// the legacy one. b is party to every message.
func newCluster(t *testing.T) cluster {
	net := newNetwork()
	ka, kb, kc := keyPair(t), keyPair(t), keyPair(t)
	cl := cluster{
		net:   net,
		a:     startNode(t, net, "http://a", ka),
		b:     startNode(t, net, "http://b", kb),
		c:     startNode(t, net, "http://c", kc),
		bKeys: kb,
	}

	abc := send(t, cl.a, "a to b and c", kb.Public, kc.Public)
	deliver(t, cl.a, abc, map[encryption.PublicKey]*node.Node{kb.Public: cl.b, kc.Public: cl.c})
	ba := send(t, cl.b, "b to a", ka.Public)
	deliver(t, cl.b, ba, map[encryption.PublicKey]*node.Node{ka.Public: cl.a})
	cb := send(t, cl.c, "c to b", kb.Public)
	deliver(t, cl.c, cb, map[encryption.PublicKey]*node.Node{kb.Public: cl.b})
	ac := send(t, cl.a, "a to c", kc.Public)
	deliver(t, cl.a, ac, map[encryption.PublicKey]*node.Node{kc.Public: cl.c})

	cl.messages = map[string]model.EncodedPayload{"a to b and c": abc, "b to a": ba, "c to b": cb}
	return cl
}

func requireReadable(t *testing.T, nd *node.Node, messages map[string]model.EncodedPayload) {
	t.Helper()
	count, err := nd.Transactions.TransactionCount()
	require.NoError(t, err)
	assert.Equal(t, len(messages), count)

	for want, p := range messages {
		tx, err := nd.Transactions.RetrieveByHash(p.Hash())
		require.NoError(t, err, want)
		got, err := nd.Enclave.UnencryptTransaction(tx.Payload, nil)
		require.NoError(t, err, want)
		assert.Equal(t, want, string(got))
	}
}

func TestRecoverFromMixedPeers(t *testing.T) {
	cl := newCluster(t)

	// b loses its store and comes back with the same key.
	fresh := startNode(t, cl.net, "http://b", cl.bKeys,
		discovery.NodeInfo{URL: "http://a", SupportedAPIVersions: []string{"v1", discovery.EnhancedPrivacyVersion}},
		discovery.NodeInfo{URL: "http://c", SupportedAPIVersions: []string{"v1"}},
	)

	result, err := fresh.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recovery.Success, result)

	requireReadable(t, fresh, cl.messages)

	s, err := fresh.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, s.StagingRows)
	assert.Equal(t, 3, s.Staged)

	// The sent message was rebuilt from a's copy with a box for a and
	// one for b itself.
	tx, err := fresh.Transactions.RetrieveByHash(cl.messages["b to a"].Hash())
	require.NoError(t, err)
	assert.True(t, tx.Payload.HasRecipient(cl.messages["b to a"].RecipientKeys[0]))
	assert.True(t, tx.Payload.HasRecipient(cl.bKeys.Public))
	assert.Len(t, tx.Payload.RecipientBoxes, len(tx.Payload.RecipientKeys))
}

func TestRecoverWithUnreachablePeer(t *testing.T) {
	cl := newCluster(t)

	fresh := startNode(t, cl.net, "http://b", cl.bKeys,
		discovery.NodeInfo{URL: "http://a", SupportedAPIVersions: []string{discovery.EnhancedPrivacyVersion}},
		discovery.NodeInfo{URL: "http://gone", SupportedAPIVersions: []string{discovery.EnhancedPrivacyVersion}},
	)

	result, err := fresh.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recovery.PartialSuccess, result)

	delete(cl.messages, "c to b")
	requireReadable(t, fresh, cl.messages)
}

func TestRecoverRefusesLeftovers(t *testing.T) {
	cl := newCluster(t)
	p := send(t, cl.a, "stale", cl.bKeys.Public)
	copyForB, err := p.ForRecipient(cl.bKeys.Public)
	require.NoError(t, err)
	_, err = cl.b.Staging.Save(copyForB)
	require.NoError(t, err)

	result, err := cl.b.Recover(context.Background())
	assert.ErrorIs(t, err, recovery.ErrStagingNotEmpty)
	assert.Equal(t, recovery.Failure, result)

	result, err = cl.b.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recovery.Success, result)

	tx, err := cl.b.Transactions.RetrieveByHash(p.Hash())
	require.NoError(t, err)
	got, err := cl.b.Enclave.UnencryptTransaction(tx.Payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "stale", string(got))
}
