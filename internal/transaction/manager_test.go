package transaction

import (
	"context"
	"testing"

	"github.com/i5heu/ouroboros-privacy/internal/testutil"
	"github.com/i5heu/ouroboros-privacy/internal/txstore"
	"github.com/i5heu/ouroboros-privacy/pkg/encryption"
	"github.com/i5heu/ouroboros-privacy/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAcceptor struct {
	accepted []model.EncodedPayload
}

func (r *recordingAcceptor) AcceptOwnMessage(_ context.Context, p model.EncodedPayload) error {
	r.accepted = append(r.accepted, p)
	return nil
}

type fixture struct {
	sender   testutil.Node
	receiver testutil.Node
	store    *txstore.Store
	own      *recordingAcceptor
	manager  *Manager
}

func newFixture(t *testing.T, enhanced bool) fixture {
	t.Helper()
	f := fixture{
		sender:   testutil.NewNode(t, 1),
		receiver: testutil.NewNode(t, 2),
		store:    testutil.NewTxStore(t),
		own:      &recordingAcceptor{},
	}
	f.manager = NewManager(f.receiver.Enclave, f.store, f.own, Config{
		EnhancedPrivacy: enhanced,
		Logger:          testutil.QuietLogger(),
	})
	return f
}

func (f fixture) send(t *testing.T, msg string, mode model.PrivacyMode, affected []model.EncodedPayload, to ...encryption.PublicKey) model.EncodedPayload {
	t.Helper()
	meta := model.PrivacyMetadata{PrivacyMode: mode}
	for _, a := range affected {
		meta.AffectedTransactions = append(meta.AffectedTransactions, model.AffectedTransaction{Hash: a.Hash(), Payload: a})
	}
	p, err := f.sender.Enclave.EncryptPayload([]byte(msg), f.sender.Key(), to, meta)
	require.NoError(t, err)
	return p
}

func (f fixture) stored(t *testing.T, hash model.MessageHash) model.EncodedPayload {
	t.Helper()
	tx, err := f.store.RetrieveByHash(hash)
	require.NoError(t, err)
	return tx.Payload
}

func TestStoreNewPayload(t *testing.T) {
	f := newFixture(t, false)
	r := f.receiver.Key()
	p := f.send(t, "hello", model.StandardPrivate, nil, r)

	hash, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, p, r))
	require.NoError(t, err)
	assert.Equal(t, p.Hash(), hash)

	plain, err := f.receiver.Enclave.UnencryptTransaction(f.stored(t, hash), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plain)
}

func TestStorePayloadMergesSecondRecipient(t *testing.T) {
	f := newFixture(t, false)
	r1, r2 := f.receiver.Keys[0], f.receiver.Keys[1]
	p := f.send(t, "two keys", model.StandardPrivate, nil, r1, r2)
	ctx := context.Background()

	_, err := f.manager.StorePayload(ctx, testutil.ForRecipient(t, p, r1))
	require.NoError(t, err)
	_, err = f.manager.StorePayload(ctx, testutil.ForRecipient(t, p, r2))
	require.NoError(t, err)

	stored := f.stored(t, p.Hash())
	assert.Equal(t, []encryption.PublicKey{r2, r1}, stored.RecipientKeys)
	assert.Equal(t, []model.RecipientBox{p.RecipientBoxes[1], p.RecipientBoxes[0]}, stored.RecipientBoxes)

	for _, k := range []encryption.PublicKey{r1, r2} {
		plain, err := f.receiver.Enclave.UnencryptTransaction(stored, &k)
		require.NoError(t, err)
		assert.Equal(t, []byte("two keys"), plain)
	}

	// a repeat delivery changes nothing
	_, err = f.manager.StorePayload(ctx, testutil.ForRecipient(t, p, r2))
	require.NoError(t, err)
	assert.Equal(t, stored, f.stored(t, p.Hash()))
}

func TestStorePayloadRejectsDifferentEnvelope(t *testing.T) {
	f := newFixture(t, false)
	r1, r2 := f.receiver.Keys[0], f.receiver.Keys[1]
	p := f.send(t, "envelope", model.StandardPrivate, nil, r1, r2)
	ctx := context.Background()

	_, err := f.manager.StorePayload(ctx, testutil.ForRecipient(t, p, r1))
	require.NoError(t, err)

	other := testutil.ForRecipient(t, p, r2)
	other.RecipientNonce[0] ^= 0xff
	_, err = f.manager.StorePayload(ctx, other)
	assert.ErrorIs(t, err, ErrInvalidExistingTransaction)
	assert.Len(t, f.stored(t, p.Hash()).RecipientBoxes, 1)
}

func TestStorePayloadRoutesOwnMessages(t *testing.T) {
	f := newFixture(t, false)
	p, err := f.receiver.Enclave.EncryptPayload([]byte("mine"), f.receiver.Key(), []encryption.PublicKey{f.sender.Key()}, model.PrivacyMetadata{})
	require.NoError(t, err)

	_, err = f.manager.StorePayload(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, f.own.accepted, 1)
	assert.Equal(t, p.Hash(), f.own.accepted[0].Hash())

	_, err = f.store.RetrieveByHash(p.Hash())
	assert.ErrorIs(t, err, txstore.ErrTransactionNotFound)
}

func TestStorePayloadNeedsEnhancedPrivacy(t *testing.T) {
	f := newFixture(t, false)
	r := f.receiver.Key()
	p := f.send(t, "pp", model.PartyProtection, nil, r)

	_, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, p, r))
	assert.ErrorIs(t, err, ErrEnhancedPrivacyDisabled)
}

// storePSVBase stores a PSV transaction between sender and the first
// receiver key and returns the sender's view of it.
func storePSVBase(t *testing.T, f fixture) model.EncodedPayload {
	t.Helper()
	r := f.receiver.Key()
	base := f.send(t, "base", model.PrivateStateValidation, nil, r, f.sender.Key())
	_, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, base, r))
	require.NoError(t, err)
	return base
}

func TestStorePrivateStateValidationPayload(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	base := storePSVBase(t, f)

	next := f.send(t, "next", model.PrivateStateValidation, []model.EncodedPayload{base}, r, f.sender.Key())
	_, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, next, r))
	require.NoError(t, err)

	stored := f.stored(t, next.Hash())
	assert.Contains(t, stored.AffectedContractTransactions, base.Hash())
}

func TestPrivateStateValidationRecipientMismatch(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	base := storePSVBase(t, f)

	narrower := f.send(t, "narrower", model.PrivateStateValidation, []model.EncodedPayload{base}, r)
	_, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, narrower, r))
	assert.ErrorIs(t, err, ErrPrivacyViolation)
}

func TestPrivateStateValidationInvalidSecurityHash(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	base := storePSVBase(t, f)

	next := testutil.ForRecipient(t, f.send(t, "next", model.PrivateStateValidation, []model.EncodedPayload{base}, r, f.sender.Key()), r)
	next.AffectedContractTransactions[base.Hash()][0] ^= 0xff

	_, err := f.manager.StorePayload(context.Background(), next)
	assert.ErrorIs(t, err, ErrPrivacyViolation)
}

func TestPrivateStateValidationMissingAffectedIsIgnored(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	unknown := f.send(t, "never delivered", model.PrivateStateValidation, nil, r, f.sender.Key())

	next := f.send(t, "next", model.PrivateStateValidation, []model.EncodedPayload{unknown}, r, f.sender.Key())
	hash, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, next, r))
	require.NoError(t, err)
	assert.Equal(t, next.Hash(), hash)

	_, err = f.store.RetrieveByHash(hash)
	assert.ErrorIs(t, err, txstore.ErrTransactionNotFound)
}

func TestPrivacyModeMismatchIsIgnored(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	base := storePSVBase(t, f)

	pp := f.send(t, "pp", model.PartyProtection, []model.EncodedPayload{base}, r, f.sender.Key())
	_, err := f.manager.StorePayload(context.Background(), testutil.ForRecipient(t, pp, r))
	require.NoError(t, err)

	_, err = f.store.RetrieveByHash(pp.Hash())
	assert.ErrorIs(t, err, txstore.ErrTransactionNotFound)
}

func TestInvalidSecurityHashIsStrippedOutsidePSV(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	ctx := context.Background()

	base := f.send(t, "base", model.PartyProtection, nil, r, f.sender.Key())
	_, err := f.manager.StorePayload(ctx, testutil.ForRecipient(t, base, r))
	require.NoError(t, err)

	next := testutil.ForRecipient(t, f.send(t, "next", model.PartyProtection, []model.EncodedPayload{base}, r, f.sender.Key()), r)
	next.AffectedContractTransactions[base.Hash()][0] ^= 0xff

	_, err = f.manager.StorePayload(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, f.stored(t, next.Hash()).AffectedContractTransactions)
}

func TestMandatoryRecipientsMustCoverAffected(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver.Key()
	ctx := context.Background()

	meta := model.PrivacyMetadata{PrivacyMode: model.MandatoryRecipients, MandatoryRecipients: []encryption.PublicKey{r}}
	base, err := f.sender.Enclave.EncryptPayload([]byte("base"), f.sender.Key(), []encryption.PublicKey{r}, meta)
	require.NoError(t, err)
	_, err = f.manager.StorePayload(ctx, testutil.ForRecipient(t, base, r))
	require.NoError(t, err)

	meta = model.PrivacyMetadata{
		PrivacyMode:          model.MandatoryRecipients,
		AffectedTransactions: []model.AffectedTransaction{{Hash: base.Hash(), Payload: base}},
	}
	next, err := f.sender.Enclave.EncryptPayload([]byte("next"), f.sender.Key(), []encryption.PublicKey{r}, meta)
	require.NoError(t, err)
	_, err = f.manager.StorePayload(ctx, testutil.ForRecipient(t, next, r))
	require.NoError(t, err)

	_, err = f.store.RetrieveByHash(next.Hash())
	assert.ErrorIs(t, err, txstore.ErrTransactionNotFound)
}
