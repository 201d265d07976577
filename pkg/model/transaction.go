package model

// EncryptedTransaction is a persisted transaction. Recipient boxes are
// appended over time and never removed.
type EncryptedTransaction struct {
	Hash    MessageHash
	Payload EncodedPayload
}

// StagingTransaction is a payload pushed by a peer during recovery,
// waiting to be ordered and merged into the transaction store.
type StagingTransaction struct {
	ID   uint64
	Hash MessageHash
	// ValidationStage is zero until the row has been staged.
	ValidationStage int64
	PrivacyMode     PrivacyMode
	Payload         EncodedPayload
	// AffectedHashes are the transactions this one depends on; the row is
	// only staged once all of them have been staged.
	AffectedHashes []MessageHash
	Timestamp      int64
}

// IsStaged reports whether the row has been assigned a stage.
func (s StagingTransaction) IsStaged() bool {
	return s.ValidationStage > 0
}
