package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// MaxTransactionSize is the hard ceiling of a serialized transaction.
const MaxTransactionSize = 1232

const signatureSize = 64

// Hash is a recent blockhash.
type Hash [32]byte

// ParseHash decodes a base58 blockhash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw := base58.Decode(s)
	if len(raw) != len(h) {
		return h, fmt.Errorf("chain: invalid blockhash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string { return base58.Encode(h[:]) }

// MessageHeader counts the signer and read-only account classes.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into the key table.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a compiled legacy transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

type keyFlags struct {
	signer, writable bool
}

// CompileMessage orders keys payer first, then signer-writable,
// signer-readonly, writable and read-only, each class in first-seen order.
func CompileMessage(payer PublicKey, ixs []Instruction, blockhash Hash) (Message, error) {
	if len(ixs) == 0 {
		return Message{}, errors.New("chain: no instructions")
	}
	flags := map[PublicKey]*keyFlags{payer: {signer: true, writable: true}}
	order := []PublicKey{payer}
	touch := func(pk PublicKey, s, w bool) {
		f, ok := flags[pk]
		if !ok {
			f = &keyFlags{}
			flags[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || s
		f.writable = f.writable || w
	}
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			touch(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		touch(ix.ProgramID, false, false)
	}

	var sw, sr, uw, ur []PublicKey
	for _, pk := range order[1:] {
		f := flags[pk]
		switch {
		case f.signer && f.writable:
			sw = append(sw, pk)
		case f.signer:
			sr = append(sr, pk)
		case f.writable:
			uw = append(uw, pk)
		default:
			ur = append(ur, pk)
		}
	}
	keys := make([]PublicKey, 0, len(order))
	keys = append(keys, payer)
	keys = append(keys, sw...)
	keys = append(keys, sr...)
	keys = append(keys, uw...)
	keys = append(keys, ur...)
	if len(keys) > 256 {
		return Message{}, fmt.Errorf("chain: %d accounts exceed index range", len(keys))
	}

	index := make(map[PublicKey]uint8, len(keys))
	for i, pk := range keys {
		index[pk] = uint8(i)
	}
	compiled := make([]CompiledInstruction, len(ixs))
	for i, ix := range ixs {
		ci := CompiledInstruction{ProgramIDIndex: index[ix.ProgramID], Data: ix.Data}
		ci.Accounts = make([]uint8, len(ix.Accounts))
		for j, a := range ix.Accounts {
			ci.Accounts[j] = index[a.PublicKey]
		}
		compiled[i] = ci
	}

	return Message{
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(1 + len(sw) + len(sr)),
			NumReadonlySignedAccounts:   uint8(len(sr)),
			NumReadonlyUnsignedAccounts: uint8(len(ur)),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
		Instructions:    compiled,
	}, nil
}

// Serialize returns the wire bytes that signatures cover.
func (m Message) Serialize() []byte {
	b := make([]byte, 0, 512)
	b = append(b, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	b = appendShortVec(b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendShortVec(b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		b = appendShortVec(b, len(ix.Accounts))
		b = append(b, ix.Accounts...)
		b = appendShortVec(b, len(ix.Data))
		b = append(b, ix.Data...)
	}
	return b
}

// Signer produces ed25519 signatures for one address.
type Signer interface {
	PublicKey() PublicKey
	Sign(msg []byte) []byte
}

// Transaction is a message with its signatures.
type Transaction struct {
	Signatures [][signatureSize]byte
	Message    Message
}

// NewTransaction compiles ixs and signs with signers; the first signer
// pays fees.
func NewTransaction(ixs []Instruction, blockhash Hash, signers ...Signer) (*Transaction, error) {
	if len(signers) == 0 {
		return nil, errors.New("chain: no fee payer")
	}
	msg, err := CompileMessage(signers[0].PublicKey(), ixs, blockhash)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Message: msg}
	if err := tx.Sign(signers...); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign fills every required signature slot from signers.
func (tx *Transaction) Sign(signers ...Signer) error {
	n := int(tx.Message.Header.NumRequiredSignatures)
	byKey := make(map[PublicKey]Signer, len(signers))
	for _, s := range signers {
		byKey[s.PublicKey()] = s
	}
	payload := tx.Message.Serialize()
	tx.Signatures = make([][signatureSize]byte, n)
	for i := 0; i < n; i++ {
		s, ok := byKey[tx.Message.AccountKeys[i]]
		if !ok {
			return fmt.Errorf("chain: missing signer for %s", tx.Message.AccountKeys[i])
		}
		copy(tx.Signatures[i][:], s.Sign(payload))
	}
	return nil
}

// Signature returns the first signature, which identifies the transaction.
func (tx *Transaction) Signature() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return base58.Encode(tx.Signatures[0][:])
}

// Serialize returns the full wire form.
func (tx *Transaction) Serialize() ([]byte, error) {
	msg := tx.Message.Serialize()
	b := make([]byte, 0, len(msg)+1+len(tx.Signatures)*signatureSize)
	b = appendShortVec(b, len(tx.Signatures))
	for _, s := range tx.Signatures {
		b = append(b, s[:]...)
	}
	b = append(b, msg...)
	if len(b) > MaxTransactionSize {
		return nil, fmt.Errorf("chain: transaction is %d bytes, limit %d", len(b), MaxTransactionSize)
	}
	return b, nil
}

// EstimateSize returns the serialized size of a transaction carrying ixs
// paid by payer, without signing it.
func EstimateSize(payer PublicKey, ixs []Instruction) (int, error) {
	msg, err := CompileMessage(payer, ixs, Hash{})
	if err != nil {
		return 0, err
	}
	n := int(msg.Header.NumRequiredSignatures)
	return shortVecLen(n) + n*signatureSize + len(msg.Serialize()), nil
}
