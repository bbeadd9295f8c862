package trade

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// DevWallet is an in-process Wallet for devnet and tests: secp256k1
// signatures over the Keccak256 hash of the proposal terms, settlement id
// derived from the raw transaction hash. Real deployments plug an external
// signer behind the same interface and this type never touches mainnet
// funds.
type DevWallet struct {
	key *ecdsa.PrivateKey
}

func NewDevWallet() (*DevWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &DevWallet{key: key}, nil
}

// Address returns the hex address derived from the wallet key.
func (w *DevWallet) Address() string {
	return crypto.PubkeyToAddress(w.key.PublicKey).Hex()
}

func (w *DevWallet) CreateUnsignedProposal(orderID string, inputs, outputs []Leg) (Proposal, error) {
	if orderID == "" {
		return Proposal{}, errors.New("empty order id")
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return Proposal{}, errors.New("proposal needs inputs and outputs")
	}
	return Proposal{OrderID: orderID, Inputs: inputs, Outputs: outputs}, nil
}

// Sign appends this wallet's signature over the proposal terms.
func (w *DevWallet) Sign(p Proposal) (Proposal, error) {
	hash, err := termsHash(p)
	if err != nil {
		return Proposal{}, err
	}
	sig, err := crypto.Sign(hash, w.key)
	if err != nil {
		return Proposal{}, fmt.Errorf("sign proposal: %w", err)
	}
	p.Signatures = append(p.Signatures, hex.EncodeToString(sig))
	return p, nil
}

// Finalize checks both parties signed and serializes the raw transaction.
func (w *DevWallet) Finalize(p Proposal) ([]byte, error) {
	if len(p.Signatures) < 2 {
		return nil, fmt.Errorf("proposal has %d of 2 required signatures", len(p.Signatures))
	}
	hash, err := termsHash(p)
	if err != nil {
		return nil, err
	}
	for _, s := range p.Signatures {
		sig, err := hex.DecodeString(s)
		if err != nil || len(sig) != 65 {
			return nil, errors.New("malformed signature")
		}
		if _, err := crypto.Ecrecover(hash, sig); err != nil {
			return nil, fmt.Errorf("invalid signature: %w", err)
		}
	}
	return json.Marshal(p)
}

// Broadcast pretends to submit the transaction and returns a settlement
// id: the hex Keccak256 of the raw bytes, stable across both peers.
func (w *DevWallet) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	if len(rawTx) == 0 {
		return "", errors.New("empty transaction")
	}
	return crypto.Keccak256Hash(rawTx).Hex(), nil
}

// termsHash hashes the proposal excluding signatures, so every signer
// commits to the same bytes.
func termsHash(p Proposal) ([]byte, error) {
	unsigned := Proposal{OrderID: p.OrderID, Inputs: p.Inputs, Outputs: p.Outputs}
	data, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}

var _ Wallet = (*DevWallet)(nil)
