package vault

import (
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

// Handle is a short-lived in-memory holder of an unlocked wallet. It keeps
// only the password-derived AES key and the stored ciphertext; the plaintext
// signing key is materialized inside Sign and wiped before it returns. The
// handle has no exported fields and must not be shared across processes.
type Handle struct {
	mu         sync.Mutex
	name       string
	address    common.Address
	aesKey     []byte
	ciphertext []byte
}

// Name returns the wallet name.
func (h *Handle) Name() string { return h.name }

// Address returns the wallet address.
func (h *Handle) Address() common.Address { return h.address }

// Close wipes the derived key, invalidating the handle.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	wipe(h.aesKey)
	h.aesKey = nil
	h.ciphertext = nil
}

// Sign produces a secp256k1 ECDSA signature over tx with EIP-155 replay
// protection and returns the RLP-encoded signed transaction and its
// Keccak-256 hash. This is the only operation that reads the plaintext key.
func (h *Handle) Sign(tx *types.Transaction, chainID *big.Int) ([]byte, common.Hash, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aesKey == nil {
		return nil, common.Hash{}, contracts.Errorf(contracts.ErrInvariant, "wallet handle %q already closed", h.name)
	}

	plaintext, err := gcmOpen(h.aesKey, h.ciphertext)
	if err != nil {
		return nil, common.Hash{}, contracts.Errorf(contracts.ErrBadCredentials, "wallet %q: decryption failed", h.name)
	}
	key, err := crypto.ToECDSA(plaintext)
	wipe(plaintext)
	if err != nil {
		return nil, common.Hash{}, contracts.Errorf(contracts.ErrInvariant, "wallet %q: stored key invalid: %v", h.name, err)
	}
	defer zeroKey(key)

	signer := types.NewEIP155Signer(chainID)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return nil, common.Hash{}, contracts.Errorf(contracts.ErrInvariant, "wallet %q: sign: %v", h.name, err)
	}
	blob, err := signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, contracts.Errorf(contracts.ErrInvariant, "wallet %q: encode signed tx: %v", h.name, err)
	}
	return blob, signed.Hash(), nil
}

// zeroKey clears the private scalar in place.
func zeroKey(key *ecdsa.PrivateKey) {
	b := key.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
