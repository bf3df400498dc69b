// Package vault generates, encrypts, persists and uses signing keys.
//
// Each wallet is one self-describing JSON file under the keystore directory.
// The encryption key is derived from the wallet password with PBKDF2
// (HMAC-SHA-256, configurable iteration count) and used with AES-256-GCM.
// The plaintext secp256k1 key only ever exists inside a Sign call and is
// wiped before it returns.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

const (
	fileVersion       = 1
	saltBytes         = 16
	derivedKeyBytes   = 32
	// DefaultIterations is the PBKDF2 floor; deployments may raise it.
	DefaultIterations = 100_000
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// walletFile is the on-disk format, keyed by wallet name.
type walletFile struct {
	Version    int       `json:"version"`
	Address    string    `json:"address"`
	Cipher     string    `json:"cipher"` // "aes-256-gcm"
	Ciphertext string    `json:"ciphertext"`
	KDF        kdfParams `json:"kdf"`
}

type kdfParams struct {
	PRF        string `json:"prf"` // "hmac-sha256"
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	DKLen      int    `json:"dklen"`
}

// WalletInfo is the public listing entry: never ciphertext or parameters.
type WalletInfo struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
}

// Vault is the keystore directory manager.
type Vault struct {
	mu         sync.Mutex
	dir        string
	iterations int
}

// Option configures a Vault.
type Option func(*Vault)

// WithIterations raises the PBKDF2 iteration count above the default floor.
func WithIterations(n int) Option {
	return func(v *Vault) {
		if n > v.iterations {
			v.iterations = n
		}
	}
}

// New opens (creating if necessary) the keystore directory.
func New(dir string, opts ...Option) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: create keystore dir: %w", err)
	}
	v := &Vault{dir: dir, iterations: DefaultIterations}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Vault) path(name string) string {
	return filepath.Join(v.dir, name+".wallet.json")
}

// Create generates a new wallet under name, encrypted with password, and
// returns its address. It fails if the name is taken.
func (v *Vault) Create(ctx context.Context, name, password string) (common.Address, error) {
	if !nameRe.MatchString(name) {
		return common.Address{}, contracts.Errorf(contracts.ErrValidation, "invalid wallet name %q", name)
	}
	if password == "" {
		return common.Address{}, contracts.Errorf(contracts.ErrValidation, "empty wallet password")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("vault: generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	plaintext := crypto.FromECDSA(key)
	defer wipe(plaintext)
	zeroKey(key)

	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return common.Address{}, fmt.Errorf("vault: salt: %w", err)
	}

	aesKey := pbkdf2.Key([]byte(password), salt, v.iterations, derivedKeyBytes, sha256.New)
	defer wipe(aesKey)
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}

	ciphertext, err := gcmSeal(aesKey, plaintext)
	if err != nil {
		return common.Address{}, err
	}

	wf := walletFile{
		Version:    fileVersion,
		Address:    addr.Hex(),
		Cipher:     "aes-256-gcm",
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		KDF: kdfParams{
			PRF:        "hmac-sha256",
			Iterations: v.iterations,
			Salt:       base64.StdEncoding.EncodeToString(salt),
			DKLen:      derivedKeyBytes,
		},
	}
	data, err := json.MarshalIndent(&wf, "", "  ")
	if err != nil {
		return common.Address{}, fmt.Errorf("vault: marshal wallet: %w", err)
	}

	f, err := os.OpenFile(v.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return common.Address{}, contracts.Errorf(contracts.ErrValidation, "wallet %q already exists", name)
		}
		return common.Address{}, fmt.Errorf("vault: create wallet file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return common.Address{}, fmt.Errorf("vault: write wallet file: %w", err)
	}
	return addr, nil
}

// Load re-derives the encryption key from password and authenticates it
// against the stored ciphertext. A GCM authentication failure surfaces as
// bad_credentials. The returned handle never exposes key material and is
// not serialisable.
func (v *Vault) Load(ctx context.Context, name, password string) (*Handle, error) {
	data, err := os.ReadFile(v.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, contracts.Errorf(contracts.ErrNotFound, "wallet %q", name)
		}
		return nil, fmt.Errorf("vault: read wallet file: %w", err)
	}
	var wf walletFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, contracts.Errorf(contracts.ErrInvariant, "wallet %q file corrupt: %v", name, err)
	}
	if wf.Version != fileVersion || wf.Cipher != "aes-256-gcm" || wf.KDF.PRF != "hmac-sha256" {
		return nil, contracts.Errorf(contracts.ErrInvariant, "wallet %q unsupported format", name)
	}
	salt, err := base64.StdEncoding.DecodeString(wf.KDF.Salt)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrInvariant, "wallet %q salt: %v", name, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wf.Ciphertext)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrInvariant, "wallet %q ciphertext: %v", name, err)
	}

	aesKey := pbkdf2.Key([]byte(password), salt, wf.KDF.Iterations, wf.KDF.DKLen, sha256.New)
	if err := ctx.Err(); err != nil {
		wipe(aesKey)
		return nil, err
	}

	// Authenticate the password now; discard the plaintext immediately.
	plaintext, err := gcmOpen(aesKey, ciphertext)
	if err != nil {
		wipe(aesKey)
		return nil, contracts.Errorf(contracts.ErrBadCredentials, "wallet %q: decryption failed", name)
	}
	wipe(plaintext)

	return &Handle{
		name:       name,
		address:    common.HexToAddress(wf.Address),
		aesKey:     aesKey,
		ciphertext: ciphertext,
	}, nil
}

// List returns the names and addresses of every stored wallet.
func (v *Vault) List() ([]WalletInfo, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, fmt.Errorf("vault: read keystore dir: %w", err)
	}
	var out []WalletInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wallet.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("vault: read %s: %w", e.Name(), err)
		}
		var wf walletFile
		if err := json.Unmarshal(data, &wf); err != nil {
			continue // skip foreign files
		}
		out = append(out, WalletInfo{
			Name:    strings.TrimSuffix(e.Name(), ".wallet.json"),
			Address: common.HexToAddress(wf.Address),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find returns the wallet name owning addr.
func (v *Vault) Find(addr common.Address) (string, error) {
	infos, err := v.List()
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		if info.Address == addr {
			return info.Name, nil
		}
	}
	return "", contracts.Errorf(contracts.ErrNotFound, "no wallet for address %s", addr.Hex())
}

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("vault: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
