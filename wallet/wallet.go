package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
)

// Wallet is the node's secp256k1 identity: one private key, the derived
// 20-byte address the coordinator knows the node by, and signing of
// registration payloads and response digests.
type Wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("error generating private key: %v", err)
	}
	return fromKey(key), nil
}

// FromHex builds a wallet from a hex-encoded private key, with or without
// the 0x prefix.
func FromHex(privateKeyHex string) (*Wallet, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(cleaned)
	if err != nil {
		return nil, fmt.Errorf("error converting private key: %v", err)
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		key:  key,
		addr: common.Address(crypto.PubkeyToAddress(key.PublicKey)),
	}
}

// Load reads the hex key file at path, generating and writing a fresh
// identity when the file does not exist yet.
func Load(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		w, err := FromHex(string(data))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		log.Info(log.WalletModule, "identity loaded", "address", w.addr.Hex())
		return w, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	w, err := Generate()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	keyHex := hex.EncodeToString(crypto.FromECDSA(w.key))
	if err := os.WriteFile(path, []byte(keyHex), 0600); err != nil {
		return nil, err
	}
	log.Info(log.WalletModule, "new identity generated", "address", w.addr.Hex(), "keyfile", path)
	return w, nil
}

func (w *Wallet) Address() common.Address {
	return w.addr
}

// Sign signs a 32-byte digest under the Ethereum personal-message prefix.
// It returns the prefixed message hash and the 65-byte recoverable
// signature.
func (w *Wallet) Sign(digest common.Hash) (common.Hash, []byte, error) {
	message := append([]byte("\x19Ethereum Signed Message:\n32"), digest.Bytes()...)
	messageHash := common.Keccak256(message)
	signature, err := crypto.Sign(messageHash.Bytes(), w.key)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("error signing the hash: %v", err)
	}
	return messageHash, signature, nil
}

// Verify checks that signature over digest recovers addr. This is the
// coordinator-side check; it needs only the address, not the public key.
func Verify(addr common.Address, digest common.Hash, signature []byte) error {
	message := append([]byte("\x19Ethereum Signed Message:\n32"), digest.Bytes()...)
	messageHash := common.Keccak256(message)

	recovered, err := crypto.SigToPub(messageHash.Bytes(), signature)
	if err != nil {
		return errors.New("error recovering public key from signature")
	}
	if common.Address(crypto.PubkeyToAddress(*recovered)) != addr {
		return errors.New("signer does not match address")
	}
	signatureNoRecoverID := signature[:len(signature)-1]
	if !crypto.VerifySignature(crypto.FromECDSAPub(recovered), messageHash.Bytes(), signatureNoRecoverID) {
		return errors.New("signature verification failed")
	}
	return nil
}
