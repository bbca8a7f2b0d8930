package owner

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/evolu-sh/evolu-core/internal/crypto"
)

// MnemonicFileName is the on-disk name of the password-wrapped
// mnemonic file.
const MnemonicFileName = "mnemonic.json"

// MnemonicStore persists an AppOwner's plaintext mnemonic, encrypted
// at rest under a user password. The mnemonic alone can regenerate
// every key, so the stored file does not reveal it without the
// password. This store is separate from the local database: the
// sqlite store's evolu_owner table keeps the mnemonic, EncryptionKey
// and WriteKey unencrypted.
type MnemonicStore interface {
	Initialize(password []byte, mnemonic string) error
	Unlock(password []byte) (string, error)
	IsInitialized() bool
}

// FileMnemonicStore implements MnemonicStore using a file:
// Argon2id-wrapped AEAD, salt and KDF params stored alongside the
// ciphertext.
type FileMnemonicStore struct {
	dir string
	mu  sync.RWMutex
}

type mnemonicFile struct {
	Salt       string       `json:"salt"`
	Ciphertext string       `json:"data"`
	Nonce      string       `json:"nonce"`
	Params     argon2Params `json:"params"`
}

type argon2Params struct {
	Memory      uint32 `json:"mem"`
	Iterations  uint32 `json:"time"`
	Parallelism uint8  `json:"threads"`
}

var defaultArgon2Params = argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}

func NewFileMnemonicStore(dir string) *FileMnemonicStore {
	return &FileMnemonicStore{dir: dir}
}

func (s *FileMnemonicStore) path() string {
	return filepath.Join(s.dir, MnemonicFileName)
}

func (s *FileMnemonicStore) Initialize(password []byte, mnemonic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized() {
		return errors.New("owner: mnemonic store already initialized")
	}

	salt, err := crypto.Random(16)
	if err != nil {
		return err
	}
	wrapperKey := deriveWrapperKey(password, salt, defaultArgon2Params)

	nonce, ciphertext, err := crypto.AEADEncrypt(wrapperKey, []byte(mnemonic))
	if err != nil {
		return err
	}

	mf := mnemonicFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Params:     defaultArgon2Params,
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("owner: create mnemonic dir: %w", err)
	}
	return os.WriteFile(s.path(), data, 0o600)
}

func (s *FileMnemonicStore) Unlock(password []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		return "", fmt.Errorf("owner: read mnemonic file: %w", err)
	}

	var mf mnemonicFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return "", fmt.Errorf("owner: parse mnemonic file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(mf.Salt)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(mf.Nonce)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(mf.Ciphertext)
	if err != nil {
		return "", err
	}

	wrapperKey := deriveWrapperKey(password, salt, mf.Params)
	plaintext, err := crypto.AEADDecrypt(wrapperKey, nonce, ciphertext)
	if err != nil {
		return "", errors.New("owner: incorrect password or corrupted mnemonic file")
	}
	return string(plaintext), nil
}

func (s *FileMnemonicStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isInitialized()
}

func (s *FileMnemonicStore) isInitialized() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

func deriveWrapperKey(password, salt []byte, p argon2Params) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, crypto.KeySize)
}
