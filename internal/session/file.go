package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionFileName is the encrypted session file inside the data directory.
	SessionFileName = "session.enc"
	// KeyFileName holds the random key material the session file is encrypted with.
	KeyFileName = ".session-key"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxKeyFileSize  = 4096
	maxSessionSize  = 1 << 20 // 1 MiB
	hkdfInfo        = "pagegen-session-v1"
)

var errUnsafeSessionPath = errors.New("unsafe session persistence path")

// FileBackend persists session keys in an AES-GCM encrypted file. Every
// operation reads the file from disk so writes made by another process are
// visible (last writer wins).
type FileBackend struct {
	mu      sync.Mutex
	dir     string
	path    string
	keyPath string
	aead    cipher.AEAD
}

// NewFileBackend opens (creating if needed) the session file under dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session directory cannot be empty")
	}
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure session directory: %w", err)
	}

	b := &FileBackend{
		dir:     dir,
		path:    filepath.Join(dir, SessionFileName),
		keyPath: filepath.Join(dir, KeyFileName),
	}

	material, err := b.ensureKeyMaterial()
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(material)
	if err != nil {
		return nil, err
	}
	b.aead = aead
	return b, nil
}

// Path returns the encrypted session file path.
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.loadLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

func (b *FileBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.loadLocked()
	if err != nil {
		return err
	}
	data[key] = value
	return b.saveLocked(data)
}

func (b *FileBackend) Delete(keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.loadLocked()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(data, k)
	}
	if len(data) == 0 {
		if err := os.Remove(b.path); err != nil && !isMissingPathError(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
		return nil
	}
	return b.saveLocked(data)
}

func (b *FileBackend) loadLocked() (map[string]string, error) {
	encoded, err := readBoundedRegularFile(b.path, maxSessionSize)
	if err != nil {
		if isMissingPathError(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	plaintext, err := b.decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt session file: %w", err)
	}

	data := map[string]string{}
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return data, nil
}

func (b *FileBackend) saveLocked(data map[string]string) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ciphertext, err := b.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt session: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := writeOwnerOnlyFileAtomic(b.path, []byte(encoded)); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (b *FileBackend) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *FileBackend) decrypt(ciphertext []byte) ([]byte, error) {
	size := b.aead.NonceSize()
	if len(ciphertext) < size {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), size)
	}
	return b.aead.Open(nil, ciphertext[:size], ciphertext[size:], nil)
}

// ensureKeyMaterial loads the key file, creating a random one on first use.
func (b *FileBackend) ensureKeyMaterial() ([]byte, error) {
	data, err := readBoundedRegularFile(b.keyPath, maxKeyFileSize)
	if err == nil {
		material, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(material) == 0 {
			return nil, fmt.Errorf("%w: session key file is invalid", errUnsafeSessionPath)
		}
		if err := os.Chmod(b.keyPath, privateFilePerm); err != nil {
			return nil, fmt.Errorf("secure session key file: %w", err)
		}
		return material, nil
	}
	if !isMissingPathError(err) {
		return nil, fmt.Errorf("load session key: %w", err)
	}

	material := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if err := writeOwnerOnlyFileAtomic(b.keyPath, []byte(hex.EncodeToString(material))); err != nil {
		return nil, fmt.Errorf("write session key: %w", err)
	}
	return material, nil
}

func newAEAD(material []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeSessionPath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeSessionPath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafeSessionPath, path, info.Size())
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
