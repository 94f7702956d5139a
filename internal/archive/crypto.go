package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Envelope layout: [16B salt][12B IV][4B reserved][ciphertext+16B tag].
const (
	saltSize     = 16
	ivSize       = 12
	reservedSize = 4
	headerSize   = saltSize + ivSize + reservedSize

	kdfIterations = 100_000
	keySize       = 32
)

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

// seal encrypts plaintext with AES-256-GCM under a key derived from the
// password, writing the envelope header in the clear.
func seal(plaintext []byte, password string) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(rand.Reader, header[:saltSize+ivSize]); err != nil {
		return nil, fmt.Errorf("generate envelope header: %w", err)
	}
	salt := header[:saltSize]
	iv := header[saltSize : saltSize+ivSize]

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(header, iv, plaintext, nil), nil
}

// open reverses seal. Fails on truncated envelopes and on authentication
// mismatch, which covers both tampering and a wrong password.
func open(envelope []byte, password string) ([]byte, error) {
	if len(envelope) < headerSize+16 {
		return nil, errors.New("archive envelope truncated")
	}
	salt := envelope[:saltSize]
	iv := envelope[saltSize : saltSize+ivSize]
	ciphertext := envelope[headerSize:]

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, errors.New("archive decryption failed: wrong password or corrupted file")
	}
	return plaintext, nil
}

// DecryptArchiveFile decrypts and decompresses an archive file in place,
// writing the plaintext next to it without the .enc and .gz suffixes, and
// returns the output path.
func DecryptArchiveFile(path, password string) (string, error) {
	data, err := ReadFile(path, password)
	if err != nil {
		return "", err
	}
	out := path
	for _, suffix := range []string{".enc", ".gz"} {
		if len(out) > len(suffix) && out[len(out)-len(suffix):] == suffix {
			out = out[:len(out)-len(suffix)]
		}
	}
	if out == path {
		out = path + ".dec"
	}
	if err := writeFileNoClobber(out, data); err != nil {
		return "", err
	}
	return out, nil
}
