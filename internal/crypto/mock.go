package crypto

import (
	"context"
	"fmt"
	"strings"
)

const mockPrefix = "mock:"

// MockEncryptor implements Encryptor for local development (no KMS required).
// Ciphertexts are the plaintext behind a marker prefix.
type MockEncryptor struct{}

func NewMockEncryptor() *MockEncryptor {
	return &MockEncryptor{}
}

func (m *MockEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return mockPrefix + plaintext, nil
}

func (m *MockEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	plaintext, ok := strings.CutPrefix(ciphertext, mockPrefix)
	if !ok {
		return "", fmt.Errorf("failed to decrypt data: not a mock ciphertext")
	}
	return plaintext, nil
}
