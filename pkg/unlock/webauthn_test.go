package unlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyAssertionRejectsInvalidCredentialIDEncoding(t *testing.T) {
	_, err := verifyAssertion("example.com", "https://example.com", "chal", "user1",
		"not-valid-base64url!!!", "cHVia2V5", 0, []byte(`{}`))
	assert.Error(t, err)
}

func TestVerifyAssertionRejectsInvalidPublicKeyEncoding(t *testing.T) {
	_, err := verifyAssertion("example.com", "https://example.com", "chal", "user1",
		"Y3JlZA", "not-valid-base64url!!!", 0, []byte(`{}`))
	assert.Error(t, err)
}

func TestVerifyAssertionRejectsMalformedAssertionJSON(t *testing.T) {
	_, err := verifyAssertion("example.com", "https://example.com", "chal", "user1",
		"Y3JlZA", "cHVia2V5", 0, []byte(`not json`))
	assert.Error(t, err)
}
