package unlock

import (
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// credentialUser adapts one stored FIDO2 credential to webauthn.User so
// the audited go-webauthn/webauthn library can run assertion verification
// against storage the Unlock Service owns directly (spec.md keeps
// credentialID/publicKey/counter/salt in our own key-store meta rather
// than the library's built-in user/credential model).
type credentialUser struct {
	userID     string
	credential webauthn.Credential
}

func (u *credentialUser) WebAuthnID() []byte          { return []byte(u.userID) }
func (u *credentialUser) WebAuthnName() string        { return u.userID }
func (u *credentialUser) WebAuthnDisplayName() string  { return u.userID }
func (u *credentialUser) WebAuthnIcon() string         { return "" }
func (u *credentialUser) WebAuthnCredentials() []webauthn.Credential {
	return []webauthn.Credential{u.credential}
}

// verifyAssertion runs signature/challenge/origin/RPID verification via
// go-webauthn/webauthn and returns the authenticator's new counter value.
// verifyAssertion does not reject a non-increasing counter; the caller
// performs the counter > stored check (spec.md §4.4.2 step 3) on the
// returned value before persisting it.
func verifyAssertion(
	rpID, rpOrigin string,
	expectedChallenge string,
	userID string,
	credentialIDB64, publicKeyB64 string,
	storedCounter uint32,
	assertionJSON []byte,
) (newCounter uint32, err error) {
	credID, err := base64.RawURLEncoding.DecodeString(credentialIDB64)
	if err != nil {
		return 0, fmt.Errorf("unlock: verify_assertion: decode credentialID: %w", err)
	}
	pubKey, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return 0, fmt.Errorf("unlock: verify_assertion: decode publicKey: %w", err)
	}

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "coldproxy",
		RPID:          rpID,
		RPOrigins:     []string{rpOrigin},
	})
	if err != nil {
		return 0, fmt.Errorf("unlock: verify_assertion: configure relying party: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(assertionJSON)
	if err != nil {
		return 0, fmt.Errorf("unlock: verify_assertion: parse assertion: %w", err)
	}

	user := &credentialUser{
		userID: userID,
		credential: webauthn.Credential{
			ID:        credID,
			PublicKey: pubKey,
			Authenticator: webauthn.Authenticator{
				SignCount: storedCounter,
			},
		},
	}

	session := webauthn.SessionData{
		Challenge:        expectedChallenge,
		UserID:           []byte(userID),
		UserVerification: protocol.VerificationRequired,
	}

	cred, err := w.ValidateLogin(user, session, parsed)
	if err != nil {
		return 0, fmt.Errorf("unlock: verify_assertion: validate login: %w", err)
	}
	return cred.Authenticator.SignCount, nil
}
