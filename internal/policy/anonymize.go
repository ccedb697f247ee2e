package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// AnonymousUser is used when a request carries no user identity.
const AnonymousUser = "anonymous"

// Anonymizer derives stable pseudonymous user ids so that velocity state can
// be tracked per user without storing the raw identifier.
type Anonymizer struct {
	salt []byte
}

// NewAnonymizer creates an anonymizer keyed by salt.
func NewAnonymizer(salt string) *Anonymizer {
	return &Anonymizer{salt: []byte(salt)}
}

// Anonymize returns hex(HMAC-SHA256(salt, userID)).
func (a *Anonymizer) Anonymize(userID string) string {
	h := hmac.New(sha256.New, a.salt)
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}

// UserID picks the anonymized user id for a request: an already anonymized
// id wins, then a raw userId is hashed, else AnonymousUser.
func (a *Anonymizer) UserID(md map[string]any) string {
	if id, ok := lookupString(md, "anonymizedUserId", "sessionContext.anonymizedUserId"); ok && id != "" {
		return id
	}
	if raw, ok := lookupString(md, "userId", "sessionContext.userId"); ok && raw != "" {
		return a.Anonymize(raw)
	}
	return AnonymousUser
}
