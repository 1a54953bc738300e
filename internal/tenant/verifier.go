package tenant

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// verifiedKeyTTL bounds how long a successful bcrypt comparison is reused.
const verifiedKeyTTL = 5 * time.Minute

// Verifier authenticates API keys and remembers which stored hash a credential
// matched, so repeat requests skip bcrypt. The hash set is still read on every
// call, which keeps revocation immediate.
type Verifier struct {
	store   KeyStore
	ttl     time.Duration
	now     func() time.Time
	compare func(hash, key []byte) error

	group    singleflight.Group
	mu       sync.Mutex
	verified map[[sha256.Size]byte]verifiedKey
}

type verifiedKey struct {
	hash    []byte
	expires time.Time
}

// NewVerifier constructs a Verifier. A non-positive ttl disables reuse.
func NewVerifier(store KeyStore, ttl time.Duration) *Verifier {
	return &Verifier{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		compare:  bcrypt.CompareHashAndPassword,
		verified: make(map[[sha256.Size]byte]verifiedKey),
	}
}

// Authenticate verifies key against the tenant's live hashes.
func (v *Verifier) Authenticate(ctx context.Context, tenantID uuid.UUID, key string) error {
	if tenantID == uuid.Nil {
		return ErrMissingTenant
	}
	if key == "" {
		return ErrUnauthenticated
	}
	hashes, err := v.store.KeyHashes(ctx, tenantID)
	if err != nil {
		return err
	}
	fingerprint := credentialFingerprint(tenantID, key)
	if v.cached(fingerprint, hashes) {
		return nil
	}

	matched, err, _ := v.group.Do(string(fingerprint[:]), func() (any, error) {
		for _, hash := range hashes {
			if v.compare(hash, []byte(key)) == nil {
				return hash, nil
			}
		}
		return nil, ErrUnauthenticated
	})
	if err != nil {
		return err
	}
	v.remember(fingerprint, matched.([]byte))
	return nil
}

func (v *Verifier) cached(fingerprint [sha256.Size]byte, live [][]byte) bool {
	v.mu.Lock()
	entry, ok := v.verified[fingerprint]
	v.mu.Unlock()
	if !ok || !v.now().Before(entry.expires) {
		return false
	}
	for _, hash := range live {
		if bytes.Equal(hash, entry.hash) {
			return true
		}
	}
	return false
}

func (v *Verifier) remember(fingerprint [sha256.Size]byte, hash []byte) {
	if v.ttl <= 0 {
		return
	}
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for fp, entry := range v.verified {
		if !now.Before(entry.expires) {
			delete(v.verified, fp)
		}
	}
	v.verified[fingerprint] = verifiedKey{hash: hash, expires: now.Add(v.ttl)}
}

func credentialFingerprint(tenantID uuid.UUID, key string) [sha256.Size]byte {
	h := sha256.New()
	h.Write(tenantID[:])
	h.Write([]byte(key))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
