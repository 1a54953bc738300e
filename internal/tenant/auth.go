package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Request headers carrying caller identity.
const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor-ID"
)

// KeyStore returns the bcrypt hashes of a tenant's live API keys.
type KeyStore interface {
	KeyHashes(ctx context.Context, tenantID uuid.UUID) ([][]byte, error)
}

// PGKeyStore reads tenant_api_keys through the gate.
type PGKeyStore struct {
	gate *Gate
}

// NewPGKeyStore constructs PGKeyStore.
func NewPGKeyStore(gate *Gate) *PGKeyStore {
	return &PGKeyStore{gate: gate}
}

// KeyHashes implements KeyStore.
func (s *PGKeyStore) KeyHashes(ctx context.Context, tenantID uuid.UUID) ([][]byte, error) {
	var hashes [][]byte
	err := s.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT k.key_hash FROM tenant_api_keys k
JOIN tenants t ON t.id = k.tenant_id
WHERE k.tenant_id = $1 AND k.revoked_at IS NULL AND t.active`, tenantID)
		if err != nil {
			return err
		}
		hashes, err = pgx.CollectRows(rows, pgx.RowTo[[]byte])
		return err
	})
	return hashes, err
}

// HashAPIKey derives the stored form of an API key.
func HashAPIKey(key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("tenant: api key required")
	}
	return bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
}

// Authenticate verifies key against the tenant's stored hashes without reuse.
func Authenticate(ctx context.Context, store KeyStore, tenantID uuid.UUID, key string) error {
	return NewVerifier(store, 0).Authenticate(ctx, tenantID, key)
}

// Middleware authenticates the tenant on every request and fails closed: there is no default tenant.
func Middleware(store KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	verifier := NewVerifier(store, verifiedKeyTTL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderTenant)))
			if err != nil || tenantID == uuid.Nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "tenant header missing or malformed")
				return
			}
			key := bearerToken(r.Header.Get("Authorization"))
			if err := verifier.Authenticate(r.Context(), tenantID, key); err != nil {
				if !errors.Is(err, shared.ErrUnauthenticated) && logger != nil {
					logger.Error("tenant authentication", slog.String("tenant_id", tenantID.String()), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid tenant credentials")
				return
			}
			ctx := WithTenant(r.Context(), tenantID)
			if actor, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderActor))); err == nil {
				ctx = shared.ContextWithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
