package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	infisical "github.com/infisical/go-sdk"
	"golang.org/x/oauth2/clientcredentials"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/noetlerr"
)

// CredentialType enumerates the auth payload shapes a tool can request
// (§6 `credential.type`).
type CredentialType string

const (
	CredentialBasic  CredentialType = "basic"
	CredentialBearer CredentialType = "bearer"
	CredentialHMAC   CredentialType = "hmac"
	CredentialInline CredentialType = "inline"
)

// Provider resolves a named credential to a payload ready for a tool's
// auth context. Distinct providers exist per §4.5 step 2's source list;
// all write through Keychain.Put so repeated resolution within the same
// execution is cheap regardless of provider latency.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, credentialName string) (map[string]any, error)
}

// Resolver dispatches to the registered provider for a credential's
// declared source and caches the result per execution.
type Resolver struct {
	keychain  *Keychain
	providers map[string]Provider
}

// NewResolver builds a Resolver with no providers registered; call
// Register for each source the deployment supports.
func NewResolver(kc *Keychain) *Resolver {
	return &Resolver{keychain: kc, providers: map[string]Provider{}}
}

// Register adds or replaces the provider for one source name.
func (r *Resolver) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Resolve returns the cached credential if present, otherwise resolves it
// from the named source's provider and caches the result (§4.5 step 2).
func (r *Resolver) Resolve(ctx context.Context, source, credentialName string, executionID int64) (map[string]any, error) {
	if entry, err := r.keychain.Get(ctx, credentialName, executionID); err == nil {
		return entry.Payload, nil
	}

	p, ok := r.providers[source]
	if !ok {
		return nil, noetlerr.Validation(fmt.Sprintf("keychain: no provider registered for source %q", source))
	}

	payload, err := p.Resolve(ctx, credentialName)
	if err != nil {
		return nil, noetlerr.Tool(fmt.Sprintf("keychain: resolving %s via %s: %v", credentialName, source, err), err)
	}

	entry, err := r.keychain.Put(ctx, credentialName, executionID, payload)
	if err != nil {
		return nil, err
	}
	return entry.Payload, nil
}

// PostgresProvider is the default "credential_store" source: a flat
// credentials table alongside the catalog (§4.5, db/state_store.go
// row-lookup idiom).
type PostgresProvider struct {
	db *db.Postgres
}

func NewPostgresProvider(pg *db.Postgres) *PostgresProvider {
	return &PostgresProvider{db: pg}
}

func (p *PostgresProvider) Name() string { return "credential_store" }

func (p *PostgresProvider) Resolve(ctx context.Context, credentialName string) (map[string]any, error) {
	row := p.db.QueryRow(ctx, `SELECT payload FROM credentials WHERE credential_key=$1`, credentialName)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, fmt.Errorf("credential_store: %s not found: %w", credentialName, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnvProvider resolves a credential from an environment variable named
// NOETL_CREDENTIAL_<credentialName upper-cased>, for local/offline runs.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Resolve(ctx context.Context, credentialName string) (map[string]any, error) {
	key := "NOETL_CREDENTIAL_" + envKey(credentialName)
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil, fmt.Errorf("env: %s not set", key)
	}
	return map[string]any{"value": val}, nil
}

func envKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - ('a' - 'A')
		case c == '-' || c == '.':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// InlineProvider resolves credentials declared directly in a playbook's
// workload (§6 `credential.type: inline`); never persisted beyond the
// keychain's own TTL, and never written to the catalog.
type InlineProvider struct {
	values map[string]map[string]any
}

func NewInlineProvider(values map[string]map[string]any) *InlineProvider {
	return &InlineProvider{values: values}
}

func (InlineProvider) Name() string { return "inline" }

func (p *InlineProvider) Resolve(ctx context.Context, credentialName string) (map[string]any, error) {
	v, ok := p.values[credentialName]
	if !ok {
		return nil, fmt.Errorf("inline: %s not declared", credentialName)
	}
	return v, nil
}

// SecretManagerProvider wires Infisical as the "secret_manager" source
// (§2.2 DOMAIN STACK), for deployments that keep credentials outside
// Postgres entirely.
type SecretManagerProvider struct {
	client    infisical.InfisicalClientInterface
	projectID string
	env       string
}

func NewSecretManagerProvider(ctx context.Context, siteURL, clientID, clientSecret, projectID, env string) (*SecretManagerProvider, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{SiteUrl: siteURL})
	_, err := client.Auth().UniversalAuthLogin(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("secret_manager: authenticating: %w", err)
	}
	return &SecretManagerProvider{client: client, projectID: projectID, env: env}, nil
}

func (p *SecretManagerProvider) Name() string { return "secret_manager" }

func (p *SecretManagerProvider) Resolve(ctx context.Context, credentialName string) (map[string]any, error) {
	secret, err := p.client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
		SecretKey:   credentialName,
		ProjectID:   p.projectID,
		Environment: p.env,
	})
	if err != nil {
		return nil, fmt.Errorf("secret_manager: retrieving %s: %w", credentialName, err)
	}
	return map[string]any{"value": secret.SecretValue}, nil
}

// OIDCBearerProvider refreshes a bearer token via an OIDC client-credentials
// flow (§2.2 DOMAIN STACK), used for `credential.type: bearer` sources that
// front an OIDC-protected target rather than a static token.
type OIDCBearerProvider struct {
	config *clientcredentials.Config
}

func NewOIDCBearerProvider(ctx context.Context, issuerURL, clientID, clientSecret string, scopes []string) (*OIDCBearerProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("bearer: discovering issuer %s: %w", issuerURL, err)
	}
	return &OIDCBearerProvider{config: &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
		Scopes:       scopes,
	}}, nil
}

func (OIDCBearerProvider) Name() string { return "bearer" }

func (p *OIDCBearerProvider) Resolve(ctx context.Context, credentialName string) (map[string]any, error) {
	token, err := p.config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("bearer: fetching token for %s: %w", credentialName, err)
	}
	return map[string]any{
		"token":      token.AccessToken,
		"token_type": token.TokenType,
		"expires_at": token.Expiry.Format(time.RFC3339),
	}, nil
}
