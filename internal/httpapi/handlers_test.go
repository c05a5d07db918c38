package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"paperwurks.org/internal/identity"
	"paperwurks.org/internal/ids"
)

// fakeStore is an in-memory identity.Store for exercising the HTTP surface
// without Postgres. Token consumption follows the same conditional
// semantics as the SQL implementation.
type fakeStore struct {
	mu         sync.Mutex
	entities   map[string]*identity.Entity
	identities map[string]*identity.Identity
	profiles   map[string]*identity.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:   make(map[string]*identity.Entity),
		identities: make(map[string]*identity.Identity),
		profiles:   make(map[string]*identity.Profile),
	}
}

func (s *fakeStore) Entities() identity.EntityStore     { return (*fakeEntities)(s) }
func (s *fakeStore) Identities() identity.IdentityStore { return (*fakeIdentities)(s) }
func (s *fakeStore) Profiles() identity.ProfileStore    { return (*fakeProfiles)(s) }

func (s *fakeStore) CreateRegistration(_ context.Context, id *identity.Identity, profile *identity.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.identities {
		if existing.Email == id.Email {
			return identity.ErrAlreadyExists
		}
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	cp := *id
	cp.Profile = nil
	s.identities[id.ID] = &cp
	if profile != nil {
		if profile.ID == "" {
			profile.ID = ids.New()
		}
		profile.IdentityID = id.ID
		pcp := *profile
		s.profiles[profile.IdentityID] = &pcp
	}
	return nil
}

type fakeEntities fakeStore

func (s *fakeEntities) Create(_ context.Context, e *identity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entities {
		if existing.Name == e.Name {
			return identity.ErrAlreadyExists
		}
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	s.entities[e.ID] = &cp
	return nil
}

func (s *fakeEntities) Find(_ context.Context, id string) (*identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeEntities) FindByName(_ context.Context, name string) (*identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *fakeEntities) ListActive(_ context.Context) ([]*identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*identity.Entity
	for _, e := range s.entities {
		if e.IsActive && e.DeletedAt == nil {
			cp := *e
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *fakeEntities) ListByKind(_ context.Context, kind identity.EntityKind) ([]*identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*identity.Entity
	for _, e := range s.entities {
		if e.Kind == kind && e.DeletedAt == nil {
			cp := *e
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *fakeEntities) UpdateSettings(_ context.Context, id string, settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return identity.ErrNotFound
	}
	e.Settings = settings
	return nil
}

func (s *fakeEntities) UpdateMetadata(_ context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return identity.ErrNotFound
	}
	e.Metadata = metadata
	return nil
}

func (s *fakeEntities) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return identity.ErrNotFound
	}
	e.IsActive = active
	return nil
}

func (s *fakeEntities) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.DeletedAt != nil {
		return identity.ErrNotFound
	}
	e.IsActive = false
	e.DeletedAt = &at
	return nil
}

type fakeIdentities fakeStore

func (s *fakeIdentities) Create(_ context.Context, id *identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.identities {
		if existing.Email == id.Email {
			return identity.ErrAlreadyExists
		}
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	cp := *id
	cp.Profile = nil
	s.identities[id.ID] = &cp
	return nil
}

func (s *fakeIdentities) Find(_ context.Context, id string) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *fakeIdentities) FindByEmail(_ context.Context, email string) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.identities {
		if record.Email == identity.NormalizeEmail(email) {
			cp := *record
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *fakeIdentities) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	record.LastLoginAt = &at
	return nil
}

func (s *fakeIdentities) UpdatePassword(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	record.PasswordHash = hash
	return nil
}

func (s *fakeIdentities) SetVerificationToken(_ context.Context, id, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	record.VerificationToken = token
	record.VerificationTokenExpiresAt = &expiresAt
	return nil
}

func (s *fakeIdentities) ConsumeVerificationToken(_ context.Context, token string, now time.Time) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.identities {
		if record.VerificationToken != token || record.IsVerified {
			continue
		}
		if record.VerificationTokenExpiresAt == nil || !record.VerificationTokenExpiresAt.After(now) {
			continue
		}
		record.IsVerified = true
		record.IsActive = true
		record.VerificationToken = ""
		record.VerificationTokenExpiresAt = nil
		cp := *record
		return &cp, nil
	}
	return nil, identity.ErrNotFound
}

func (s *fakeIdentities) SetPasswordResetToken(_ context.Context, id, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[id]
	if !ok {
		return identity.ErrNotFound
	}
	record.PasswordResetToken = token
	record.PasswordResetTokenExpiresAt = &expiresAt
	return nil
}

func (s *fakeIdentities) ConsumeResetToken(_ context.Context, token, newHash string, now time.Time) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.identities {
		if record.PasswordResetToken != token {
			continue
		}
		if record.PasswordResetTokenExpiresAt == nil || !record.PasswordResetTokenExpiresAt.After(now) {
			continue
		}
		record.PasswordHash = newHash
		record.PasswordResetToken = ""
		record.PasswordResetTokenExpiresAt = nil
		cp := *record
		return &cp, nil
	}
	return nil, identity.ErrNotFound
}

type fakeProfiles fakeStore

func (s *fakeProfiles) Create(_ context.Context, p *identity.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[p.IdentityID]; exists {
		return identity.ErrAlreadyExists
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	cp := *p
	s.profiles[p.IdentityID] = &cp
	return nil
}

func (s *fakeProfiles) FindByIdentity(_ context.Context, identityID string) (*identity.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[identityID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProfiles) Update(_ context.Context, p *identity.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.profiles[p.IdentityID]
	if !ok {
		return identity.ErrNotFound
	}
	*existing = *p
	return nil
}

func (s *fakeStore) verificationToken(t *testing.T, email string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.identities {
		if record.Email == email {
			return record.VerificationToken
		}
	}
	t.Fatalf("no identity for %s", email)
	return ""
}

func (s *fakeStore) resetToken(t *testing.T, email string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.identities {
		if record.Email == email {
			return record.PasswordResetToken
		}
	}
	t.Fatalf("no identity for %s", email)
	return ""
}

// --- test harness ---

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *fakeStore
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := newFakeStore()
	codec, err := identity.NewTokenCodec("handlers-test-secret", "test-issuer")
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	auth := identity.NewService(store, codec, nil,
		identity.WithBlacklist(identity.NewBlacklist(rdb)))
	entities := identity.NewEntityService(store)

	api := New(auth, entities, ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func (c *apiClient) seedEntity(name string, kind identity.EntityKind) *identity.Entity {
	c.t.Helper()
	entity := &identity.Entity{Name: name, Kind: kind, IsActive: true}
	if err := c.store.Entities().Create(context.Background(), entity); err != nil {
		c.t.Fatalf("seed entity: %v", err)
	}
	return entity
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u := c.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) registerAndLogin(entityID, email, password string) loginResponse {
	c.t.Helper()
	resp := c.post("/v1/identity/register", map[string]any{
		"entity_id":  entityID,
		"email":      email,
		"password":   password,
		"first_name": "Alice",
		"last_name":  "Archer",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status: %d", resp.StatusCode)
	}

	token := c.store.verificationToken(c.t, email)
	resp = c.post("/v1/identity/verify-email", map[string]any{"token": token}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("verify status: %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/login", map[string]any{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	return decode[loginResponse](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// --- tests ---

func TestRegisterVerifyLoginFlow(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)

	resp := c.post("/v1/identity/register", map[string]any{
		"entity_id":  entity.ID,
		"email":      "alice@example.com",
		"password":   "Str0ng!Pass",
		"first_name": "Alice",
		"last_name":  "Archer",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status: %d", resp.StatusCode)
	}
	created := decode[identityResponse](t, resp)
	if created.IsVerified || created.IsActive {
		t.Fatalf("new identity must be unverified and inactive: %+v", created)
	}
	if created.DisplayName != "Alice Archer" {
		t.Fatalf("unexpected display name: %s", created.DisplayName)
	}

	// Login before verification is forbidden, not unauthorized.
	resp = c.post("/v1/identity/login", map[string]any{
		"email": "alice@example.com", "password": "Str0ng!Pass",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before verification, got %d", resp.StatusCode)
	}

	token := c.store.verificationToken(t, "alice@example.com")
	resp = c.post("/v1/identity/verify-email", map[string]any{"token": token}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/login", map[string]any{
		"email": "alice@example.com", "password": "Str0ng!Pass",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %d", resp.StatusCode)
	}
	login := decode[loginResponse](t, resp)
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
	if login.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %s", login.TokenType)
	}
	if !login.User.IsVerified {
		t.Fatal("logged-in user must be verified")
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"invalid email", map[string]any{"entity_id": entity.ID, "email": "nope", "password": "Str0ng!Pass"}, http.StatusBadRequest},
		{"weak password", map[string]any{"entity_id": entity.ID, "email": "a@example.com", "password": "123"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"entity_id": entity.ID, "email": "a@example.com", "password": "Str0ng!Pass", "admin": true}, http.StatusBadRequest},
		{"missing entity", map[string]any{"email": "a@example.com", "password": "Str0ng!Pass"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.post("/v1/identity/register", tc.body, nil)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestRegisterDuplicateEmailConflict(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)
	c.registerAndLogin(entity.ID, "alice@example.com", "Str0ng!Pass")

	resp := c.post("/v1/identity/register", map[string]any{
		"entity_id": entity.ID,
		"email":     "Alice@Example.com",
		"password":  "An0ther!Pass",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["request_id"] == "" {
		t.Fatal("error payloads must carry the request id")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)
	c.registerAndLogin(entity.ID, "alice@example.com", "Str0ng!Pass")

	resp := c.post("/v1/identity/login", map[string]any{
		"email": "alice@example.com", "password": "Wr0ng!Pass",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Unknown email is indistinguishable from a wrong password.
	resp = c.post("/v1/identity/login", map[string]any{
		"email": "ghost@example.com", "password": "Wr0ng!Pass",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", resp.StatusCode)
	}
}

func TestProtectedEndpointLifecycle(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)
	login := c.registerAndLogin(entity.ID, "alice@example.com", "Str0ng!Pass")

	// No token.
	resp := c.get("/v1/identity/me", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Valid token.
	resp = c.get("/v1/identity/me", nil, bearerHeader(login.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	me := decode[map[string]any](t, resp)
	if me["email"] != "alice@example.com" {
		t.Fatalf("unexpected claims: %+v", me)
	}

	// A refresh token is not a valid bearer credential.
	resp = c.get("/v1/identity/me", nil, bearerHeader(login.RefreshToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token, got %d", resp.StatusCode)
	}

	// Logout revokes the access token immediately.
	resp = c.post("/v1/identity/logout", nil, bearerHeader(login.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on logout, got %d", resp.StatusCode)
	}
	resp = c.get("/v1/identity/me", nil, bearerHeader(login.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)
	login := c.registerAndLogin(entity.ID, "alice@example.com", "Str0ng!Pass")

	resp := c.post("/v1/identity/refresh", map[string]any{"refresh_token": login.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["access_token"] == "" {
		t.Fatal("expected a fresh access token")
	}

	// Access tokens are rejected at the refresh endpoint.
	resp = c.post("/v1/identity/refresh", map[string]any{"refresh_token": login.AccessToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for access token, got %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/refresh", map[string]any{"refresh_token": ""}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty token, got %d", resp.StatusCode)
	}
}

func TestPasswordResetEndpoints(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)
	c.registerAndLogin(entity.ID, "alice@example.com", "Str0ng!Pass")

	// Identical response for known and unknown addresses.
	for _, email := range []string{"alice@example.com", "ghost@example.com"} {
		resp := c.post("/v1/identity/forgot-password", map[string]any{"email": email}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("forgot-password for %s: %d", email, resp.StatusCode)
		}
	}

	token := c.store.resetToken(t, "alice@example.com")
	resp := c.post("/v1/identity/reset-password", map[string]any{
		"token": token, "new_password": "N3wP@ss!",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset-password status: %d", resp.StatusCode)
	}

	// Reuse fails.
	resp = c.post("/v1/identity/reset-password", map[string]any{
		"token": token, "new_password": "An0ther!Pass",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on token reuse, got %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/login", map[string]any{
		"email": "alice@example.com", "password": "N3wP@ss!",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password: %d", resp.StatusCode)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	c := newTestAPI(t)
	entity := c.seedEntity("ABC Estates", identity.EntityKindEstateAgent)
	login := c.registerAndLogin(entity.ID, "alice@example.com", "Str0ng!Pass")

	// Changing the password is an authenticated operation.
	resp := c.post("/v1/identity/change-password", map[string]any{
		"current_password": "Str0ng!Pass", "new_password": "N3wP@ss!",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/change-password", map[string]any{
		"current_password": "Wr0ng!Pass", "new_password": "N3wP@ss!",
	}, bearerHeader(login.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong current password, got %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/change-password", map[string]any{
		"current_password": "Str0ng!Pass", "new_password": "N3wP@ss!",
	}, bearerHeader(login.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change-password status: %d", resp.StatusCode)
	}

	resp = c.post("/v1/identity/login", map[string]any{
		"email": "alice@example.com", "password": "N3wP@ss!",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password: %d", resp.StatusCode)
	}
}

func TestEntityEndpoints(t *testing.T) {
	c := newTestAPI(t)
	seed := c.seedEntity("Seed Estates", identity.EntityKindEstateAgent)
	login := c.registerAndLogin(seed.ID, "admin@example.com", "Str0ng!Pass")
	auth := bearerHeader(login.AccessToken)

	// Entity management requires a token.
	resp := c.post("/v1/entities", map[string]any{"name": "Smith & Co", "kind": "law_firm"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = c.post("/v1/entities", map[string]any{"name": "Smith & Co", "kind": "law_firm"}, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entity status: %d", resp.StatusCode)
	}
	created := decode[entityResponse](t, resp)
	if created.Kind != "law_firm" || !created.IsActive {
		t.Fatalf("unexpected entity: %+v", created)
	}

	resp = c.post("/v1/entities", map[string]any{"name": "Another", "kind": "charity"}, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", resp.StatusCode)
	}

	resp = c.get("/v1/entities", url.Values{"kind": {"law_firm"}}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status: %d", resp.StatusCode)
	}
	listing := decode[struct {
		Items []entityResponse `json:"items"`
	}](t, resp)
	if len(listing.Items) != 1 || listing.Items[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", listing.Items)
	}

	resp = c.do(http.MethodPut, "/v1/entities/"+created.ID+"/organization",
		map[string]any{"website": "https://smith.example"}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("organization status: %d", resp.StatusCode)
	}
	updated := decode[entityResponse](t, resp)
	org, _ := updated.Metadata["organization"].(map[string]any)
	if org["website"] != "https://smith.example" {
		t.Fatalf("organization info not stored: %+v", updated.Metadata)
	}

	resp = c.post("/v1/entities/"+created.ID+"/deactivate", nil, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate status: %d", resp.StatusCode)
	}

	resp = c.do(http.MethodDelete, "/v1/entities/"+created.ID, nil, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}

	// Malformed ids 404 without reaching the store.
	resp = c.get("/v1/entities/not-a-ulid", nil, auth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}
	health := decode[map[string]any](t, resp)
	if health["service"] != "paperwurks-identity" {
		t.Fatalf("unexpected health payload: %+v", health)
	}

	resp = c.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status: %d", resp.StatusCode)
	}
}
