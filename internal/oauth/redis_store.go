package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces below the configured prefix.
const (
	redisAttemptNS = "attempt:"
	redisSessionNS = "session:"
	redisCodeNS    = "code:"

	defaultRedisSessionTTL = 8 * time.Hour
)

// putAttemptScript inserts an attempt hash only if the key is absent.
var putAttemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'created', 'exp', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// consumeAttemptScript reads and deletes the attempt data in one step,
// leaving the status field behind as a tombstone.
var consumeAttemptScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {'unknown', ''}
end
if status ~= 'created' then
  return {'reused', status}
end
if tonumber(redis.call('HGET', KEYS[1], 'exp')) <= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'status', 'expired')
  redis.call('HDEL', KEYS[1], 'data')
  return {'expired', ''}
end
local data = redis.call('HGET', KEYS[1], 'data')
redis.call('HDEL', KEYS[1], 'data')
redis.call('HSET', KEYS[1], 'status', 'consumed')
return {'ok', data}
`)

var finishAttemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'status', ARGV[1])
end
return 1
`)

var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'gen', ARGV[1], 'session', ARGV[2], 'material', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// swapMaterialScript is a compare-and-swap on the gen field.
var swapMaterialScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[1], 'gen')
if not gen then
  return -1
end
if gen ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'gen', ARGV[2], 'material', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisAttemptStore is an AttemptStore shared by all gateway replicas.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisAttemptStore creates an attempt store using keys under prefix.
func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, prefix: prefix + redisAttemptNS, now: time.Now}
}

type redisAttempt struct {
	ID              string    `json:"id"`
	Verifier        string    `json:"verifier"`
	Challenge       string    `json:"challenge"`
	ChallengeMethod string    `json:"challenge_method"`
	RequestedScope  []string  `json:"requested_scope"`
	RedirectURI     string    `json:"redirect_uri"`
	Issuer          string    `json:"issuer"`
	LaunchToken     string    `json:"launch,omitempty"`
	BindingID       string    `json:"binding_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (s *RedisAttemptStore) Put(ctx context.Context, attempt *PendingAttempt) error {
	ttl := attempt.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("attempt %s is already expired", attempt.ID)
	}
	data, err := json.Marshal(redisAttempt{
		ID:              attempt.ID,
		Verifier:        attempt.Verifier.Value(),
		Challenge:       attempt.Challenge,
		ChallengeMethod: attempt.ChallengeMethod,
		RequestedScope:  attempt.RequestedScope,
		RedirectURI:     attempt.RedirectURI,
		Issuer:          attempt.Issuer,
		LaunchToken:     attempt.LaunchToken,
		BindingID:       attempt.BindingID,
		CreatedAt:       attempt.CreatedAt,
		ExpiresAt:       attempt.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode attempt: %w", err)
	}

	added, err := putAttemptScript.Run(ctx, s.client, []string{s.prefix + attempt.Marker},
		attempt.ExpiresAt.UnixMilli(), string(data), ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to store attempt: %w", err)
	}
	if added == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisAttemptStore) Consume(ctx context.Context, marker string) (*PendingAttempt, error) {
	res, err := consumeAttemptScript.Run(ctx, s.client, []string{s.prefix + marker}, s.now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume attempt: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected consume reply of length %d", len(res))
	}

	switch res[0] {
	case "unknown":
		return nil, &CSRFError{Reason: CSRFUnknownState}
	case "reused":
		return nil, &CSRFError{Reason: CSRFReusedState}
	case "expired":
		return nil, &CSRFError{Reason: CSRFExpiredState}
	}

	var stored redisAttempt
	if err := json.Unmarshal([]byte(res[1]), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode attempt: %w", err)
	}
	return &PendingAttempt{
		ID:              stored.ID,
		Verifier:        NewRedactedToken(stored.Verifier),
		Challenge:       stored.Challenge,
		ChallengeMethod: stored.ChallengeMethod,
		Marker:          marker,
		RequestedScope:  stored.RequestedScope,
		RedirectURI:     stored.RedirectURI,
		Issuer:          stored.Issuer,
		LaunchToken:     stored.LaunchToken,
		BindingID:       stored.BindingID,
		CreatedAt:       stored.CreatedAt,
		ExpiresAt:       stored.ExpiresAt,
		Status:          AttemptConsumed,
	}, nil
}

func (s *RedisAttemptStore) Finish(ctx context.Context, attempt *PendingAttempt) error {
	return finishAttemptScript.Run(ctx, s.client, []string{s.prefix + attempt.Marker}, string(attempt.Status)).Err()
}

// RedisSessionStore is a SessionStore shared by all gateway replicas. Each
// session is a hash with the fields gen, session and material; the key
// expires after idleTTL without access.
type RedisSessionStore struct {
	client  redis.UniversalClient
	prefix  string
	idleTTL time.Duration
	now     func() time.Time
}

// NewRedisSessionStore creates a session store using keys under prefix.
func NewRedisSessionStore(client redis.UniversalClient, prefix string, idleTTL time.Duration) *RedisSessionStore {
	if idleTTL <= 0 {
		idleTTL = defaultRedisSessionTTL
	}
	return &RedisSessionStore{client: client, prefix: prefix + redisSessionNS, idleTTL: idleTTL, now: time.Now}
}

type redisSession struct {
	ID        string    `json:"id"`
	Issuer    string    `json:"issuer"`
	CreatedAt time.Time `json:"created_at"`
}

type redisMaterial struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresAt    time.Time     `json:"expires_at"`
	IssuedAt     time.Time     `json:"issued_at"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	GrantedScope []string      `json:"granted_scope"`
	Launch       LaunchContext `json:"launch"`
	Lineage      string        `json:"lineage"`
	Generation   uint64        `json:"generation"`
}

func encodeMaterial(m *TokenMaterial) (string, error) {
	data, err := json.Marshal(redisMaterial{
		AccessToken:  m.AccessToken.Value(),
		TokenType:    m.TokenType,
		ExpiresAt:    m.ExpiresAt,
		IssuedAt:     m.IssuedAt,
		RefreshToken: m.RefreshToken.Value(),
		GrantedScope: m.GrantedScope,
		Launch:       m.Launch,
		Lineage:      m.Lineage,
		Generation:   m.Generation,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token material: %w", err)
	}
	return string(data), nil
}

func decodeMaterial(data string) (*TokenMaterial, error) {
	var stored redisMaterial
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode token material: %w", err)
	}
	return &TokenMaterial{
		AccessToken:  NewRedactedToken(stored.AccessToken),
		TokenType:    stored.TokenType,
		ExpiresAt:    stored.ExpiresAt,
		IssuedAt:     stored.IssuedAt,
		RefreshToken: NewRedactedToken(stored.RefreshToken),
		GrantedScope: stored.GrantedScope,
		Launch:       stored.Launch,
		Lineage:      stored.Lineage,
		Generation:   stored.Generation,
	}, nil
}

func (s *RedisSessionStore) Create(ctx context.Context, session *Session) error {
	if session.Material == nil {
		return errors.New("session has no token material")
	}
	if err := checkStorable(session.Material, s.now()); err != nil {
		return err
	}
	meta, err := json.Marshal(redisSession{ID: session.ID, Issuer: session.Issuer, CreatedAt: session.CreatedAt})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	material, err := encodeMaterial(session.Material)
	if err != nil {
		return err
	}

	added, err := createSessionScript.Run(ctx, s.client, []string{s.prefix + session.ID},
		strconv.FormatUint(session.Material.Generation, 10), string(meta), material, s.idleTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if added == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	key := s.prefix + id
	vals, err := s.client.HMGet(ctx, key, "session", "material").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	metaData, ok1 := vals[0].(string)
	materialData, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, ErrSessionNotFound
	}

	var meta redisSession
	if err := json.Unmarshal([]byte(metaData), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	material, err := decodeMaterial(materialData)
	if err != nil {
		return nil, err
	}

	// Sliding idle expiry.
	if err := s.client.PExpire(ctx, key, s.idleTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	return &Session{
		ID:           meta.ID,
		Issuer:       meta.Issuer,
		Material:     material,
		CreatedAt:    meta.CreatedAt,
		LastAccessAt: s.now(),
	}, nil
}

func (s *RedisSessionStore) SwapMaterial(ctx context.Context, id string, expectedGeneration uint64, material *TokenMaterial) error {
	if err := checkStorable(material, s.now()); err != nil {
		return err
	}
	data, err := encodeMaterial(material)
	if err != nil {
		return err
	}

	res, err := swapMaterialScript.Run(ctx, s.client, []string{s.prefix + id},
		strconv.FormatUint(expectedGeneration, 10), strconv.FormatUint(material.Generation, 10),
		data, s.idleTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to swap token material: %w", err)
	}
	switch res {
	case -1:
		return ErrSessionNotFound
	case 0:
		return ErrStaleRefreshToken
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}

// RedisCodeLedger is a CodeLedger shared by all gateway replicas.
type RedisCodeLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCodeLedger creates a ledger whose entries expire after ttl.
func NewRedisCodeLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCodeLedger {
	return &RedisCodeLedger{client: client, prefix: prefix + redisCodeNS, ttl: ttl}
}

func (l *RedisCodeLedger) Claim(ctx context.Context, codeHash string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+codeHash, "", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim code: %w", err)
	}
	return ok, nil
}

func (l *RedisCodeLedger) Bind(ctx context.Context, codeHash, sessionID string) error {
	err := l.client.SetArgs(ctx, l.prefix+codeHash, sessionID, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to bind code: %w", err)
	}
	return nil
}

func (l *RedisCodeLedger) Lookup(ctx context.Context, codeHash string) (string, error) {
	sessionID, err := l.client.Get(ctx, l.prefix+codeHash).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up code: %w", err)
	}
	return sessionID, nil
}
