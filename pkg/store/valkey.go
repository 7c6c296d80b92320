package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/valkey-io/valkey-go"
)

const (
	defaultKeyPrefix       = "zas:"
	defaultTicketRetention = time.Hour
	minRecordTTL           = time.Second
	tokenHashTag           = "{tokens}:"
)

// Token index keys are passed as KEYS[1..4]: record, access, refresh,
// composite. ARGV: record, id, ttl in ms, refresh present flag.
var addTokenScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if ARGV[4] == '1' and redis.call('EXISTS', KEYS[3]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
if ARGV[4] == '1' then
  redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
end
redis.call('SET', KEYS[4], ARGV[2], 'PX', ARGV[3])
return 1
`)

// ARGV: id, refresh present flag.
var removeTokenScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
if ARGV[2] == '1' then
  redis.call('DEL', KEYS[3])
end
if redis.call('GET', KEYS[4]) == ARGV[1] then
  redis.call('DEL', KEYS[4])
end
return 1
`)

// KEYS[1..4] index the old token, KEYS[5..8] the replacement.
// ARGV: old id, old refresh flag, record, new id, ttl in ms, new refresh flag.
var replaceTokenScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('EXISTS', KEYS[5]) == 1 or redis.call('EXISTS', KEYS[6]) == 1 then
  return 0
end
if ARGV[6] == '1' and redis.call('EXISTS', KEYS[7]) == 1 then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
if ARGV[2] == '1' then
  redis.call('DEL', KEYS[3])
end
if redis.call('GET', KEYS[4]) == ARGV[1] then
  redis.call('DEL', KEYS[4])
end
redis.call('SET', KEYS[5], ARGV[3], 'PX', ARGV[5])
redis.call('SET', KEYS[6], ARGV[4], 'PX', ARGV[5])
if ARGV[6] == '1' then
  redis.call('SET', KEYS[7], ARGV[4], 'PX', ARGV[5])
end
redis.call('SET', KEYS[8], ARGV[4], 'PX', ARGV[5])
return 1
`)

// Valkey stores codes, tokens, tickets and submission marks in valkey so
// several server instances can share them. Token values never appear in keys,
// they are hashed with SHA-256. Records are CBOR encoded.
type Valkey struct {
	client          valkey.Client
	prefix          string
	codeRetention   time.Duration
	ticketRetention time.Duration
	submissionTTL   time.Duration
	now             func() time.Time
}

type ValkeyOption func(*Valkey)

func WithKeyPrefix(prefix string) ValkeyOption {
	return func(v *Valkey) {
		v.prefix = prefix
	}
}

func WithValkeyCodeRetention(d time.Duration) ValkeyOption {
	return func(v *Valkey) {
		v.codeRetention = d
	}
}

func WithValkeySubmissionTTL(d time.Duration) ValkeyOption {
	return func(v *Valkey) {
		v.submissionTTL = d
	}
}

func WithValkeyClock(now func() time.Time) ValkeyOption {
	return func(v *Valkey) {
		v.now = now
	}
}

func NewValkey(client valkey.Client, opts ...ValkeyOption) *Valkey {
	v := &Valkey{
		client:          client,
		prefix:          defaultKeyPrefix,
		codeRetention:   defaultCodeRetention,
		ticketRetention: defaultTicketRetention,
		submissionTTL:   defaultSubmissionTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func hashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (v *Valkey) codeKey(code string) string { return v.prefix + "code:" + hashKey(code) }
// Token records and their indexes are updated together by Lua scripts, so
// they share one hash tag and live in one cluster slot.
func (v *Valkey) tokenKey(id string) string { return v.prefix + tokenHashTag + "token:" + id }
func (v *Valkey) accessKey(value string) string {
	return v.prefix + tokenHashTag + "at:" + hashKey(value)
}
func (v *Valkey) refreshKey(value string) string {
	return v.prefix + tokenHashTag + "rt:" + hashKey(value)
}
func (v *Valkey) compositeKey(value string) string {
	return v.prefix + tokenHashTag + "ck:" + hashKey(value)
}
func (v *Valkey) ticketKey(id string) string { return v.prefix + "ticket:" + id }
func (v *Valkey) submissionKey(id string) string { return v.prefix + "submitted:" + id }
func (v *Valkey) assertionKey(id string) string { return v.prefix + "jti:" + hashKey(id) }

func (v *Valkey) ttl(until time.Time) time.Duration {
	d := until.Sub(v.now())
	if d < minRecordTTL {
		return minRecordTTL
	}
	return d
}

func (v *Valkey) setNX(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(data)).Nx().Px(ttl).Build()
	err := v.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (v *Valkey) get(ctx context.Context, key string) ([]byte, error) {
	data, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, oauth2server.ErrNotFound
	}
	return data, err
}

func (v *Valkey) del(ctx context.Context, key string) (bool, error) {
	n, err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Authorization codes

type codeRecord struct {
	Code                string   `cbor:"1,keyasint"`
	ClientID            string   `cbor:"2,keyasint"`
	RedirectURI         string   `cbor:"3,keyasint"`
	Scopes              []string `cbor:"4,keyasint"`
	CodeChallenge       string   `cbor:"5,keyasint,omitempty"`
	CodeChallengeMethod string   `cbor:"6,keyasint,omitempty"`
	IDTokenPayload      []byte   `cbor:"7,keyasint,omitempty"`
	UserInfoPayload     []byte   `cbor:"8,keyasint,omitempty"`
	CreatedAt           int64    `cbor:"9,keyasint"`
}

func (v *Valkey) AddCode(ctx context.Context, code *oauth2server.AuthorizationCode) (bool, error) {
	rec := codeRecord{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: string(code.CodeChallengeMethod),
		CreatedAt:           code.CreatedAt.UnixNano(),
	}
	var err error
	if rec.IDTokenPayload, err = encodeClaims(code.IDTokenPayload); err != nil {
		return false, err
	}
	if rec.UserInfoPayload, err = encodeClaims(code.UserInfoPayload); err != nil {
		return false, err
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encoding authorization code: %w", err)
	}
	added, err := v.setNX(ctx, v.codeKey(code.Code), data, v.ttl(code.CreatedAt.Add(v.codeRetention)))
	if err != nil {
		return false, fmt.Errorf("storing authorization code in valkey: %w", err)
	}
	return added, nil
}

func (v *Valkey) GetCode(ctx context.Context, code string) (*oauth2server.AuthorizationCode, error) {
	data, err := v.get(ctx, v.codeKey(code))
	if err != nil {
		return nil, err
	}
	var rec codeRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding authorization code: %w", err)
	}
	out := &oauth2server.AuthorizationCode{
		Code:                rec.Code,
		ClientID:            rec.ClientID,
		RedirectURI:         rec.RedirectURI,
		Scopes:              rec.Scopes,
		CodeChallenge:       rec.CodeChallenge,
		CodeChallengeMethod: oauth2.CodeChallengeMethod(rec.CodeChallengeMethod),
		CreatedAt:           time.Unix(0, rec.CreatedAt),
	}
	if out.IDTokenPayload, err = decodeClaims(rec.IDTokenPayload); err != nil {
		return nil, err
	}
	if out.UserInfoPayload, err = decodeClaims(rec.UserInfoPayload); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Valkey) RemoveCode(ctx context.Context, code string) (bool, error) {
	return v.del(ctx, v.codeKey(code))
}

// Granted tokens

type tokenRecord struct {
	ID               string   `cbor:"1,keyasint"`
	AccessToken      string   `cbor:"2,keyasint"`
	RefreshToken     string   `cbor:"3,keyasint,omitempty"`
	TokenType        string   `cbor:"4,keyasint"`
	Scopes           []string `cbor:"5,keyasint"`
	ExpiresIn        int      `cbor:"6,keyasint"`
	CreatedAt        int64    `cbor:"7,keyasint"`
	RefreshExpiresAt int64    `cbor:"8,keyasint,omitempty"`
	ClientID         string   `cbor:"9,keyasint"`
	Subject          string   `cbor:"10,keyasint,omitempty"`
	IDTokenPayload   []byte   `cbor:"11,keyasint,omitempty"`
	UserInfoPayload  []byte   `cbor:"12,keyasint,omitempty"`
	IDToken          string   `cbor:"13,keyasint,omitempty"`
	KeyThumbprint    string   `cbor:"14,keyasint,omitempty"`
}

func encodeToken(t *oauth2server.GrantedToken) ([]byte, error) {
	rec := tokenRecord{
		ID:            t.ID,
		AccessToken:   t.AccessToken,
		RefreshToken:  t.RefreshToken,
		TokenType:     t.TokenType,
		Scopes:        t.Scopes,
		ExpiresIn:     t.ExpiresIn,
		CreatedAt:     t.CreatedAt.UnixNano(),
		ClientID:      t.ClientID,
		Subject:       t.Subject,
		IDToken:       t.IDToken,
		KeyThumbprint: t.KeyThumbprint,
	}
	if !t.RefreshExpiresAt.IsZero() {
		rec.RefreshExpiresAt = t.RefreshExpiresAt.UnixNano()
	}
	var err error
	if rec.IDTokenPayload, err = encodeClaims(t.IDTokenPayload); err != nil {
		return nil, err
	}
	if rec.UserInfoPayload, err = encodeClaims(t.UserInfoPayload); err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding granted token: %w", err)
	}
	return data, nil
}

func decodeToken(data []byte) (*oauth2server.GrantedToken, error) {
	var rec tokenRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding granted token: %w", err)
	}
	t := &oauth2server.GrantedToken{
		ID:            rec.ID,
		AccessToken:   rec.AccessToken,
		RefreshToken:  rec.RefreshToken,
		TokenType:     rec.TokenType,
		Scopes:        rec.Scopes,
		ExpiresIn:     rec.ExpiresIn,
		CreatedAt:     time.Unix(0, rec.CreatedAt),
		ClientID:      rec.ClientID,
		Subject:       rec.Subject,
		IDToken:       rec.IDToken,
		KeyThumbprint: rec.KeyThumbprint,
	}
	if rec.RefreshExpiresAt != 0 {
		t.RefreshExpiresAt = time.Unix(0, rec.RefreshExpiresAt)
	}
	var err error
	if t.IDTokenPayload, err = decodeClaims(rec.IDTokenPayload); err != nil {
		return nil, err
	}
	if t.UserInfoPayload, err = decodeClaims(rec.UserInfoPayload); err != nil {
		return nil, err
	}
	return t, nil
}

func (v *Valkey) tokenKeys(t *oauth2server.GrantedToken) []string {
	return []string{
		v.tokenKey(t.ID),
		v.accessKey(t.AccessToken),
		v.refreshKey(t.RefreshToken),
		v.compositeKey(oauth2server.TokenCompositeKey(t)),
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (v *Valkey) AddToken(ctx context.Context, t *oauth2server.GrantedToken) (bool, error) {
	data, err := encodeToken(t)
	if err != nil {
		return false, err
	}
	ttl := v.ttl(t.RetainUntil())
	args := []string{
		valkey.BinaryString(data),
		t.ID,
		strconv.FormatInt(ttl.Milliseconds(), 10),
		flag(t.RefreshToken != ""),
	}
	n, err := addTokenScript.Exec(ctx, v.client, v.tokenKeys(t), args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("storing granted token in valkey: %w", err)
	}
	return n == 1, nil
}

func (v *Valkey) ReplaceToken(ctx context.Context, old, replacement *oauth2server.GrantedToken) (bool, error) {
	data, err := encodeToken(replacement)
	if err != nil {
		return false, err
	}
	ttl := v.ttl(replacement.RetainUntil())
	keys := append(v.tokenKeys(old), v.tokenKeys(replacement)...)
	args := []string{
		old.ID,
		flag(old.RefreshToken != ""),
		valkey.BinaryString(data),
		replacement.ID,
		strconv.FormatInt(ttl.Milliseconds(), 10),
		flag(replacement.RefreshToken != ""),
	}
	n, err := replaceTokenScript.Exec(ctx, v.client, keys, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("replacing granted token in valkey: %w", err)
	}
	return n == 1, nil
}

func (v *Valkey) GetToken(ctx context.Context, scopes []string, clientID string, idClaims, userClaims *claims.Set) (*oauth2server.GrantedToken, error) {
	return v.getIndexed(ctx, v.compositeKey(oauth2server.CompositeKey(scopes, clientID, idClaims, userClaims)))
}

func (v *Valkey) GetByAccessToken(ctx context.Context, value string) (*oauth2server.GrantedToken, error) {
	return v.getIndexed(ctx, v.accessKey(value))
}

func (v *Valkey) GetByRefreshToken(ctx context.Context, value string) (*oauth2server.GrantedToken, error) {
	return v.getIndexed(ctx, v.refreshKey(value))
}

func (v *Valkey) getIndexed(ctx context.Context, indexKey string) (*oauth2server.GrantedToken, error) {
	id, err := v.get(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	data, err := v.get(ctx, v.tokenKey(string(id)))
	if err != nil {
		return nil, err
	}
	return decodeToken(data)
}

func (v *Valkey) RemoveToken(ctx context.Context, t *oauth2server.GrantedToken) (bool, error) {
	args := []string{t.ID, flag(t.RefreshToken != "")}
	n, err := removeTokenScript.Exec(ctx, v.client, v.tokenKeys(t), args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("removing granted token from valkey: %w", err)
	}
	return n == 1, nil
}

func (v *Valkey) RemoveByAccessToken(ctx context.Context, value string) (bool, error) {
	return v.removeIndexed(ctx, v.accessKey(value))
}

func (v *Valkey) RemoveByRefreshToken(ctx context.Context, value string) (bool, error) {
	return v.removeIndexed(ctx, v.refreshKey(value))
}

func (v *Valkey) removeIndexed(ctx context.Context, indexKey string) (bool, error) {
	t, err := v.getIndexed(ctx, indexKey)
	if errors.Is(err, oauth2server.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.RemoveToken(ctx, t)
}

// Tickets

type ticketRecord struct {
	ID               string           `cbor:"1,keyasint"`
	Lines            []uma.TicketLine `cbor:"2,keyasint"`
	IsAuthorizedByRO bool             `cbor:"3,keyasint,omitempty"`
	Requester        string           `cbor:"4,keyasint,omitempty"`
	CreatedAt        int64            `cbor:"5,keyasint"`
	ExpiresAt        int64            `cbor:"6,keyasint,omitempty"`
}

func (v *Valkey) ticketTTL(t *uma.Ticket) time.Duration {
	if t.ExpiresAt.IsZero() {
		return v.ticketRetention
	}
	return v.ttl(t.ExpiresAt)
}

func encodeTicket(t *uma.Ticket) ([]byte, error) {
	rec := ticketRecord{
		ID:               t.ID,
		Lines:            t.Lines,
		IsAuthorizedByRO: t.IsAuthorizedByRO,
		Requester:        t.Requester,
		CreatedAt:        t.CreatedAt.UnixNano(),
	}
	if !t.ExpiresAt.IsZero() {
		rec.ExpiresAt = t.ExpiresAt.UnixNano()
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding ticket: %w", err)
	}
	return data, nil
}

func (v *Valkey) AddTicket(ctx context.Context, t *uma.Ticket) (bool, error) {
	data, err := encodeTicket(t)
	if err != nil {
		return false, err
	}
	added, err := v.setNX(ctx, v.ticketKey(t.ID), data, v.ticketTTL(t))
	if err != nil {
		return false, fmt.Errorf("storing ticket in valkey: %w", err)
	}
	return added, nil
}

func (v *Valkey) GetTicket(ctx context.Context, id string) (*uma.Ticket, error) {
	data, err := v.get(ctx, v.ticketKey(id))
	if err != nil {
		return nil, err
	}
	var rec ticketRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding ticket: %w", err)
	}
	t := &uma.Ticket{
		ID:               rec.ID,
		Lines:            rec.Lines,
		IsAuthorizedByRO: rec.IsAuthorizedByRO,
		Requester:        rec.Requester,
		CreatedAt:        time.Unix(0, rec.CreatedAt),
	}
	if rec.ExpiresAt != 0 {
		t.ExpiresAt = time.Unix(0, rec.ExpiresAt)
	}
	return t, nil
}

func (v *Valkey) RemoveTicket(ctx context.Context, id string) (bool, error) {
	return v.del(ctx, v.ticketKey(id))
}

// AuthorizeTicket records resource owner consent for a ticket. The ticket
// keeps its remaining lifetime.
func (v *Valkey) AuthorizeTicket(ctx context.Context, id string) error {
	t, err := v.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	t.IsAuthorizedByRO = true
	data, err := encodeTicket(t)
	if err != nil {
		return err
	}
	cmd := v.client.B().Set().Key(v.ticketKey(id)).Value(valkey.BinaryString(data)).Xx().Keepttl().Build()
	err = v.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return uma.ErrNotFound
	}
	return err
}

func (v *Valkey) MarkSubmitted(ctx context.Context, ticketID string) (bool, error) {
	marked, err := v.setNX(ctx, v.submissionKey(ticketID), []byte("1"), v.submissionTTL)
	if err != nil {
		return false, fmt.Errorf("marking ticket submission in valkey: %w", err)
	}
	return marked, nil
}

func (v *Valkey) MarkAssertionUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	marked, err := v.setNX(ctx, v.assertionKey(id), []byte("1"), v.ttl(expiresAt))
	if err != nil {
		return false, fmt.Errorf("marking client assertion in valkey: %w", err)
	}
	return marked, nil
}

func encodeClaims(s *claims.Set) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding claims: %w", err)
	}
	return data, nil
}

func decodeClaims(data []byte) (*claims.Set, error) {
	if len(data) == 0 {
		return nil, nil
	}
	s := claims.New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	return s, nil
}
