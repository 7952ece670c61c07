// Package state persists the little durable state an account has: the OAuth
// refresh token (encrypted at rest) and the read watermarks that decide where
// history sync resumes.
package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const schema = `
CREATE TABLE IF NOT EXISTS teamsbridge_accounts (
	username TEXT NOT NULL PRIMARY KEY,
	-- hex(nonce) + " " + hex(ciphertext)
	refresh_token_encrypted TEXT NOT NULL,
	global_watermark BIGINT NOT NULL DEFAULT 0,
	conv_watermarks BYTEA
);`

// Store wraps the accounts table. The secret is hashed to a 32 byte AES-256
// key used to encrypt refresh tokens before they touch the database.
type Store struct {
	DB     *sqlx.DB
	key256 []byte
}

// NewStore opens the database and ensures the schema exists. Panics on
// failure, this runs at startup and there is nothing to degrade to.
func NewStore(postgresURI, secret string) *Store {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		log.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	db.MustExec(schema)
	hash := sha256.New()
	hash.Write([]byte(secret))
	return &Store{
		DB:     db,
		key256: hash.Sum(nil),
	}
}

func (s *Store) Teardown() {
	if err := s.DB.Close(); err != nil {
		log.Panic().Err(err).Msg("failed to close SQL DB")
	}
}

func (s *Store) encrypt(token string) (string, error) {
	block, err := aes.NewCipher(s.key256)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil)), nil
}

func (s *Store) decrypt(stored string) (string, error) {
	segs := strings.Split(stored, " ")
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt: malformed stored token")
	}
	nonce, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt ciphertext: %w", err)
	}
	block, err := aes.NewCipher(s.key256)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	token, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(token), nil
}

type accountRow struct {
	Username       string `db:"username"`
	RefreshToken   string `db:"refresh_token_encrypted"`
	GlobalWM       int64  `db:"global_watermark"`
	ConvWatermarks []byte `db:"conv_watermarks"`
}

// Account loads (or initialises) one account's durable state and returns a
// handle that keeps the watermarks in memory and writes through on change.
func (s *Store) Account(username string) (*AccountStore, error) {
	var row accountRow
	err := s.DB.Get(&row, `SELECT username, refresh_token_encrypted, global_watermark, conv_watermarks FROM teamsbridge_accounts WHERE username=$1`, username)
	if err == sql.ErrNoRows {
		_, err = s.DB.Exec(`INSERT INTO teamsbridge_accounts(username, refresh_token_encrypted) VALUES ($1, '')`, username)
		if err != nil {
			return nil, fmt.Errorf("state: creating account row: %w", err)
		}
		row = accountRow{Username: username}
	} else if err != nil {
		return nil, fmt.Errorf("state: loading account: %w", err)
	}
	acc := &AccountStore{
		store:    s,
		username: username,
		global:   row.GlobalWM,
		convs:    make(map[string]int64),
	}
	if len(row.ConvWatermarks) > 0 {
		if err := cbor.Unmarshal(row.ConvWatermarks, &acc.convs); err != nil {
			// Corrupt blob: resync from zero rather than refuse to start.
			log.Warn().Err(err).Str("user", username).Msg("discarding undecodable watermark blob")
			acc.convs = make(map[string]int64)
		}
	}
	return acc, nil
}

// AccountStore is the per-account handle. It satisfies the credential-store
// and watermark interfaces the session core consumes.
type AccountStore struct {
	store    *Store
	username string

	mu     sync.Mutex
	global int64
	convs  map[string]int64
}

// RefreshToken returns the stored refresh token, or "" when the user has
// never signed in (or the token was invalidated).
func (a *AccountStore) RefreshToken() (string, error) {
	var stored string
	err := a.store.DB.Get(&stored, `SELECT refresh_token_encrypted FROM teamsbridge_accounts WHERE username=$1`, a.username)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && stored == "") {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: reading refresh token: %w", err)
	}
	return a.store.decrypt(stored)
}

// SetRefreshToken stores a new refresh token, or clears it when token is
// empty (an invalid_grant means the old one must never be retried).
func (a *AccountStore) SetRefreshToken(token string) error {
	stored := ""
	if token != "" {
		var err error
		stored, err = a.store.encrypt(token)
		if err != nil {
			return err
		}
	}
	_, err := a.store.DB.Exec(`UPDATE teamsbridge_accounts SET refresh_token_encrypted=$1 WHERE username=$2`, stored, a.username)
	if err != nil {
		return fmt.Errorf("state: writing refresh token: %w", err)
	}
	return nil
}

// Global returns the account-wide watermark in unix seconds.
func (a *AccountStore) Global() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global
}

// SetGlobal advances the account-wide watermark. Regressions are dropped so
// replayed history can never rewind the resume point.
func (a *AccountStore) SetGlobal(ts int64) {
	a.mu.Lock()
	if ts <= a.global {
		a.mu.Unlock()
		return
	}
	a.global = ts
	a.mu.Unlock()
	if _, err := a.store.DB.Exec(`UPDATE teamsbridge_accounts SET global_watermark=$1 WHERE username=$2 AND global_watermark < $1`, ts, a.username); err != nil {
		log.Error().Err(err).Str("user", a.username).Msg("failed to persist global watermark")
	}
}

// Conversation returns the per-conversation watermark, 0 if unknown.
func (a *AccountStore) Conversation(convID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.convs[convID]
}

// SetConversation advances a conversation watermark, monotonic like the
// global one.
func (a *AccountStore) SetConversation(convID string, ts int64) {
	a.mu.Lock()
	if ts <= a.convs[convID] {
		a.mu.Unlock()
		return
	}
	a.convs[convID] = ts
	blob, err := cbor.Marshal(a.convs)
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode watermark blob")
		return
	}
	if _, err := a.store.DB.Exec(`UPDATE teamsbridge_accounts SET conv_watermarks=$1 WHERE username=$2`, blob, a.username); err != nil {
		log.Error().Err(err).Str("user", a.username).Msg("failed to persist conversation watermarks")
	}
}
