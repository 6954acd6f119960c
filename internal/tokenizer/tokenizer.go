// Package tokenizer swaps card numbers in HTTP bodies for vault tokens and
// back again.
package tokenizer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/fernet/fernet-go"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrNotJSON is returned when a body meant for JSON rewriting does not parse.
var ErrNotJSON = errors.New("tokenizer: body is not JSON")

// Token formats.
const (
	FormatPrefix = "prefix"
	FormatLuhn   = "luhn"
)

var (
	prefixTokenRe = regexp.MustCompile(`tok_[A-Za-z0-9_-]{43}=`)
	luhnTokenRe   = regexp.MustCompile(`\b9999[0-9]{12}\b`)
)

// Tokenizer replaces card numbers with tokens and resolves tokens to card
// numbers, keeping the encrypted numbers in a Store.
type Tokenizer struct {
	store   Store
	key     *fernet.Key
	format  string
	tokenRe *regexp.Regexp
	logger  *zap.Logger
}

// New returns a tokenizer issuing tokens in the given format.
func New(store Store, key *fernet.Key, format string, logger *zap.Logger) *Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tokenizer{
		store:   store,
		key:     key,
		format:  format,
		tokenRe: prefixTokenRe,
		logger:  logger.Named("tokenizer"),
	}
	if format == FormatLuhn {
		t.tokenRe = luhnTokenRe
	}
	return t
}

// IsToken reports whether s is exactly one token of the configured format.
func (t *Tokenizer) IsToken(s string) bool {
	loc := t.tokenRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// TokenizeJSON replaces the card numbers held in card fields of a JSON body.
func (t *Tokenizer) TokenizeJSON(ctx context.Context, body []byte) ([]byte, bool, error) {
	return t.rewriteJSON(ctx, body, true)
}

// DetokenizeJSON replaces every string value that is a known token.
func (t *Tokenizer) DetokenizeJSON(ctx context.Context, body []byte) ([]byte, bool, error) {
	return t.rewriteJSON(ctx, body, false)
}

// DetokenizeHTML replaces known tokens found anywhere in a text body.
func (t *Tokenizer) DetokenizeHTML(ctx context.Context, body []byte) ([]byte, bool, error) {
	var firstErr error
	modified := false
	out := t.tokenRe.ReplaceAllFunc(body, func(tok []byte) []byte {
		if firstErr != nil {
			return tok
		}
		card, err := t.lookup(ctx, string(tok))
		if errors.Is(err, ErrNotFound) {
			return tok
		}
		if err != nil {
			firstErr = err
			return tok
		}
		modified = true
		return []byte(card)
	})
	if firstErr != nil {
		return body, false, firstErr
	}
	return out, modified, nil
}

func (t *Tokenizer) rewriteJSON(ctx context.Context, body []byte, tokenize bool) ([]byte, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return body, false, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	modified := false
	data, err := t.processValue(ctx, data, tokenize, &modified)
	if err != nil {
		return body, false, err
	}
	if !modified {
		return body, false, nil
	}

	out, err := json.Marshal(data)
	if err != nil {
		return body, false, err
	}
	return out, true, nil
}

// processValue walks a decoded JSON value and returns it rewritten.
func (t *Tokenizer) processValue(ctx context.Context, v interface{}, tokenize bool, modified *bool) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, elem := range val {
			if s, ok := elem.(string); ok {
				repl, changed, err := t.processString(ctx, k, s, tokenize)
				if err != nil {
					return nil, err
				}
				if changed {
					val[k] = repl
					*modified = true
				}
				continue
			}
			out, err := t.processValue(ctx, elem, tokenize, modified)
			if err != nil {
				return nil, err
			}
			val[k] = out
		}
	case []interface{}:
		for i, elem := range val {
			if s, ok := elem.(string); ok && !tokenize {
				repl, changed, err := t.processString(ctx, "", s, false)
				if err != nil {
					return nil, err
				}
				if changed {
					val[i] = repl
					*modified = true
				}
				continue
			}
			out, err := t.processValue(ctx, elem, tokenize, modified)
			if err != nil {
				return nil, err
			}
			val[i] = out
		}
	}
	return v, nil
}

func (t *Tokenizer) processString(ctx context.Context, field, s string, tokenize bool) (string, bool, error) {
	if !tokenize {
		if !t.IsToken(s) {
			return s, false, nil
		}
		card, err := t.lookup(ctx, s)
		if errors.Is(err, ErrNotFound) {
			t.logger.Debug("unknown token left in place", zap.String("field", field))
			return s, false, nil
		}
		if err != nil {
			return s, false, err
		}
		return card, true, nil
	}

	if !isCardField(field) || !looksLikeCard(s) || t.IsToken(s) {
		return s, false, nil
	}
	tok, err := t.tokenize(ctx, normalizeCard(s))
	if err != nil {
		return s, false, err
	}
	return tok, true, nil
}

func (t *Tokenizer) tokenize(ctx context.Context, number string) (string, error) {
	tok, err := t.generateToken()
	if err != nil {
		return "", err
	}
	encrypted, err := fernet.EncryptAndSign([]byte(number), t.key)
	if err != nil {
		return "", fmt.Errorf("encrypt card: %w", err)
	}
	card := Card{
		Token:     tok,
		Encrypted: encrypted,
		LastFour:  number[len(number)-4:],
		Type:      cardType(number),
	}
	if err := t.store.StoreCard(ctx, card); err != nil {
		return "", err
	}
	t.logger.Info("tokenized card", zap.String("last_four", card.LastFour), zap.String("type", card.Type))
	return tok, nil
}

func (t *Tokenizer) lookup(ctx context.Context, tok string) (string, error) {
	encrypted, err := t.store.RetrieveCard(ctx, tok)
	if err != nil {
		return "", err
	}
	plain := fernet.VerifyAndDecrypt(encrypted, 0, []*fernet.Key{t.key})
	if plain == nil {
		return "", errors.New("tokenizer: card decryption failed")
	}
	return string(plain), nil
}

// generateToken returns "tok_" followed by 32 random bytes in URL base64,
// or a Luhn valid 16 digit number starting with 9999.
func (t *Tokenizer) generateToken() (string, error) {
	if t.format != FormatLuhn {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		return "tok_" + base64.URLEncoding.EncodeToString(b), nil
	}

	var sb strings.Builder
	sb.WriteString("9999")
	for i := 0; i < 11; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	partial := sb.String()
	return partial + strconv.Itoa(luhnCheckDigit(partial)), nil
}

// isCardField reports whether a JSON field name suggests card data.
func isCardField(name string) bool {
	lower := strings.ToLower(name)
	if lower == "card" || lower == "pan" {
		return true
	}
	for _, f := range []string{"card_number", "cardnumber", "creditcard", "credit_card", "account_number"} {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
