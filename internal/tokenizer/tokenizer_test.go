package tokenizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/goccy/go-json"
)

func newTestTokenizer(t *testing.T, format string) (*Tokenizer, *MemoryStore) {
	t.Helper()
	key, err := DeriveKey("correct horse battery staple", "test")
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemoryStore()
	return New(store, key, format, nil), store
}

func TestLuhn(t *testing.T) {
	tests := []struct {
		number string
		valid  bool
	}{
		{"4111111111111111", true},
		{"4111111111111112", false},
		{"378282246310005", true},
		{"6011111111111117", true},
		{"41111111a1111111", false},
		{"0", false},
	}
	for _, tt := range tests {
		if got := validLuhn(tt.number); got != tt.valid {
			t.Errorf("validLuhn(%q) = %v, want %v", tt.number, got, tt.valid)
		}
	}
	if d := luhnCheckDigit("411111111111111"); d != 1 {
		t.Errorf("luhnCheckDigit = %d, want 1", d)
	}
}

func TestCardTypeDetection(t *testing.T) {
	tests := []struct {
		cardNumber string
		want       string
	}{
		{"4111111111111111", "Visa"},
		{"5555555555554444", "Mastercard"},
		{"2221000000000009", "Mastercard"},
		{"378282246310005", "Amex"},
		{"6011111111111117", "Discover"},
		{"9999111111111111", "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := cardType(tt.cardNumber); got != tt.want {
				t.Errorf("cardType(%q) = %v, want %v", tt.cardNumber, got, tt.want)
			}
		})
	}
}

func TestIsCardField(t *testing.T) {
	for name, want := range map[string]bool{
		"card":               true,
		"PAN":                true,
		"card_number":        true,
		"billingCardNumber":  true,
		"credit_card":        true,
		"account_number_ext": true,
		"cards":              false,
		"panel":              false,
		"amount":             false,
	} {
		if got := isCardField(name); got != want {
			t.Errorf("isCardField(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestKeys(t *testing.T) {
	a, err := DeriveKey("secret", "salt-a")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := DeriveKey("secret", "salt-a")
	b, _ := DeriveKey("secret", "salt-b")
	if *a != *again {
		t.Error("DeriveKey is not deterministic")
	}
	if *a == *b {
		t.Error("different salts produced the same key")
	}
	if _, err := DeriveKey("", "salt"); err == nil {
		t.Error("empty passphrase accepted")
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadKey(k.Encode())
	if err != nil || *loaded != k {
		t.Errorf("LoadKey round trip failed: %v", err)
	}
	if _, err := LoadKey("not a key"); err == nil {
		t.Error("LoadKey accepted garbage")
	}
}

type lineItem struct {
	Pan string `json:"pan"`
}

func TestTokenizeJSON(t *testing.T) {
	tok, store := newTestTokenizer(t, FormatPrefix)
	ctx := context.Background()

	body := []byte(`{"card_number":"4111 1111 1111 1111","amount":12.50,"items":[{"pan":"5555555555554444"}],"note":"4111111111111111","cvv":"123"}`)
	out, modified, err := tok.TokenizeJSON(ctx, body)
	if err != nil || !modified {
		t.Fatalf("TokenizeJSON = %v, %v", modified, err)
	}
	if strings.Contains(string(out), "5555555555554444") || strings.Contains(string(out), "4111 1111") {
		t.Errorf("card number left in body: %s", out)
	}
	if store.Len() != 2 {
		t.Errorf("stored %d cards, want 2", store.Len())
	}

	var doc struct {
		CardNumber string      `json:"card_number"`
		Amount     json.Number `json:"amount"`
		Note       string      `json:"note"`
		Items      []lineItem  `json:"items"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	if !tok.IsToken(doc.CardNumber) || !tok.IsToken(doc.Items[0].Pan) {
		t.Errorf("fields not tokenized: %+v", doc)
	}
	if doc.Note != "4111111111111111" || doc.Amount.String() != "12.50" {
		t.Errorf("unrelated fields changed: %+v", doc)
	}

	back, modified, err := tok.DetokenizeJSON(ctx, out)
	if err != nil || !modified {
		t.Fatalf("DetokenizeJSON = %v, %v", modified, err)
	}
	if !strings.Contains(string(back), `"card_number":"4111111111111111"`) || !strings.Contains(string(back), `"pan":"5555555555554444"`) {
		t.Errorf("DetokenizeJSON = %s", back)
	}
}

func TestTokenizeJSONUnchanged(t *testing.T) {
	tok, _ := newTestTokenizer(t, FormatPrefix)
	body := []byte(`{"card":"not a number","pan":"1234"}`)
	out, modified, err := tok.TokenizeJSON(context.Background(), body)
	if err != nil || modified || string(out) != string(body) {
		t.Errorf("TokenizeJSON = %s, %v, %v", out, modified, err)
	}

	if _, _, err := tok.TokenizeJSON(context.Background(), []byte("card=4111111111111111")); !errors.Is(err, ErrNotJSON) {
		t.Errorf("form body error = %v, want ErrNotJSON", err)
	}
}

func TestLuhnTokens(t *testing.T) {
	tok, _ := newTestTokenizer(t, FormatLuhn)
	ctx := context.Background()

	out, _, err := tok.TokenizeJSON(ctx, []byte(`{"pan":"378282246310005"}`))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]string
	json.Unmarshal(out, &doc)
	pan := doc["pan"]
	if len(pan) != 16 || !strings.HasPrefix(pan, "9999") || !validLuhn(pan) || !tok.IsToken(pan) {
		t.Errorf("luhn token = %q", pan)
	}

	again, modified, _ := tok.TokenizeJSON(ctx, out)
	if modified || string(again) != string(out) {
		t.Error("a token was tokenized again")
	}
}

func TestDetokenizeHTML(t *testing.T) {
	tok, _ := newTestTokenizer(t, FormatPrefix)
	ctx := context.Background()

	out, _, err := tok.TokenizeJSON(ctx, []byte(`{"card":"4111111111111111"}`))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]string
	json.Unmarshal(out, &doc)

	unknown := "tok_" + strings.Repeat("A", 43) + "="
	html := "<tr><td>" + doc["card"] + "</td><td>" + unknown + "</td></tr>"
	got, modified, err := tok.DetokenizeHTML(ctx, []byte(html))
	if err != nil || !modified {
		t.Fatalf("DetokenizeHTML = %v, %v", modified, err)
	}
	if want := "<tr><td>4111111111111111</td><td>" + unknown + "</td></tr>"; string(got) != want {
		t.Errorf("DetokenizeHTML = %s", got)
	}
}

type failingStore struct{ err error }

func (s failingStore) StoreCard(context.Context, Card) error { return s.err }

func (s failingStore) RetrieveCard(context.Context, string) ([]byte, error) { return nil, s.err }

func TestStoreErrors(t *testing.T) {
	key, _ := DeriveKey("k", "s")
	down := errors.New("vault down")
	tok := New(failingStore{err: down}, key, FormatPrefix, nil)

	if _, _, err := tok.TokenizeJSON(context.Background(), []byte(`{"pan":"4111111111111111"}`)); !errors.Is(err, down) {
		t.Errorf("TokenizeJSON error = %v", err)
	}
	html := []byte("tok_" + strings.Repeat("b", 43) + "=")
	if _, _, err := tok.DetokenizeHTML(context.Background(), html); !errors.Is(err, down) {
		t.Errorf("DetokenizeHTML error = %v", err)
	}
}

func TestOpenMySQLBadDSN(t *testing.T) {
	if _, err := OpenMySQL(context.Background(), "not-a-dsn"); err == nil {
		t.Error("OpenMySQL accepted an invalid DSN")
	}
}
