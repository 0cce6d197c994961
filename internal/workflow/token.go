package workflow

import "github.com/google/uuid"

// Token identifies one collection session or training job. It is handed out
// by Start and must be presented to later operations on that session so that
// requests aimed at a superseded session can be rejected.
type Token uuid.UUID

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.New())
}

// ParseToken parses the string form of a token.
func ParseToken(s string) (Token, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Token{}, Wrap("workflow.ParseToken", KindInvalidArgument, err)
	}
	return Token(id), nil
}

// IsZero reports whether t is the absent token.
func (t Token) IsZero() bool {
	return t == Token{}
}

func (t Token) String() string {
	if t.IsZero() {
		return ""
	}
	return uuid.UUID(t).String()
}

// MarshalText encodes the token as its string form; the zero token is empty.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a token; empty input yields the zero token.
func (t *Token) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*t = Token{}
		return nil
	}
	parsed, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
