// Package cursor encodes pagination positions as opaque tokens. A token
// carries the sort key of the last row a client has seen; retrieval
// continues strictly past it.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalid = errors.New("invalid cursor")

type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

func Encode(c Cursor) string {
	payload, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(payload)
}

func Decode(token string) (Cursor, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalid
	}
	var c Cursor
	if err := json.Unmarshal(decoded, &c); err != nil {
		return Cursor{}, ErrInvalid
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return Cursor{}, ErrInvalid
	}
	return c, nil
}
