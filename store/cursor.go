package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is an opaque resumption token for ListChanges. It encodes the
// (modifiedAt, entityID) position of the last record already read, so
// paginated reads concatenate to the same set as one unbounded read.
type Cursor struct {
	ModifiedAt int64
	EntityID   string
}

func (c Cursor) IsZero() bool {
	return c.ModifiedAt == 0 && c.EntityID == ""
}

func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d:%s", c.ModifiedAt, c.EntityID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	modifiedAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	return Cursor{ModifiedAt: modifiedAt, EntityID: parts[1]}, nil
}

// CursorFor returns the cursor that resumes reading right after the record.
func CursorFor(record ChangeRecord) Cursor {
	return Cursor{ModifiedAt: record.ModifiedAt, EntityID: record.EntityID}
}
