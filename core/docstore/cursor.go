package docstore

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaginationCursor points behind the last log entry of a page
type PaginationCursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        uuid.UUID `json:"id"`
	Revision  int       `json:"revision"`
}

// Encode encodes the cursor to a base64 string format
func (c PaginationCursor) Encode() string {
	encoded := fmt.Sprintf("%d.%s.%d", c.Timestamp.UnixNano(), c.ID.String(), c.Revision)
	return base64.URLEncoding.EncodeToString([]byte(encoded))
}

// DecodePaginationCursor decodes a base64 cursor string back to PaginationCursor
func DecodePaginationCursor(encoded string) (PaginationCursor, error) {
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("invalid cursor format: %v", err)
	}

	parts := strings.SplitN(string(decoded), ".", 3)
	if len(parts) != 3 {
		return PaginationCursor{}, fmt.Errorf("invalid cursor format: %s", encoded)
	}

	timestampNano, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("invalid timestamp in cursor: %v", err)
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("invalid ID in cursor: %v", err)
	}

	revision, err := strconv.Atoi(parts[2])
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("invalid revision in cursor: %v", err)
	}

	return PaginationCursor{
		Timestamp: time.Unix(0, timestampNano).UTC(),
		ID:        id,
		Revision:  revision,
	}, nil
}
