package xa

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/sharedcode/objstore"
)

// Maximum sizes of the Xid parts, as in the X/Open XA specification.
const (
	MaxGlobalTransactionIDSize = 64
	MaxBranchQualifierSize     = 64
)

// Xid identifies a transaction branch: a global transaction ID plus a branch qualifier, both opaque.
type Xid struct {
	FormatID            int32  `json:"format_id"`
	GlobalTransactionID []byte `json:"gtrid"`
	BranchQualifier     []byte `json:"bqual"`
}

// NewXid returns an Xid with a random global transaction ID and an empty branch qualifier.
func NewXid() Xid {
	id := objstore.NewUUID()
	return Xid{
		FormatID:            1,
		GlobalTransactionID: id[:],
	}
}

// Branch returns a new branch of x's global transaction with a random qualifier.
func (x Xid) Branch() Xid {
	id := objstore.NewUUID()
	return Xid{
		FormatID:            x.FormatID,
		GlobalTransactionID: bytes.Clone(x.GlobalTransactionID),
		BranchQualifier:     id[:],
	}
}

// Equal reports whether x and o name the same branch.
func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalTransactionID, o.GlobalTransactionID) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

// Validate checks the part sizes.
func (x Xid) Validate() error {
	if len(x.GlobalTransactionID) == 0 || len(x.GlobalTransactionID) > MaxGlobalTransactionIDSize {
		return fmt.Errorf("global transaction ID must be 1 to %d bytes, got %d", MaxGlobalTransactionIDSize, len(x.GlobalTransactionID))
	}
	if len(x.BranchQualifier) > MaxBranchQualifierSize {
		return fmt.Errorf("branch qualifier must be at most %d bytes, got %d", MaxBranchQualifierSize, len(x.BranchQualifier))
	}
	return nil
}

// String returns the canonical form "<format>:<hex gtrid>:<hex bqual>", used as registry key.
func (x Xid) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalTransactionID), hex.EncodeToString(x.BranchQualifier))
}

// ParseXid parses the canonical form returned by Xid.String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("malformed xid %q", s)
	}
	f, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid format %q: %w", s, err)
	}
	g, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid gtrid %q: %w", s, err)
	}
	b, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid bqual %q: %w", s, err)
	}
	x := Xid{FormatID: int32(f), GlobalTransactionID: g, BranchQualifier: b}
	return x, x.Validate()
}
