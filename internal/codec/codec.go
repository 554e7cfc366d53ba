// Package codec provides deterministic encoding and fingerprints for
// enforcement state.
//
// Two grants that would leave the OS in the same enforcement state produce
// the same fingerprint.
package codec

import (
	"encoding/hex"
	"time"

	"famlink/internal/core"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical value always produces the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// enforcementView holds only the fields that change what the OS enforces
type enforcementView struct {
	GrantID     string   `cbor:"1,keyasint"`
	ChildUserID string   `cbor:"2,keyasint"`
	Status      string   `cbor:"3,keyasint"`
	Remaining   int      `cbor:"4,keyasint"`
	ExpiresAt   int64    `cbor:"5,keyasint"`
	Apps        []string `cbor:"6,keyasint"`
	AppsSet     bool     `cbor:"7,keyasint"`
	Categories  []string `cbor:"8,keyasint"`
	CatsSet     bool     `cbor:"9,keyasint"`
}

// Fingerprint returns a hex blake3 digest of the grant's enforcement view
func Fingerprint(g *core.Grant) (string, error) {
	view := enforcementView{
		GrantID:     g.ID,
		ChildUserID: g.ChildUserID,
		Status:      string(g.Status),
		Remaining:   g.RemainingMinutes(),
		Apps:        core.NormalizeBundleIDs(g.AllowedAppBundleIDs),
		AppsSet:     g.AllowedAppBundleIDs != nil,
		CatsSet:     g.AllowedCategories != nil,
	}
	if !g.ExpiresAt.IsZero() {
		view.ExpiresAt = g.ExpiresAt.Truncate(time.Second).Unix()
	}
	for _, c := range core.NormalizeCategories(g.AllowedCategories) {
		view.Categories = append(view.Categories, string(c))
	}

	data, err := encMode.Marshal(view)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
