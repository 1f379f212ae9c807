package canonicalize

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// JCSLib re-encodes v through the vetted github.com/gowebpki/jcs
// implementation. It exists as a cross-check for JCS: both must agree on
// every proposal/policy document the controller signs or verifies.
func JCSLib(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
