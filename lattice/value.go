package lattice

import (
	"encoding/json"
)

// Value is an immutable record observed from the server: the latest known
// state of one concrete key at one version. Data is the verbatim payload
// text, usually json. Exists=false marks a tombstone at Vts.
type Value struct {
	// joined string form of the concrete key
	Key     string
	Exists  bool
	Data    string
	AclId   string
	Creator string
	Cts     int64
	Vts     int64
	Stable  bool
}

// ParseData decodes the opaque data text into out. The raw text is
// unaffected by a parse failure.
func (self *Value) ParseData(out any) error {
	if err := json.Unmarshal([]byte(self.Data), out); err != nil {
		return newInternalError("data is not parseable: %s", err)
	}
	return nil
}

func (self *Value) Tombstone() bool {
	return !self.Exists
}
