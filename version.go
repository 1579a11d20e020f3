package savedobjects

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// EncodeVersion packs a document's sequence number and primary term into
// the opaque version token handed to API consumers: base64 of the JSON
// array [seqNo, primaryTerm].
func EncodeVersion(seqNo, primaryTerm int64) string {
	data, _ := json.Marshal([2]int64{seqNo, primaryTerm})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeVersion reverses EncodeVersion.
func DecodeVersion(version string) (seqNo, primaryTerm int64, err error) {
	invalid := func() error {
		return WithContext(ErrInvalidVersion, map[string]interface{}{"version": version})
	}

	data, err := base64.StdEncoding.DecodeString(version)
	if err != nil {
		return 0, 0, invalid()
	}

	var parts []json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&parts); err != nil || len(parts) != 2 {
		return 0, 0, invalid()
	}

	seqNo, err = parts[0].Int64()
	if err != nil || seqNo < 0 {
		return 0, 0, invalid()
	}
	primaryTerm, err = parts[1].Int64()
	if err != nil || primaryTerm < 0 {
		return 0, 0, invalid()
	}
	return seqNo, primaryTerm, nil
}
