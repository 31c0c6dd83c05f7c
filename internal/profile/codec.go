package profile

import (
	"encoding/json"

	"codeberg.org/mutker/sensorless/internal/errors"
)

// FormatVersion tags exported profile documents.
const FormatVersion = "1"

// reservedKeys are structural keys that must never appear in an imported
// document. They are meaningless to this engine but historically abused for
// structural injection when blobs come from untrusted sources.
var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// allowedKeys is the closed set of top-level keys an exported document may
// carry.
var allowedKeys = map[string]struct{}{
	"version":         {},
	"name":            {},
	"calibrated":      {},
	"calibrationDate": {},
	"envelope":        {},
	"motors":          {},
	"mechanics":       {},
	"stallGuard":      {},
	"thermal":         {},
}

type document struct {
	Version string `json:"version"`
	*Profile
}

// Export serializes a profile as a versioned JSON document.
func Export(p *Profile) ([]byte, error) {
	errFactory := errors.New()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(document{Version: FormatVersion, Profile: p}, "", "  ")
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	return data, nil
}

// Import parses and validates an exported document. Any validation failure
// is reported before a single field is applied; the returned profile is
// fully constructed or nil.
func Import(blob []byte) (*Profile, error) {
	errFactory := errors.New()

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, errFactory.Wrap(errors.ErrValidation, err)
	}

	version, ok := raw["version"]
	if !ok {
		return nil, errFactory.WithMessage(errors.ErrValidation, "profile document has no version tag")
	}

	var versionStr string
	if err := json.Unmarshal(version, &versionStr); err != nil || versionStr != FormatVersion {
		return nil, errFactory.WithData(errors.ErrValidation, "unsupported profile version")
	}

	for key := range raw {
		if _, reserved := reservedKeys[key]; reserved {
			return nil, errFactory.WithData(errors.ErrValidation, "reserved key: "+key)
		}
		if _, allowed := allowedKeys[key]; !allowed {
			return nil, errFactory.WithData(errors.ErrValidation, "unexpected key: "+key)
		}
	}

	doc := document{Profile: &Profile{}}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, errFactory.Wrap(errors.ErrValidation, err)
	}

	if err := doc.Profile.Validate(); err != nil {
		return nil, err
	}

	return doc.Profile, nil
}
