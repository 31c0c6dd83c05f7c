package profile_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
)

func calibratedProfile(name string) *profile.Profile {
	p := profile.Default(name)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p.Calibrated = true
	p.CalibrationDate = &now

	for i, axis := range machine.Axes() {
		p.Envelope[axis] = profile.Envelope{Min: 0, Max: 300 + float64(i)*50, Measured: true}
		p.StallGuard[axis] = profile.StallGuard{
			Threshold:   100,
			NoLoadValue: 250,
			Calibrated:  true,
		}
		p.Mechanics[axis].Backlash = 0.02 * float64(i)
	}

	return p
}

func TestExportImportRoundTrip(t *testing.T) {
	original := calibratedProfile("shop-router")

	blob, err := profile.Export(original)
	require.NoError(t, err)

	restored, err := profile.Import(blob)
	require.NoError(t, err)

	assert.Equal(t, original, restored, "Expected field-for-field round trip")
}

func TestImportRejectsMissingVersion(t *testing.T) {
	blob, err := profile.Export(calibratedProfile("m"))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &doc))
	delete(doc, "version")
	stripped, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = profile.Import(stripped)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrValidation), "Expected validation_failed, got %v", err)
}

func TestImportRejectsReservedKeys(t *testing.T) {
	for _, key := range []string{"__proto__", "constructor", "prototype"} {
		blob, err := profile.Export(calibratedProfile("m"))
		require.NoError(t, err)

		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(blob, &doc))
		doc[key] = json.RawMessage(`{"polluted":true}`)
		tainted, err := json.Marshal(doc)
		require.NoError(t, err)

		_, err = profile.Import(tainted)
		require.Error(t, err, "Expected %q to be rejected", key)
		assert.True(t, errors.HasCode(err, errors.ErrValidation))
	}
}

func TestImportRejectsUnknownKeys(t *testing.T) {
	blob, err := profile.Export(calibratedProfile("m"))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &doc))
	doc["firmware"] = json.RawMessage(`"grblHAL"`)
	tainted, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = profile.Import(tainted)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrValidation))
}

func TestImportRejectsUnsupportedVersion(t *testing.T) {
	blob, err := profile.Export(calibratedProfile("m"))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &doc))
	doc["version"] = json.RawMessage(`"99"`)
	bumped, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = profile.Import(bumped)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrValidation))
}

func TestImportRejectsGarbage(t *testing.T) {
	_, err := profile.Import([]byte("not json at all"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrValidation))
}

func TestValidateInvariants(t *testing.T) {
	p := profile.Default("m")
	p.Envelope[machine.AxisX] = profile.Envelope{Min: 10, Max: 5, Measured: true}
	assert.Error(t, p.Validate(), "Expected inverted envelope to fail")

	p = profile.Default("m")
	p.StallGuard[machine.AxisY] = profile.StallGuard{Threshold: 300, NoLoadValue: 250, Calibrated: true}
	assert.Error(t, p.Validate(), "Expected threshold above no-load to fail")

	p = profile.Default("m")
	p.Thermal.DeratingStart = 90
	assert.Error(t, p.Validate(), "Expected derating start above max temp to fail")

	assert.NoError(t, profile.Default("m").Validate())
}
