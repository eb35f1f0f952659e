// Package testutil provides shared test helpers for the pipeline engine:
// error-code assertions, scripted provider adapters, compensation
// recorders and event stream collectors.
//
// All helpers accept [testing.TB] and call t.Helper() so failures report
// the caller's line. Functions that halt the test use [require];
// functions that only record failures use [assert].
//
// Packages imported by testutil (errors, capability, events, pipeline)
// cannot use it from their own in-package tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// RequireErrorCode halts the test unless err is an *sserr.Error carrying
// code.
//
//	_, err := orch.Run(ctx, "missing", input, "acme")
//	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundPipeline)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	got, msg := codeOf(err)
	require.Equal(t, code, got, "want code %q, got %q for %T: %s", code, got, err, msg)
}

// AssertErrorCode is the non-halting form of [RequireErrorCode], for
// table-driven tests.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	got, msg := codeOf(err)
	return assert.Equal(t, code, got, "want code %q, got %q for %T: %s", code, got, err, msg)
}

// codeOf returns the code of the outermost *sserr.Error in err's chain,
// or "" when there is none.
func codeOf(err error) (sserr.Code, string) {
	if ssErr, ok := sserr.AsError(err); ok {
		return ssErr.Code, ssErr.Message
	}
	return "", err.Error()
}

// TempFile writes content to name inside t.TempDir() with mode 0600 and
// returns its path.
func TempFile(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file %s", path)
	return path
}

// AssertJSONContains asserts that the JSON encoding of v contains
// expected.
func AssertJSONContains(t testing.TB, v any, expected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	assert.Contains(t, string(data), expected,
		"expected JSON to contain %q, got: %s", expected, string(data))
}
