package httpapi_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/server/httpapi"
	"github.com/stretchr/testify/assert"
)

func TestStatusAndCode_MapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err          error
		wantStatus   int
		wantCode     string
	}{
		{domain.ErrEntryNotFound, 404, "NOT_FOUND"},
		{domain.ErrEntryAlreadyExists, 409, "ALREADY_EXISTS"},
		{domain.ErrRevisionConflict, 400, "INVALID_ARGUMENT"},
		{domain.ErrEntryExpired, 412, "FAILED_PRECONDITION"},
		{domain.ErrNoMatchingEntry, 404, "NOT_FOUND"},
		{domain.ErrNoActiveKey, 412, "FAILED_PRECONDITION"},
		{domain.ErrKeyUnavailable, 500, "INTERNAL"},
		{domain.ErrAttestationRejected, 403, "ATTESTATION_REJECTED"},
		{domain.ErrReplayedEvidence, 403, "ATTESTATION_REJECTED"},
		{domain.ErrUnauthenticated, 401, "UNAUTHENTICATED"},
	}
	for _, c := range cases {
		status, code := httpapi.StatusAndCode(c.err)
		assert.Equal(t, c.wantStatus, status, c.err.Error())
		assert.Equal(t, c.wantCode, code, c.err.Error())
	}
}

func TestStatusAndCode_UnknownErrorIsInternal(t *testing.T) {
	status, code := httpapi.StatusAndCode(assertErr{})
	assert.Equal(t, 500, status)
	assert.Equal(t, "INTERNAL", code)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestWriteError_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	httpapi.WriteError(rec, domain.ErrEntryNotFound)

	assert.Equal(t, 404, rec.Code)
	var body httpapi.ErrorResponse
	require := json.NewDecoder(rec.Body).Decode(&body)
	assert.NoError(t, require)
	assert.Equal(t, "NOT_FOUND", body.Code)
}
