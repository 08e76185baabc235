package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/core"
	"courier/internal/types"
)

type mockDeadLetterReader struct {
	items []*types.ArchivedDeadLetter
	next  string
	err   error

	lastFilter types.DeadLetterFilter
}

func (m *mockDeadLetterReader) List(_ context.Context, filter types.DeadLetterFilter) ([]*types.ArchivedDeadLetter, string, error) {
	m.lastFilter = filter
	if m.err != nil {
		return nil, "", m.err
	}
	return m.items, m.next, nil
}

func (m *mockDeadLetterReader) Get(_ context.Context, id string) (*types.ArchivedDeadLetter, error) {
	for _, it := range m.items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
}

func newDeadLetterRouter(repo DeadLetterReader) http.Handler {
	h := NewDeadLetterHandler(repo, discardLogger())
	r := chi.NewRouter()
	r.Route("/v1", h.RegisterRoutes)
	return r
}

func get(router http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func sampleDeadLetter(id string) *types.ArchivedDeadLetter {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &types.ArchivedDeadLetter{
		ID:             id,
		NotificationID: "n-" + id,
		Type:           types.NotificationEmail,
		RetryCount:     3,
		Reason:         types.ReasonRetriesExhausted,
		Error:          "smtp: 421",
		Message:        json.RawMessage(`{"notification_id":"n-` + id + `"}`),
		FailedAt:       at,
		ArchivedAt:     at,
	}
}

func TestListDeadLetters(t *testing.T) {
	repo := &mockDeadLetterReader{
		items: []*types.ArchivedDeadLetter{sampleDeadLetter("dl-2"), sampleDeadLetter("dl-1")},
		next:  "2026-10-01T12:00:00Z",
	}

	rec := get(newDeadLetterRouter(repo), "/v1/dead-letters?limit=2&notification_type=email&reason=retries_exhausted&cursor=abc")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []types.ArchivedDeadLetter `json:"data"`
		Meta core.PageMeta              `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "dl-2", resp.Data[0].ID)
	assert.JSONEq(t, `{"notification_id":"n-dl-2"}`, string(resp.Data[0].Message))
	assert.Equal(t, 2, resp.Meta.Limit)
	assert.Equal(t, "2026-10-01T12:00:00Z", resp.Meta.NextCursor)

	assert.Equal(t, types.DeadLetterFilter{
		Type:   types.NotificationEmail,
		Reason: types.ReasonRetriesExhausted,
		Limit:  2,
		Cursor: "abc",
	}, repo.lastFilter)
}

func TestListDeadLetters_EmptyIsArray(t *testing.T) {
	rec := get(newDeadLetterRouter(&mockDeadLetterReader{}), "/v1/dead-letters")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
	assert.Contains(t, rec.Body.String(), `"limit":20`)
}

func TestListDeadLetters_InvalidParams(t *testing.T) {
	tests := []struct {
		query string
		code  types.ErrorCode
	}{
		{"limit=0", types.ErrCodeValidationInvalidField},
		{"limit=101", types.ErrCodeValidationInvalidField},
		{"limit=ten", types.ErrCodeValidationInvalidField},
		{"notification_type=fax", types.ErrCodeValidationInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(newDeadLetterRouter(&mockDeadLetterReader{}), "/v1/dead-letters?"+tt.query)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp core.APIErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.code), resp.Error.Code)
		})
	}
}

func TestListDeadLetters_RepoError(t *testing.T) {
	repo := &mockDeadLetterReader{err: types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", nil)}

	rec := get(newDeadLetterRouter(repo), "/v1/dead-letters")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetDeadLetter(t *testing.T) {
	repo := &mockDeadLetterReader{items: []*types.ArchivedDeadLetter{sampleDeadLetter("dl-1")}}
	router := newDeadLetterRouter(repo)

	rec := get(router, "/v1/dead-letters/dl-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got types.ArchivedDeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "n-dl-1", got.NotificationID)
	assert.Equal(t, types.ReasonRetriesExhausted, got.Reason)

	rec = get(router, "/v1/dead-letters/dl-404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
