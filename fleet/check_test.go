package fleet

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func checkerFor(t *testing.T, handler http.HandlerFunc) *RecordsChecker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRecordsChecker(srv.URL)
}

func TestShouldRunOnNotRunStatus(t *testing.T) {
	c := checkerFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/testrecords/tc-1", r.URL.Path)
		w.Write([]byte(`{"status":"NOT_RUN"}`))
	})
	assert.True(t, c.ShouldRun("tc-1"))
}

func TestShouldSkipExecutedRecord(t *testing.T) {
	c := checkerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"PASSED"}`))
	})
	assert.False(t, c.ShouldRun("tc-1"))
}

func TestShouldSkipCanceledRecord(t *testing.T) {
	c := checkerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"CANCELED"}`))
	})
	assert.False(t, c.ShouldRun("tc-1"))
}

func TestShouldRunWhenRecordUnknown(t *testing.T) {
	c := checkerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	assert.True(t, c.ShouldRun("tc-1"))
}

func TestShouldRunOnServerError(t *testing.T) {
	c := checkerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.True(t, c.ShouldRun("tc-1"))
}

func TestShouldRunOnUndecodableBody(t *testing.T) {
	c := checkerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	assert.True(t, c.ShouldRun("tc-1"))
}

func TestShouldRunWhenServiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewRecordsChecker(srv.URL)
	assert.True(t, c.ShouldRun("tc-1"))
}
