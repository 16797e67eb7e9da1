package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/audit"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/circuitbreaker"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/procedure"
	"github.com/tr8tmnvny9-lab/Regatta-Race-Suite/internal/replay"
)

func testGraph() procedure.Graph {
	return procedure.Graph{
		ID: "rrs26",
		Nodes: []procedure.Node{
			{ID: "1", Label: "Warning", DurationSec: 240},
			{ID: "2", Label: "Preparatory", DurationSec: 240},
		},
		Edges: []procedure.Edge{{Source: "1", Target: "2"}},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	engine := procedure.NewEngine(nil)
	engine.Load(testGraph())
	auditLog := audit.NewLogger("", nil)
	s := NewServer(engine, nil, auditLog, procedure.DefaultScheduler(), nil, nil)
	return s
}

func TestHandleSaveAndStartSequence(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, err := json.Marshal(testGraph())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/procedure/save", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/procedure/start", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var update procedure.SequenceUpdate
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&update))
	assert.Equal(t, "1", update.CurrentNodeID)
}

func TestHandleStartSequenceWithoutGraphConflicts(t *testing.T) {
	engine := procedure.NewEngine(nil)
	s := NewServer(engine, nil, audit.NewLogger("", nil), procedure.DefaultScheduler(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/procedure/start", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleDirectorActionRejectsUnknownAction(t *testing.T) {
	s := newTestServer(t)
	body := bytes.NewReader([]byte(`{"action":"NOT_A_REAL_ACTION"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/procedure/action", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDirectorActionAppliesPostponeAndLogsAudit(t *testing.T) {
	s := newTestServer(t)
	body := bytes.NewReader([]byte(`{"action":"POSTPONE"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/procedure/action", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result procedure.DirectorResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, procedure.StatusPostponed, result.Status)

	seq, _ := s.auditLog.Tail()
	assert.Equal(t, uint64(1), seq)
}

func TestHandlePositionsWithNilHubReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleAuditTailReportsBlockSeq(t *testing.T) {
	s := newTestServer(t)
	s.auditLog.LogSessionEvent("cold_start", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/audit/tail", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		BlockSeq uint64 `json:"block_seq"`
		LastHash string `json:"last_hash"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, uint64(1), resp.BlockSeq)
	assert.NotEmpty(t, resp.LastHash)
}

func TestHandleHealthzReportsMirrorBreakerStatus(t *testing.T) {
	s := newTestServer(t)
	s.SetMirrorBreakers(circuitbreaker.NewMirrorBreakers())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "HEALTHY", resp["mirrors"])
}

func TestHandleSnapshotReportsRaceStatusAndSequence(t *testing.T) {
	s := newTestServer(t)
	s.engine.Start()

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RaceStatus string                   `json:"race_status"`
		Sequence   procedure.SequenceUpdate `json:"sequence"`
		Positions  []interface{}            `json:"positions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1", resp.Sequence.CurrentNodeID)
	assert.Empty(t, resp.Positions)
}

func TestHandleAuditReplayWithoutEngineConfiguredReturnsUnavailable(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/audit/replay?session_id=s1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleAuditReplayRejectsMissingSessionID(t *testing.T) {
	s := newTestServer(t)
	s.SetReplayEngine(replay.NewEngine("", nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/audit/replay", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAuditReplayReportsCleanChain(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "audit.log")
	auditLog := audit.NewLogger(journalPath, nil)
	auditLog.SetSession("s1")
	auditLog.LogSessionEvent("cold_start", nil)
	auditLog.LogSessionEvent("race_committee_connected", nil)
	require.NoError(t, auditLog.Close())

	engine := procedure.NewEngine(nil)
	s := NewServer(engine, nil, auditLog, procedure.DefaultScheduler(), nil, nil)
	s.SetReplayEngine(replay.NewEngine(journalPath, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/audit/replay?session_id=s1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result replay.QueryResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, int64(-1), result.BrokenAtSeq)
	assert.Len(t, result.Blocks, 2)
}

func TestCORSMiddlewareSetsAllowOriginHeader(t *testing.T) {
	engine := procedure.NewEngine(nil)
	s := NewServer(engine, nil, audit.NewLogger("", nil), procedure.DefaultScheduler(), []string{"https://committee.example"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/procedure/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "https://committee.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
