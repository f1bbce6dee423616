package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/splitcheck/splitcheck/internal/auth"
	"github.com/splitcheck/splitcheck/internal/check/domain"
	checkservice "github.com/splitcheck/splitcheck/internal/check/service"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/config"
	"github.com/splitcheck/splitcheck/internal/connection"
	"github.com/splitcheck/splitcheck/internal/observability"
	obsmetrics "github.com/splitcheck/splitcheck/internal/observability/metrics"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/splitcheck/splitcheck/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	server   *Server
	engine   *gin.Engine
	svc      domain.Service
	queue    *queue.Queue
	verifier *auth.Verifier
}

// failingDirectory stands in for a directory backend that is down.
type failingDirectory struct{}

func (failingDirectory) Register(context.Context, int64, string, time.Duration) error {
	return errors.New("directory down")
}

func (failingDirectory) Refresh(context.Context, int64, string, time.Duration) error {
	return errors.New("directory down")
}

func (failingDirectory) Unregister(context.Context, int64) error {
	return errors.New("directory down")
}

func (failingDirectory) Lookup(context.Context, int64) (string, error) {
	return "", errors.New("directory down")
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithDirectory(t, connection.NewMemoryDirectory(clock.NewSystemClock()))
}

func newTestServerWithDirectory(t *testing.T, directory connection.Directory) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Check{}, &domain.CheckItem{}, &domain.UserCheck{}, &domain.UserSelection{},
	))

	clk := clock.NewSystemClock()
	svc := checkservice.NewService(checkservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Cache: checkservice.NewMemoryViewCache(time.Minute, clk),
		Clock: clk,
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	q := queue.New(queue.NewMemoryBroker(), node, zap.NewNop())

	manager := connection.NewManager(
		connection.ManagerConfig{DirectoryTTL: time.Minute, HeartbeatInterval: time.Hour},
		connection.NewMemoryRelay(),
		directory,
		zap.NewNop(),
	)

	cfg := config.Config{AuthJWTSecret: "test-secret", HTTPAddr: ":0"}
	verifier := auth.NewVerifier(cfg)

	engine := NewEngine(observability.Config{}, obsmetrics.NewHTTPMetricsWith(prometheus.NewRegistry()))
	srv := NewServer(ServerParams{
		Gin:              engine,
		Cfg:              cfg,
		Verifier:         verifier,
		Checks:           svc,
		Queue:            q,
		Manager:          manager,
		RecognizeLimiter: ratelimit.NewMemoryLimiter(1, 2, clk),
		Log:              zap.NewNop(),
	})

	return &testServer{server: srv, engine: engine, svc: svc, queue: q, verifier: verifier}
}

func (ts *testServer) request(t *testing.T, method, path string, userID int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		token, err := ts.verifier.Issue(userID, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", 0, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/checks/some-id", 0, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checks/some-id", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetCheck(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/checks", 1,
		`{"name":"Dinner","items":[{"name":"Cola","quantity":2,"sum":10.00}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created domain.CheckView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Dinner", created.Check.Name)
	assert.Equal(t, 10.00, created.Check.Total)
	assert.Equal(t, []int64{1}, created.Members)

	rec = ts.request(t, http.MethodGet, "/api/v1/checks/"+created.Check.ID, 1, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched domain.CheckView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created.Check.ID, fetched.Check.ID)
}

func TestGetMissingCheckReturns404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/api/v1/checks/nope", 1, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateCheckValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/checks", 1, `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/v1/checks", 1, `not-json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutationsAreEnqueued(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.request(t, http.MethodPost, "/api/v1/checks", 1, `{"name":"Dinner"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.CheckView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	checkID := created.Check.ID

	rec = ts.request(t, http.MethodPost, "/api/v1/checks/"+checkID+"/items", 1,
		`{"name":"Cola","quantity":2,"sum":10.00}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted enqueuedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted.TaskID)

	env, err := ts.queue.Pop(ctx, queue.Default, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "add_item_task", env.Type)
	assert.Equal(t, accepted.TaskID, env.TaskID)

	var payload struct {
		CheckUUID string          `json:"check_uuid"`
		UserID    int64           `json:"user_id"`
		ItemData  domain.ItemData `json:"item_data"`
	}
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, checkID, payload.CheckUUID)
	assert.Equal(t, int64(1), payload.UserID)
	assert.Equal(t, "Cola", payload.ItemData.Name)
}

func TestRecognizeReceiptGoesToRecognitionQueue(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/recognize", 7,
		`{"image_ref":"uploads/r1.jpg"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	env, err := ts.queue.Pop(context.Background(), queue.Recognition, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "recognize_receipt_task", env.Type)

	rec = ts.request(t, http.MethodPost, "/api/v1/recognize", 7, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecognizeReceiptIsThrottled(t *testing.T) {
	ts := newTestServer(t)

	// Burst of 2; the third immediate request is rejected.
	for i := 0; i < 2; i++ {
		rec := ts.request(t, http.MethodPost, "/api/v1/recognize", 3,
			`{"image_ref":"uploads/r1.jpg"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.request(t, http.MethodPost, "/api/v1/recognize", 3,
		`{"image_ref":"uploads/r1.jpg"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another user is unaffected.
	rec = ts.request(t, http.MethodPost, "/api/v1/recognize", 4,
		`{"image_ref":"uploads/r2.jpg"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestLeaveCheckIsSynchronous(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	view, err := ts.svc.Create(ctx, domain.CreateCheckRequest{Name: "Dinner", AuthorID: 1})
	require.NoError(t, err)
	_, err = ts.svc.Join(ctx, view.Check.ID, 2)
	require.NoError(t, err)

	rec := ts.request(t, http.MethodPost, "/api/v1/checks/"+view.Check.ID+"/leave", 2, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	members, err := ts.svc.Members(ctx, view.Check.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, members)

	// Leaving twice is a client error.
	rec = ts.request(t, http.MethodPost, "/api/v1/checks/"+view.Check.ID+"/leave", 2, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidItemIDParam(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodDelete, "/api/v1/checks/c1/items/zero", 1, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEndsCleanlyWhenAttachFails(t *testing.T) {
	ts := newTestServerWithDirectory(t, failingDirectory{})

	rec := ts.request(t, http.MethodGet, "/api/v1/stream", 1, "")

	// Headers and the retry hint go out before the attach, so the status
	// stays 200. The handler must return, leaving a clean event stream
	// with no error body mixed in; the client reconnects on its retry
	// interval.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "retry: 2000\n\n", rec.Body.String())
}

func TestListEventTypesIsPublic(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/events", 0, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []eventTypeInfo `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 13)

	types := make(map[string]bool, len(body.Events))
	for _, e := range body.Events {
		types[e.Type] = true
		assert.NotEmpty(t, e.Description)
	}
	assert.True(t, types["itemAddEvent"])
	assert.True(t, types["checkDeleteEvent"])
}
