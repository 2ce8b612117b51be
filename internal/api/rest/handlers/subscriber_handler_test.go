package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockSubscriberService struct {
	mock.Mock
}

func (m *mockSubscriberService) Create(ctx context.Context, req service.CreateSubscriberRequest) (*domain.Subscriber, error) {
	args := m.Called(req)
	if sub := args.Get(0); sub != nil {
		return sub.(*domain.Subscriber), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriberService) Get(ctx context.Context, id string) (*domain.Subscriber, error) {
	args := m.Called(id)
	if sub := args.Get(0); sub != nil {
		return sub.(*domain.Subscriber), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriberService) Sync(ctx context.Context, id string) (*service.SyncResult, error) {
	args := m.Called(id)
	if r := args.Get(0); r != nil {
		return r.(*service.SyncResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriberService) Delete(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func newSubscriberRouter(svc service.SubscriberService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewSubscriberHandler(svc, logger.NewNop())
	r.POST("/subscribers", h.CreateSubscriber)
	r.GET("/subscribers/:id", h.GetSubscriber)
	r.POST("/subscribers/:id/sync", h.SyncSubscriber)
	r.DELETE("/subscribers/:id", h.DeleteSubscriber)
	return r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateSubscriber(t *testing.T) {
	svc := new(mockSubscriberService)
	svc.On("Create", service.CreateSubscriberRequest{ID: "u-1", BillingInterval: "year"}).
		Return(&domain.Subscriber{ID: "u-1", Status: domain.StatusNone, BillingInterval: domain.IntervalYear}, nil).Once()
	svc.On("Create", service.CreateSubscriberRequest{ID: "u-2"}).Return(nil, domain.NewDuplicateError("subscriber", "id", "u-2")).Once()
	r := newSubscriberRouter(svc)

	w := serve(r, http.MethodPost, "/subscribers", `{"id":"u-1","billing_interval":"year"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"u-1"`)

	w = serve(r, http.MethodPost, "/subscribers", `{"id":"u-2"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(r, http.MethodPost, "/subscribers", `{"id":"u-3","billing_interval":"fortnight"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = serve(r, http.MethodPost, "/subscribers", `{"id":"u-4","status":"active"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "status cannot be set by the client")

	svc.AssertExpectations(t)
}

func TestSubscriberErrorMapping(t *testing.T) {
	svc := new(mockSubscriberService)
	svc.On("Get", "ghost").Return(nil, domain.NewNotFoundError("subscriber", "ghost"))
	svc.On("Delete", "live").Return(domain.ErrProviderSubscriptionActive)
	svc.On("Delete", "done").Return(nil)
	svc.On("Sync", "u-1").Return(nil, domain.NewProviderQueryError("http", "sub_1", 502, "bad gateway", nil))
	svc.On("Sync", "u-2").Return(&service.SyncResult{Subscriber: &domain.Subscriber{ID: "u-2"}, Result: "noop"}, nil)
	r := newSubscriberRouter(svc)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/subscribers/ghost", "").Code)
	assert.Equal(t, http.StatusConflict, serve(r, http.MethodDelete, "/subscribers/live", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodDelete, "/subscribers/done", "").Code)
	assert.Equal(t, http.StatusBadGateway, serve(r, http.MethodPost, "/subscribers/u-1/sync", "").Code)

	w := serve(r, http.MethodPost, "/subscribers/u-2/sync", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"noop"`)
}
