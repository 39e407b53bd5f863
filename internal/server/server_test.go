package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"

	"account-ledger/internal/config"
	"account-ledger/internal/events"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

type accountBody struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Replayed  bool   `json:"replayed"`
	Movement  struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"movement"`
}

type movementBody struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Amount             string `json:"amount"`
	SourceAccount      string `json:"source_account"`
	DestinationAccount string `json:"destination_account"`
}

type transferBody struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Replayed   bool   `json:"replayed"`
}

type HandlerTestSuite struct {
	suite.Suite
	server *Server
}

func (suite *HandlerTestSuite) SetupTest() {
	cfg := &config.Config{
		ServerPort:    "0",
		StorageDriver: config.DriverMemory,
	}
	server, err := NewServer(cfg, slog.New(slog.DiscardHandler))
	suite.Require().NoError(err)
	suite.server = server
}

func (suite *HandlerTestSuite) do(method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		suite.Require().NoError(err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	suite.server.GetRouter().ServeHTTP(rec, req)

	var env envelope
	suite.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (suite *HandlerTestSuite) decode(raw json.RawMessage, dst any) {
	suite.Require().NoError(json.Unmarshal(raw, dst))
}

func (suite *HandlerTestSuite) deposit(accountID, amount string) {
	rec, _ := suite.do(http.MethodPost, "/accounts/"+accountID+"/deposits", map[string]string{"amount": amount}, nil)
	suite.Require().Equal(http.StatusCreated, rec.Code)
}

func (suite *HandlerTestSuite) TestScenarioOverHTTP() {
	rec, env := suite.do(http.MethodPost, "/accounts/A1/deposits", map[string]string{"amount": "100"}, nil)
	suite.Equal(http.StatusCreated, rec.Code)
	var credited accountBody
	suite.decode(env.Data, &credited)
	suite.Equal("100", credited.Balance)
	suite.Equal("deposit", credited.Movement.Type)

	rec, env = suite.do(http.MethodPost, "/accounts/A1/withdrawals", map[string]string{"amount": "150"}, nil)
	suite.Equal(http.StatusUnprocessableEntity, rec.Code)
	suite.Equal("insufficient_funds", env.Error.Code)

	rec, env = suite.do(http.MethodPost, "/transfers", map[string]string{
		"source_account_id":      "A1",
		"destination_account_id": "A2",
		"amount":                 "60",
	}, nil)
	suite.Equal(http.StatusCreated, rec.Code)
	var transfer transferBody
	suite.decode(env.Data, &transfer)
	suite.Equal("completed", transfer.Status)

	rec, env = suite.do(http.MethodGet, "/accounts/A1", nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	var account accountBody
	suite.decode(env.Data, &account)
	suite.Equal("40", account.Balance)

	rec, env = suite.do(http.MethodGet, "/accounts/A2", nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	suite.decode(env.Data, &account)
	suite.Equal("60", account.Balance)

	rec, env = suite.do(http.MethodGet, "/accounts/A1/movements", nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	var movements []movementBody
	suite.decode(env.Data, &movements)
	suite.Require().Len(movements, 2)
	suite.Equal("transfer", movements[0].Type)
	suite.Equal("60", movements[0].Amount)
	suite.Equal("A1", movements[0].SourceAccount)
	suite.Equal("A2", movements[0].DestinationAccount)
	suite.Equal("deposit", movements[1].Type)

	rec, env = suite.do(http.MethodGet, "/transfers/"+transfer.TransferID, nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	suite.decode(env.Data, &transfer)
	suite.Equal("completed", transfer.Status)
}

func (suite *HandlerTestSuite) TestErrorCodes() {
	suite.deposit("A1", "10")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"zero deposit", http.MethodPost, "/accounts/A1/deposits", map[string]string{"amount": "0"}, http.StatusBadRequest, "invalid_amount"},
		{"negative withdrawal", http.MethodPost, "/accounts/A1/withdrawals", map[string]string{"amount": "-3"}, http.StatusBadRequest, "invalid_amount"},
		{"malformed amount", http.MethodPost, "/accounts/A1/deposits", map[string]string{"amount": "ten"}, http.StatusBadRequest, "invalid_amount"},
		{"missing amount", http.MethodPost, "/accounts/A1/deposits", map[string]string{}, http.StatusBadRequest, "invalid_input"},
		{"unknown field", http.MethodPost, "/accounts/A1/deposits", map[string]string{"amount": "1", "currency": "EUR"}, http.StatusBadRequest, "invalid_input"},
		{"same account", http.MethodPost, "/transfers", map[string]string{
			"source_account_id": "A1", "destination_account_id": "A1", "amount": "1",
		}, http.StatusBadRequest, "same_account"},
		{"missing destination", http.MethodPost, "/transfers", map[string]string{
			"source_account_id": "A1", "amount": "1",
		}, http.StatusBadRequest, "invalid_input"},
		{"overdrawn transfer", http.MethodPost, "/transfers", map[string]string{
			"source_account_id": "A1", "destination_account_id": "A2", "amount": "11",
		}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"withdraw unknown account", http.MethodPost, "/accounts/nobody/withdrawals", map[string]string{"amount": "1"}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"unknown account", http.MethodGet, "/accounts/nobody", nil, http.StatusNotFound, "account_not_found"},
		{"malformed transfer id", http.MethodGet, "/transfers/xyz", nil, http.StatusBadRequest, "invalid_input"},
		{"unknown transfer", http.MethodGet, "/transfers/9b2f4b8e-5a4f-4c55-9d0e-1f1f1f1f1f1f", nil, http.StatusNotFound, "transfer_not_found"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			rec, env := suite.do(tt.method, tt.path, tt.body, nil)
			suite.Equal(tt.status, rec.Code)
			suite.Require().NotNil(env.Error)
			suite.Equal(tt.code, env.Error.Code)
		})
	}

	rec, env := suite.do(http.MethodGet, "/accounts/A1", nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	var account accountBody
	suite.decode(env.Data, &account)
	suite.Equal("10", account.Balance)
}

func (suite *HandlerTestSuite) TestIdempotencyKeyHeader() {
	headers := map[string]string{"Idempotency-Key": "dep-1"}
	body := map[string]string{"amount": "25.50"}

	rec, env := suite.do(http.MethodPost, "/accounts/A1/deposits", body, headers)
	suite.Equal(http.StatusCreated, rec.Code)
	var first accountBody
	suite.decode(env.Data, &first)

	rec, env = suite.do(http.MethodPost, "/accounts/A1/deposits", body, headers)
	suite.Equal(http.StatusOK, rec.Code)
	var second accountBody
	suite.decode(env.Data, &second)
	suite.True(second.Replayed)
	suite.Equal(first.Movement.ID, second.Movement.ID)
	suite.Equal("25.5", second.Balance)

	rec, env = suite.do(http.MethodPost, "/accounts/A1/deposits", map[string]string{"amount": "3"}, headers)
	suite.Equal(http.StatusConflict, rec.Code)
	suite.Equal("idempotency_key_reused", env.Error.Code)
}

func (suite *HandlerTestSuite) TestTransferIdempotencyKeyInBody() {
	suite.deposit("A1", "50")
	body := map[string]string{
		"source_account_id":      "A1",
		"destination_account_id": "A2",
		"amount":                 "20",
		"idempotency_key":        "tr-1",
	}

	rec, _ := suite.do(http.MethodPost, "/transfers", body, nil)
	suite.Equal(http.StatusCreated, rec.Code)
	rec, env := suite.do(http.MethodPost, "/transfers", body, nil)
	suite.Equal(http.StatusOK, rec.Code)
	var transfer transferBody
	suite.decode(env.Data, &transfer)
	suite.True(transfer.Replayed)

	rec, env = suite.do(http.MethodGet, "/movements", nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	var movements []movementBody
	suite.decode(env.Data, &movements)
	suite.Len(movements, 2)
}

func (suite *HandlerTestSuite) TestEmptyHistoryIsAnEmptyList() {
	rec, env := suite.do(http.MethodGet, "/accounts/nobody/movements", nil, nil)
	suite.Equal(http.StatusOK, rec.Code)
	suite.JSONEq("[]", string(env.Data))
}

func (suite *HandlerTestSuite) TestHealth() {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	suite.server.GetRouter().ServeHTTP(rec, req)

	suite.Equal(http.StatusOK, rec.Code)
	suite.Contains(rec.Body.String(), "healthy")
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func TestStartServerPublishesMovements(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		ServerPort:     "0",
		StorageDriver:  config.DriverMemory,
		RedisAddr:      mr.Addr(),
		RedisStream:    "test.movements",
		RepairInterval: 10 * time.Millisecond,
	}

	srv, port, err := StartServer(cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	resp, err := http.Post("http://localhost:"+port+"/accounts/A1/deposits", "application/json",
		bytes.NewReader([]byte(`{"amount":"5"}`)))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}

	client, err := events.NewClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	n, err := client.XLen(context.Background(), "test.movements").Result()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if n != 1 {
		t.Fatalf("stream entries = %d, want 1", n)
	}
}
