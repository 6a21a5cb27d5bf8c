package payme

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"habit-marathon/internal/catalog"
	"habit-marathon/internal/config"
	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/calendar"
	"habit-marathon/internal/repository"
	"habit-marathon/internal/service"
)

const (
	testKey = "secret-key"
	testFee = int64(89000)
)

type fixture struct {
	now      time.Time
	store    *repository.MemoryStore
	accounts *service.AccountService
	gateway  *Gateway
}

func newFixture(t *testing.T, key string) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = repository.NewMemoryStoreWithClock(clock)
	activator := service.NewActivator(calendar.NewWithClock(time.UTC, clock), nil)
	f.accounts = service.NewAccountService(f.store, activator, catalog.Default(), config.PaymentConfig{FeeUZS: testFee}, "")
	f.gateway = NewGateway(f.store, activator, key, testFee, nil)
	return f
}

// onboard creates an account that finished registration and setup.
func (f *fixture) onboard(t *testing.T, tgID int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.accounts.Bootstrap(ctx, service.Identity{TelegramID: tgID}, "")
	require.NoError(t, err)
	_, err = f.accounts.Register(ctx, tgID, service.RegisterRequest{
		FullName: "Test User", Location: "Samarqand", Age: 30,
		Goal: "Sog'lom turmush", Pains: "Dangasalik", Expectations: "Natija",
	})
	require.NoError(t, err)
	_, err = f.accounts.Setup(ctx, tgID, service.SetupRequest{
		Modules: []string{model.ModuleReading},
	})
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, tgID int64) *model.Account {
	t.Helper()
	var acc *model.Account
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		acc, err = tx.Accounts.GetByTelegramID(context.Background(), tgID)
		return err
	}))
	return acc
}

func basicAuth(key string) Credentials {
	return Credentials{Authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte("Paycom:"+key))}
}

func (f *fixture) call(t *testing.T, method string, params map[string]any) *Response {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 7, "method": method, "params": params})
	require.NoError(t, err)
	return f.gateway.Handle(context.Background(), basicAuth(testKey), body)
}

func count(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

func TestHandle_EnvelopeErrors(t *testing.T) {
	f := newFixture(t, testKey)
	ctx := context.Background()

	resp := f.gateway.Handle(ctx, Credentials{}, []byte(`{"id": 42, "method": "CheckTransaction"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnauthorized, resp.Error.Code)
	assert.JSONEq(t, `42`, string(resp.ID))

	resp = f.gateway.Handle(ctx, basicAuth(testKey), []byte(`{not json`))
	assert.Equal(t, CodeParseError, resp.Error.Code)

	resp = f.gateway.Handle(ctx, basicAuth(testKey), []byte(`{"id": 1}`))
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	resp = f.gateway.Handle(ctx, basicAuth(testKey), []byte(`{"id": 1, "method": "GetStatement"}`))
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":1}`, string(out))
}

func TestHandle_RegistersAllMethods(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, []string{
		MethodCancelTransaction,
		MethodCheckPerformTransaction,
		MethodCheckTransaction,
		MethodCreateTransaction,
		MethodPerformTransaction,
	}, f.gateway.Methods())
}

func TestCheckPerformTransaction(t *testing.T) {
	f := newFixture(t, testKey)
	f.onboard(t, 100)
	_, _, err := f.accounts.Bootstrap(context.Background(), service.Identity{TelegramID: 101}, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		params map[string]any
		code   int
	}{
		{"wrong amount", map[string]any{"amount": 100, "account": map[string]any{"tg_user_id": 100}}, CodeIncorrectAmount},
		{"unknown account", map[string]any{"amount": testFee * 100, "account": map[string]any{"tg_user_id": 999}}, CodeAccountNotFound},
		{"not ready", map[string]any{"amount": testFee * 100, "account": map[string]any{"tg_user_id": 101}}, CodeAccountNotReady},
		{"ok", map[string]any{"amount": testFee * 100, "account": map[string]any{"tg_user_id": "100"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.call(t, MethodCheckPerformTransaction, tt.params)
			if tt.code == 0 {
				require.Nil(t, resp.Error)
				assert.Equal(t, map[string]bool{"allow": true}, resp.Result)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestPaymentLifecycle(t *testing.T) {
	f := newFixture(t, testKey)
	f.onboard(t, 200)
	params := map[string]any{
		"id":      "tx-200",
		"time":    1741597200000,
		"amount":  testFee * 100,
		"account": map[string]any{"tg_user_id": 200},
	}

	first := f.call(t, MethodCreateTransaction, params)
	require.Nil(t, first.Error)
	created := first.Result.(createResult)
	assert.Equal(t, "tx-200", created.Transaction)
	assert.Equal(t, StateCreated, created.State)
	assert.Equal(t, model.PaymentPending, f.account(t, 200).PaymentStatus)

	f.now = f.now.Add(time.Minute)
	again := f.call(t, MethodCreateTransaction, params)
	require.Nil(t, again.Error)
	assert.Equal(t, created.CreateTime, again.Result.(createResult).CreateTime)
	assert.Equal(t, 1, f.store.TransactionCount())

	perform := f.call(t, MethodPerformTransaction, map[string]any{"id": "tx-200"})
	require.Nil(t, perform.Error)
	performed := perform.Result.(performResult)
	assert.Equal(t, StateCompleted, performed.State)
	assert.Equal(t, f.now.UnixMilli(), performed.PerformTime)

	acc := f.account(t, 200)
	assert.Equal(t, model.PaymentPaid, acc.PaymentStatus)
	require.NotNil(t, acc.ProgramStartDate)

	f.now = f.now.Add(time.Hour)
	repeat := f.call(t, MethodPerformTransaction, map[string]any{"id": "tx-200"})
	require.Nil(t, repeat.Error)
	assert.Equal(t, performed.PerformTime, repeat.Result.(performResult).PerformTime)
	assert.Equal(t, 1, count(f.store.AuditActions(), model.AuditPaymePerform))

	check := f.call(t, MethodCheckTransaction, map[string]any{"id": "tx-200"})
	require.Nil(t, check.Error)
	status := check.Result.(checkResult)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, created.CreateTime, status.CreateTime)
	assert.Zero(t, status.CancelTime)
	assert.Nil(t, status.Reason)

	cancel := f.call(t, MethodCancelTransaction, map[string]any{"id": "tx-200", "reason": 5})
	require.Nil(t, cancel.Error)
	assert.Equal(t, StateCancelled, cancel.Result.(cancelResult).State)

	// Cancelling never revokes a paid account.
	assert.Equal(t, model.PaymentPaid, f.account(t, 200).PaymentStatus)

	check = f.call(t, MethodCheckTransaction, map[string]any{"id": "tx-200"})
	status = check.Result.(checkResult)
	assert.Equal(t, StateCancelled, status.State)
	require.NotNil(t, status.Reason)
	assert.Equal(t, 5, *status.Reason)
}

func TestCancelBeforePerform(t *testing.T) {
	f := newFixture(t, "")
	f.onboard(t, 300)
	create := f.call(t, MethodCreateTransaction, map[string]any{
		"id": "tx-300", "amount": testFee * 100, "account": map[string]any{"tg_user_id": 300},
	})
	require.Nil(t, create.Error)

	first := f.call(t, MethodCancelTransaction, map[string]any{"id": "tx-300", "reason": 3})
	require.Nil(t, first.Error)
	f.now = f.now.Add(time.Minute)
	second := f.call(t, MethodCancelTransaction, map[string]any{"id": "tx-300", "reason": 3})
	require.Nil(t, second.Error)
	assert.Equal(t, first.Result.(cancelResult).CancelTime, second.Result.(cancelResult).CancelTime)
	assert.Equal(t, 1, count(f.store.AuditActions(), model.AuditPaymeCancel))
	assert.Equal(t, model.PaymentPending, f.account(t, 300).PaymentStatus)
}

func TestUnknownTransaction(t *testing.T) {
	f := newFixture(t, "")
	for _, m := range []string{MethodPerformTransaction, MethodCancelTransaction, MethodCheckTransaction} {
		resp := f.call(t, m, map[string]any{"id": "missing"})
		require.NotNil(t, resp.Error, m)
		assert.Equal(t, CodeTransactionNotFound, resp.Error.Code, m)
	}
}

func TestAuthorized(t *testing.T) {
	assert.True(t, Authorized("", Credentials{}))
	assert.True(t, Authorized(testKey, basicAuth(testKey)))
	assert.True(t, Authorized(testKey, Credentials{Authorization: "basic " + base64.StdEncoding.EncodeToString([]byte("Paycom:"+testKey))}))
	assert.True(t, Authorized(testKey, Credentials{XAuth: "Paycom " + testKey}))
	assert.False(t, Authorized(testKey, Credentials{}))
	assert.False(t, Authorized(testKey, basicAuth("other")))
	assert.False(t, Authorized(testKey, Credentials{Authorization: "Basic !!!"}))
	assert.False(t, Authorized(testKey, Credentials{XAuth: testKey}))
}

func TestAuthorizedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.StringMatching(`[A-Za-z0-9@#%]{1,40}`).Draw(rt, "key")
		other := rapid.StringMatching(`[A-Za-z0-9@#%]{1,40}`).Draw(rt, "other")

		if !Authorized(key, basicAuth(key)) {
			rt.Fatalf("own key rejected")
		}
		if other != key && Authorized(key, basicAuth(other)) {
			rt.Fatalf("key %q accepted credentials for %q", key, other)
		}
		if other != key && Authorized(key, Credentials{XAuth: fmt.Sprintf("Paycom %s", other)}) {
			rt.Fatalf("key %q accepted X-Auth for %q", key, other)
		}
	})
}

func TestTelegramID_Unmarshal(t *testing.T) {
	var a Account
	require.NoError(t, json.Unmarshal([]byte(`{"tg_user_id": " 123 "}`), &a))
	assert.Equal(t, TelegramID(123), a.TelegramID)
	require.NoError(t, json.Unmarshal([]byte(`{"tg_user_id": 456}`), &a))
	assert.Equal(t, TelegramID(456), a.TelegramID)
	require.NoError(t, json.Unmarshal([]byte(`{"tg_user_id": "abc"}`), &a))
	assert.Equal(t, TelegramID(0), a.TelegramID)
}

func TestTiyin_Unmarshal(t *testing.T) {
	tests := []struct {
		raw  string
		want Tiyin
	}{
		{`8900000`, 8900000},
		{`8900000.0`, 8900000},
		{`8.9e6`, 8900000},
		{`8900000.75`, 8900000},
		{`"8900000"`, 8900000},
		{`"abc"`, -1},
		{`1e300`, -1},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var p Params
			require.NoError(t, json.Unmarshal([]byte(`{"amount": `+tt.raw+`}`), &p))
			assert.Equal(t, tt.want, p.Amount)
		})
	}
}

func TestCheckPerformTransaction_FractionalAmount(t *testing.T) {
	f := newFixture(t, testKey)
	f.onboard(t, 110)

	body := []byte(`{"jsonrpc":"2.0","id":9,"method":"CheckPerformTransaction",` +
		`"params":{"amount":8900000.0,"account":{"tg_user_id":110}}}`)
	resp := f.gateway.Handle(context.Background(), basicAuth(testKey), body)
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]bool{"allow": true}, resp.Result)

	body = []byte(`{"jsonrpc":"2.0","id":10,"method":"CheckPerformTransaction",` +
		`"params":{"amount":"lots","account":{"tg_user_id":110}}}`)
	resp = f.gateway.Handle(context.Background(), basicAuth(testKey), body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeIncorrectAmount, resp.Error.Code)
}
