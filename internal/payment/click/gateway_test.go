package click

import (
	"context"
	"net/url"
	"strconv"
	"strings"
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
	testServiceID = "4567"
	testSecret    = "secret"
	testFee       = int64(89000)
	formType      = "application/x-www-form-urlencoded"
)

type fixture struct {
	now      time.Time
	store    *repository.MemoryStore
	accounts *service.AccountService
	gateway  *Gateway
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = repository.NewMemoryStoreWithClock(clock)
	activator := service.NewActivator(calendar.NewWithClock(time.UTC, clock), nil)
	f.accounts = service.NewAccountService(f.store, activator, catalog.Default(), config.PaymentConfig{FeeUZS: testFee}, "")
	f.gateway = NewGateway(f.store, activator, testServiceID, secret, testFee, nil)
	return f
}

func (f *fixture) onboard(t *testing.T, tgID int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.accounts.Bootstrap(ctx, service.Identity{TelegramID: tgID}, "")
	require.NoError(t, err)
	_, err = f.accounts.Register(ctx, tgID, service.RegisterRequest{
		FullName: "Test User", Location: "Buxoro", Age: 22,
		Goal: "Ko'proq o'qish", Pains: "Telefon", Expectations: "Intizom",
	})
	require.NoError(t, err)
	_, err = f.accounts.Setup(ctx, tgID, service.SetupRequest{Modules: []string{model.ModuleReading}})
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

func (f *fixture) ledgerRow(t *testing.T, clickTransID string) *model.PaymentTransaction {
	t.Helper()
	var row *model.PaymentTransaction
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		row, err = tx.Ledger.Find(context.Background(), model.ProviderClick, clickTransID)
		return err
	}))
	return row
}

func prepareReq(clickTransID string, tgID int64) *Request {
	return &Request{
		ClickTransID:    clickTransID,
		ServiceID:       testServiceID,
		MerchantTransID: strconv.FormatInt(tgID, 10),
		Amount:          "89000",
		Action:          ActionPrepare,
		Error:           "0",
		SignTime:        "2025-03-10 09:00:00",
	}
}

func completeReq(clickTransID string, tgID, prepareID int64, errCode int) *Request {
	r := prepareReq(clickTransID, tgID)
	r.Action = ActionComplete
	r.MerchantPrepareID = strconv.FormatInt(prepareID, 10)
	r.Error = strconv.Itoa(errCode)
	r.SignTime = "2025-03-10 09:05:00"
	return r
}

func encode(r *Request, secret string) []byte {
	if r.SignString == "" && secret != "" {
		r.SignString = Sign(r, secret)
	}
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("click_trans_id", r.ClickTransID)
	set("service_id", r.ServiceID)
	set("merchant_trans_id", r.MerchantTransID)
	set("merchant_prepare_id", r.MerchantPrepareID)
	set("amount", r.Amount)
	set("action", r.Action)
	set("error", r.Error)
	set("sign_time", r.SignTime)
	set("sign_string", r.SignString)
	return []byte(v.Encode())
}

func (f *fixture) send(t *testing.T, r *Request) *Response {
	t.Helper()
	return f.gateway.Handle(context.Background(), formType, encode(r, testSecret))
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

func TestSign_KnownVectors(t *testing.T) {
	prep := &Request{
		ClickTransID: "123", ServiceID: "4567", MerchantTransID: "200",
		Amount: "89000", Action: ActionPrepare, SignTime: "2025-03-10 09:00:00",
	}
	assert.Equal(t, "9e465981600eb3f779ae59c38e50ef00", Sign(prep, "secret"))

	comp := &Request{
		ClickTransID: "123", ServiceID: "4567", MerchantTransID: "200", MerchantPrepareID: "15",
		Amount: "89000", Action: ActionComplete, SignTime: "2025-03-10 09:05:00",
	}
	assert.Equal(t, "00b135d4b2f9b5efaa95d0d03b3ae246", Sign(comp, "secret"))

	// The prepare id only counts on complete.
	prep.MerchantPrepareID = "15"
	assert.Equal(t, "9e465981600eb3f779ae59c38e50ef00", Sign(prep, "secret"))

	comp.SignString = strings.ToUpper("00b135d4b2f9b5efaa95d0d03b3ae246")
	assert.True(t, VerifySign(comp, "secret"))
	assert.False(t, VerifySign(comp, "other"))
}

func TestSignSensitivityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		field := rapid.StringMatching(`[0-9]{1,12}`)
		r := &Request{
			ClickTransID:      field.Draw(rt, "click_trans_id"),
			ServiceID:         field.Draw(rt, "service_id"),
			MerchantTransID:   field.Draw(rt, "merchant_trans_id"),
			MerchantPrepareID: field.Draw(rt, "merchant_prepare_id"),
			Amount:            field.Draw(rt, "amount"),
			Action:            rapid.SampledFrom([]string{ActionPrepare, ActionComplete}).Draw(rt, "action"),
			SignTime:          field.Draw(rt, "sign_time"),
		}
		secret := rapid.StringMatching(`[a-z]{1,16}`).Draw(rt, "secret")
		r.SignString = Sign(r, secret)
		if !VerifySign(r, secret) {
			rt.Fatal("own signature rejected")
		}

		mutated := *r
		switch rapid.IntRange(0, 5).Draw(rt, "field") {
		case 0:
			mutated.ClickTransID += "1"
		case 1:
			mutated.ServiceID += "1"
		case 2:
			mutated.MerchantTransID += "1"
		case 3:
			mutated.Amount += "1"
		case 4:
			mutated.SignTime += "1"
		case 5:
			if mutated.Action == ActionPrepare {
				mutated.Action = ActionComplete
			} else {
				mutated.Action = ActionPrepare
			}
		}
		if VerifySign(&mutated, secret) {
			rt.Fatalf("signature still valid after mutation: %+v", mutated)
		}
		if VerifySign(r, secret+"x") {
			rt.Fatal("signature valid under another secret")
		}
	})
}

func TestParseRequest(t *testing.T) {
	r, err := ParseRequest("application/json; charset=utf-8",
		[]byte(`{"click_trans_id": 98765, "amount": 89000.0, "action": 1, "merchant_trans_id": "42", "error": -5017}`))
	require.NoError(t, err)
	assert.Equal(t, "98765", r.ClickTransID)
	assert.Equal(t, "89000.0", r.Amount)
	assert.Equal(t, ActionComplete, r.Action)
	assert.Equal(t, -5017, r.ErrorCode())

	r, err = ParseRequest(formType, []byte("click_trans_id=1&merchant_prepare_id=17&action=0"))
	require.NoError(t, err)
	assert.Equal(t, int64(17), r.PrepareID())
	assert.Equal(t, ActionPrepare, r.Action)

	r, err = ParseRequest("", []byte(`{"click_trans_id": "5"}`))
	require.NoError(t, err)
	assert.Equal(t, "5", r.ClickTransID)

	_, err = ParseRequest("application/json", []byte(`{"click_trans_id": {"nested": true}}`))
	assert.Error(t, err)
	_, err = ParseRequest("application/json", []byte(`[1,2`))
	assert.Error(t, err)
}

func TestHandle_Rejections(t *testing.T) {
	f := newFixture(t, testSecret)
	f.onboard(t, 100)

	tests := []struct {
		name string
		req  func() *Request
		code int
		note string
	}{
		{"missing trans id", func() *Request { r := prepareReq("", 100); return r }, CodeBadRequest, "incorrect parameters"},
		{"unknown action", func() *Request { r := prepareReq("c1", 100); r.Action = "2"; return r }, CodeBadRequest, "incorrect parameters"},
		{"service mismatch", func() *Request { r := prepareReq("c1", 100); r.ServiceID = "1"; return r }, CodeBadRequest, "service_id mismatch"},
		{"bad sign", func() *Request { r := prepareReq("c1", 100); r.SignString = "deadbeef"; return r }, CodeSignFailed, "sign check failed"},
		{"non-numeric merchant id", func() *Request { r := prepareReq("c1", 100); r.MerchantTransID = "abc"; return r }, CodeUserNotFound, "user not found"},
		{"unknown user", func() *Request { return prepareReq("c1", 999) }, CodeUserNotFound, "user not found"},
		{"wrong amount", func() *Request { r := prepareReq("c1", 100); r.Amount = "1000"; return r }, CodeBadRequest, "incorrect amount"},
		{"unparseable amount", func() *Request { r := prepareReq("c1", 100); r.Amount = "lots"; return r }, CodeBadRequest, "incorrect amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.send(t, tt.req())
			assert.Equal(t, tt.code, resp.Error)
			assert.Equal(t, tt.note, resp.ErrorNote)
			require.NotNil(t, resp.MerchantPrepareID)
			assert.Nil(t, resp.MerchantConfirmID)
		})
	}
	assert.Zero(t, f.store.TransactionCount())
}

func TestHandle_MissingSecretFailsClosed(t *testing.T) {
	f := newFixture(t, "")
	f.onboard(t, 100)

	r := prepareReq("c1", 100)
	r.SignString = Sign(r, "")
	resp := f.gateway.Handle(context.Background(), formType, encode(r, ""))
	assert.Equal(t, CodeSignFailed, resp.Error)
	assert.Equal(t, "merchant secret not configured", resp.ErrorNote)
	assert.Zero(t, f.store.TransactionCount())
}

func TestHandle_UnparseableBody(t *testing.T) {
	f := newFixture(t, testSecret)
	resp := f.gateway.Handle(context.Background(), "application/json", []byte(`{"click_trans_id": "77", "x": [1]}`))
	assert.Equal(t, CodeBadRequest, resp.Error)
	assert.Equal(t, "77", resp.ClickTransID)
}

func TestPrepareComplete(t *testing.T) {
	f := newFixture(t, testSecret)
	f.onboard(t, 200)

	prep := f.send(t, prepareReq("c-200", 200))
	require.Equal(t, CodeSuccess, prep.Error, prep.ErrorNote)
	require.NotNil(t, prep.MerchantPrepareID)
	prepareID := *prep.MerchantPrepareID
	assert.Positive(t, prepareID)
	assert.Equal(t, model.PaymentPending, f.account(t, 200).PaymentStatus)

	// A repeated prepare reuses the row.
	again := f.send(t, prepareReq("c-200", 200))
	assert.Equal(t, CodeSuccess, again.Error)
	assert.Equal(t, prepareID, *again.MerchantPrepareID)
	assert.Equal(t, 1, f.store.TransactionCount())

	f.now = f.now.Add(5 * time.Minute)
	done := f.send(t, completeReq("c-200", 200, prepareID, 0))
	require.Equal(t, CodeSuccess, done.Error, done.ErrorNote)
	require.NotNil(t, done.MerchantConfirmID)
	assert.Equal(t, prepareID, *done.MerchantConfirmID)
	assert.Nil(t, done.MerchantPrepareID)

	acc := f.account(t, 200)
	assert.Equal(t, model.PaymentPaid, acc.PaymentStatus)
	row := f.ledgerRow(t, "c-200")
	assert.Equal(t, model.TxCompleted, row.Status)
	require.NotNil(t, row.Action)
	assert.Equal(t, 1, *row.Action)

	repeat := f.send(t, completeReq("c-200", 200, prepareID, 0))
	assert.Equal(t, CodeSuccess, repeat.Error)
	assert.Equal(t, 1, count(f.store.AuditActions(), model.AuditClickComplete))

	// A late failure notice never downgrades a completed payment.
	late := f.send(t, completeReq("c-200", 200, prepareID, -9))
	assert.Equal(t, CodeAlreadyPaid, late.Error)
	assert.Equal(t, model.TxCompleted, f.ledgerRow(t, "c-200").Status)
	assert.Equal(t, model.PaymentPaid, f.account(t, 200).PaymentStatus)

	// Paid accounts cannot prepare again.
	paid := f.send(t, prepareReq("c-200", 200))
	assert.Equal(t, CodeAlreadyPaid, paid.Error)
	assert.Equal(t, prepareID, *paid.MerchantPrepareID)
	fresh := f.send(t, prepareReq("c-201", 200))
	assert.Equal(t, CodeAlreadyPaid, fresh.Error)
	assert.Equal(t, int64(0), *fresh.MerchantPrepareID)
}

func TestComplete_ProviderError(t *testing.T) {
	tests := []struct {
		code   int
		status model.TxStatus
	}{
		{-5017, model.TxCancelled},
		{-9, model.TxCancelled},
		{-3, model.TxFailed},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			f := newFixture(t, testSecret)
			f.onboard(t, 300)
			prep := f.send(t, prepareReq("c-300", 300))
			require.Equal(t, CodeSuccess, prep.Error)

			resp := f.send(t, completeReq("c-300", 300, *prep.MerchantPrepareID, tt.code))
			assert.Equal(t, tt.code, resp.Error)
			assert.Equal(t, "failed", resp.ErrorNote)
			assert.Equal(t, tt.status, f.ledgerRow(t, "c-300").Status)
			assert.Equal(t, model.PaymentPending, f.account(t, 300).PaymentStatus)

			// The row is no longer completable.
			retry := f.send(t, completeReq("c-300", 300, *prep.MerchantPrepareID, 0))
			assert.Equal(t, CodeTransactionNotFound, retry.Error)
			assert.False(t, f.account(t, 300).IsPaid)
		})
	}
}

func TestComplete_PrepareIDChecks(t *testing.T) {
	f := newFixture(t, testSecret)
	f.onboard(t, 400)
	f.onboard(t, 401)
	prep := f.send(t, prepareReq("c-400", 400))
	require.Equal(t, CodeSuccess, prep.Error)
	id := *prep.MerchantPrepareID

	resp := f.send(t, completeReq("c-400", 400, 0, 0))
	assert.Equal(t, CodeTransactionNotFound, resp.Error)
	assert.Equal(t, "merchant_prepare_id required", resp.ErrorNote)

	resp = f.send(t, completeReq("c-400", 400, id+10, 0))
	assert.Equal(t, CodeTransactionNotFound, resp.Error)
	assert.Equal(t, "transaction not found", resp.ErrorNote)

	resp = f.send(t, completeReq("c-400", 401, id, 0))
	assert.Equal(t, CodeTransactionNotFound, resp.Error)

	resp = f.send(t, completeReq("c-unknown", 400, id, 0))
	assert.Equal(t, CodeTransactionNotFound, resp.Error)

	assert.False(t, f.account(t, 400).IsPaid)
}

func TestHandle_DecimalAmount(t *testing.T) {
	f := newFixture(t, testSecret)
	f.onboard(t, 500)
	r := prepareReq("c-500", 500)
	r.Amount = "89000.00"
	resp := f.send(t, r)
	assert.Equal(t, CodeSuccess, resp.Error, resp.ErrorNote)
}
