package payme

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
	"habit-marathon/internal/service"
)

// Gateway answers Payme merchant API calls. Every call runs in one unit of
// work, so a ledger change and the account activation commit together.
type Gateway struct {
	store       repository.Store
	activator   *service.Activator
	key         string
	amountTiyin int64
	metrics     *metrics.Collector
	methods     *registry
}

// NewGateway creates a Gateway. key is the merchant key; feeUZS is the
// expected payment in sums, Payme sends it in tiyin.
func NewGateway(store repository.Store, activator *service.Activator, key string, feeUZS int64, m *metrics.Collector) *Gateway {
	g := &Gateway{
		store:       store,
		activator:   activator,
		key:         key,
		amountTiyin: feeUZS * 100,
		metrics:     m,
		methods:     newRegistry(),
	}
	for name, fn := range map[string]method{
		MethodCheckPerformTransaction: g.checkPerformTransaction,
		MethodCreateTransaction:       g.createTransaction,
		MethodPerformTransaction:      g.performTransaction,
		MethodCancelTransaction:       g.cancelTransaction,
		MethodCheckTransaction:        g.checkTransaction,
	} {
		if err := g.methods.register(name, fn); err != nil {
			panic(err)
		}
	}
	return g
}

// Methods returns the supported method names.
func (g *Gateway) Methods() []string {
	return g.methods.names()
}

// Handle processes one raw request body and always returns an envelope.
func (g *Gateway) Handle(ctx context.Context, creds Credentials, body []byte) *Response {
	var req Request
	parseErr := json.Unmarshal(body, &req)

	if !Authorized(g.key, creds) {
		return g.fail(req.ID, req.Method, errUnauthorized)
	}
	if parseErr != nil {
		return g.fail(nil, "", errParse)
	}
	if req.Method == "" {
		return g.fail(req.ID, "", errInvalidRequest)
	}
	m, ok := g.methods.get(req.Method)
	if !ok {
		return g.fail(req.ID, req.Method, errMethodNotFound)
	}

	var params Params
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return g.fail(req.ID, req.Method, errInvalidParams)
		}
	}

	var (
		result    any
		activated bool
	)
	err := service.RunTx(ctx, g.store, func(tx *repository.Tx) error {
		c := &call{tx: tx, params: &params}
		var err error
		result, err = m(ctx, c)
		activated = c.activated
		return err
	})
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			log.Error().Err(err).Str("method", req.Method).Str("transaction", params.ID).Msg("Payme call failed")
			rpcErr = errInternal
		}
		return g.fail(req.ID, req.Method, rpcErr)
	}

	if activated {
		g.metrics.RecordActivation(service.SourcePayme)
		log.Info().Str("transaction", params.ID).Msg("Account activated by Payme")
	}
	g.metrics.RecordWebhook(model.ProviderPayme, req.Method, 0)
	return &Response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (g *Gateway) fail(id json.RawMessage, method string, e *Error) *Response {
	if method == "" {
		method = "unknown"
	}
	g.metrics.RecordWebhook(model.ProviderPayme, method, e.Code)
	return &Response{JSONRPC: "2.0", Error: e, ID: id}
}

// payer validates the amount and resolves the paying account.
func (g *Gateway) payer(ctx context.Context, c *call) (*model.Account, error) {
	if int64(c.params.Amount) != g.amountTiyin {
		return nil, errIncorrectAmount
	}
	tgID := int64(c.params.Account.TelegramID)
	if tgID == 0 {
		return nil, errAccountNotFound
	}
	acc, err := c.tx.Accounts.GetByTelegramIDForUpdate(ctx, tgID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errAccountNotFound
	}
	return acc, err
}

func (g *Gateway) transaction(ctx context.Context, c *call) (*model.PaymentTransaction, error) {
	if c.params.ID == "" {
		return nil, errInvalidParams
	}
	row, err := c.tx.Ledger.FindForUpdate(ctx, model.ProviderPayme, c.params.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errTransactionNotFound
	}
	return row, err
}

func (g *Gateway) owner(ctx context.Context, c *call, row *model.PaymentTransaction) (*model.Account, error) {
	acc, err := c.tx.Accounts.GetByID(ctx, row.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errAccountNotFound
	}
	return acc, err
}

func (g *Gateway) checkPerformTransaction(ctx context.Context, c *call) (any, error) {
	acc, err := g.payer(ctx, c)
	if err != nil {
		return nil, err
	}
	if !acc.RegistrationCompleted || !acc.SetupCompleted() {
		return nil, errAccountNotReady
	}
	return map[string]bool{"allow": true}, nil
}

func (g *Gateway) createTransaction(ctx context.Context, c *call) (any, error) {
	if c.params.ID == "" {
		return nil, errInvalidParams
	}
	acc, err := g.payer(ctx, c)
	if err != nil {
		return nil, err
	}

	signTime := strconv.FormatInt(c.params.Time, 10)
	row, created, err := c.tx.Ledger.CreateIfAbsent(ctx, &model.PaymentTransaction{
		AccountID:       acc.ID,
		Provider:        model.ProviderPayme,
		ProviderTransID: c.params.ID,
		MerchantTransID: strconv.FormatInt(acc.TelegramID, 10),
		Amount:          int64(c.params.Amount) / 100,
		Status:          model.TxCreated,
		SignTime:        &signTime,
	})
	if err != nil {
		return nil, err
	}
	if created {
		if _, err := g.activator.MarkPending(ctx, c.tx, acc); err != nil {
			return nil, err
		}
		err = c.tx.Audit.Append(ctx, &model.AuditRecord{
			Action:           model.AuditPaymeCreate,
			TargetTelegramID: &acc.TelegramID,
			Payload:          map[string]any{"transaction": row.ProviderTransID, "amount": int64(c.params.Amount)},
		})
		if err != nil {
			return nil, err
		}
	}

	return createResult{
		CreateTime:  row.CreatedAt.UnixMilli(),
		Transaction: row.ProviderTransID,
		State:       stateOf(row.Status),
	}, nil
}

func (g *Gateway) performTransaction(ctx context.Context, c *call) (any, error) {
	row, err := g.transaction(ctx, c)
	if err != nil {
		return nil, err
	}
	acc, err := g.owner(ctx, c, row)
	if err != nil {
		return nil, err
	}

	if row.Status != model.TxCompleted {
		now := g.activator.Now()
		updated, ok, err := c.tx.Ledger.UpdateStatus(ctx, row.ID, repository.StatusUpdate{
			Status:      model.TxCompleted,
			From:        []model.TxStatus{model.TxCreated, model.TxPrepared, model.TxCancelled, model.TxFailed},
			PerformedAt: &now,
		})
		if err != nil {
			return nil, err
		}
		row = updated
		if ok {
			res, err := g.activator.Activate(ctx, c.tx, acc)
			if err != nil {
				return nil, err
			}
			c.activated = !res.AlreadyActive
			err = c.tx.Audit.Append(ctx, &model.AuditRecord{
				Action:           model.AuditPaymePerform,
				TargetTelegramID: &acc.TelegramID,
				Payload: map[string]any{
					"transaction":    row.ProviderTransID,
					"already_active": res.AlreadyActive,
				},
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return performResult{
		Transaction: row.ProviderTransID,
		PerformTime: millis(row.PerformedAt),
		State:       StateCompleted,
	}, nil
}

func (g *Gateway) cancelTransaction(ctx context.Context, c *call) (any, error) {
	row, err := g.transaction(ctx, c)
	if err != nil {
		return nil, err
	}

	reason := 0
	if c.params.Reason != nil {
		reason = *c.params.Reason
	}
	now := g.activator.Now()
	updated, ok, err := c.tx.Ledger.UpdateStatus(ctx, row.ID, repository.StatusUpdate{
		Status:       model.TxCancelled,
		From:         []model.TxStatus{model.TxCreated, model.TxPrepared, model.TxCompleted, model.TxFailed},
		CancelReason: &reason,
		CancelledAt:  &now,
	})
	if err != nil {
		return nil, err
	}
	row = updated

	if ok {
		acc, err := g.owner(ctx, c, row)
		if err != nil {
			return nil, err
		}
		if _, err := g.activator.MarkPending(ctx, c.tx, acc); err != nil {
			return nil, err
		}
		err = c.tx.Audit.Append(ctx, &model.AuditRecord{
			Action:           model.AuditPaymeCancel,
			TargetTelegramID: &acc.TelegramID,
			Payload:          map[string]any{"transaction": row.ProviderTransID, "reason": reason},
		})
		if err != nil {
			return nil, err
		}
	}

	return cancelResult{
		Transaction: row.ProviderTransID,
		CancelTime:  millis(row.CancelledAt),
		State:       StateCancelled,
	}, nil
}

func (g *Gateway) checkTransaction(ctx context.Context, c *call) (any, error) {
	row, err := g.transaction(ctx, c)
	if err != nil {
		return nil, err
	}
	return checkResult{
		CreateTime:  row.CreatedAt.UnixMilli(),
		PerformTime: millis(row.PerformedAt),
		CancelTime:  millis(row.CancelledAt),
		Transaction: row.ProviderTransID,
		State:       stateOf(row.Status),
		Reason:      row.CancelReason,
	}, nil
}

func millis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
