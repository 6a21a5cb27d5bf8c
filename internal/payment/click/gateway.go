package click

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
	"habit-marathon/internal/service"
)

// Error codes returned to Click.
const (
	CodeSuccess             = 0
	CodeSignFailed          = -1
	CodeBadRequest          = -2
	CodeAlreadyPaid         = -4
	CodeUserNotFound        = -5
	CodeTransactionNotFound = -6
	CodeInternal            = -7
)

// Provider error codes on complete that mean the payer cancelled.
var cancelCodes = map[int]bool{-5017: true, -9: true}

// Response is the callback answer. Prepare responses carry
// MerchantPrepareID, complete responses carry MerchantConfirmID.
type Response struct {
	ClickTransID      string `json:"click_trans_id"`
	MerchantTransID   string `json:"merchant_trans_id"`
	MerchantPrepareID *int64 `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID *int64 `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// Gateway answers Click prepare and complete callbacks.
type Gateway struct {
	store     repository.Store
	activator *service.Activator
	serviceID string
	secret    string
	feeUZS    int64
	metrics   *metrics.Collector
}

// NewGateway creates a Gateway. An empty serviceID accepts any service; an
// empty secret rejects every call.
func NewGateway(
	store repository.Store,
	activator *service.Activator,
	serviceID, secret string,
	feeUZS int64,
	m *metrics.Collector,
) *Gateway {
	return &Gateway{
		store:     store,
		activator: activator,
		serviceID: serviceID,
		secret:    secret,
		feeUZS:    feeUZS,
		metrics:   m,
	}
}

// outcome is the result of one callback before it is rendered.
type outcome struct {
	id        int64
	code      int
	note      string
	activated bool
}

// Handle processes one raw callback body and always returns a response.
func (g *Gateway) Handle(ctx context.Context, contentType string, body []byte) *Response {
	req, err := ParseRequest(contentType, body)
	if err != nil {
		log.Warn().Err(err).Msg("Unparseable Click callback")
		return g.respond(req, outcome{code: CodeBadRequest, note: "incorrect parameters"})
	}
	out := g.process(ctx, req)
	if out.activated {
		g.metrics.RecordActivation(service.SourceClick)
		log.Info().Str("click_trans_id", req.ClickTransID).Str("merchant_trans_id", req.MerchantTransID).
			Msg("Account activated by Click")
	}
	return g.respond(req, out)
}

func (g *Gateway) respond(req *Request, out outcome) *Response {
	resp := &Response{
		ClickTransID:    req.ClickTransID,
		MerchantTransID: req.MerchantTransID,
		Error:           out.code,
		ErrorNote:       out.note,
	}
	id := out.id
	method := "prepare"
	if req.Action == ActionComplete {
		method = "complete"
		resp.MerchantConfirmID = &id
	} else {
		resp.MerchantPrepareID = &id
	}
	g.metrics.RecordWebhook(model.ProviderClick, method, out.code)
	return resp
}

func (g *Gateway) process(ctx context.Context, req *Request) outcome {
	// Rejections before the ledger is touched echo the caller's prepare id.
	echo := int64(0)
	if req.Action == ActionComplete {
		echo = req.PrepareID()
	}

	switch {
	case req.ClickTransID == "" || req.ServiceID == "" || req.MerchantTransID == "":
		return outcome{code: CodeBadRequest, note: "incorrect parameters"}
	case req.Action != ActionPrepare && req.Action != ActionComplete:
		return outcome{code: CodeBadRequest, note: "incorrect parameters"}
	case g.serviceID != "" && req.ServiceID != g.serviceID:
		return outcome{code: CodeBadRequest, note: "service_id mismatch"}
	case g.secret == "":
		return outcome{code: CodeSignFailed, note: "merchant secret not configured"}
	case !VerifySign(req, g.secret):
		return outcome{id: echo, code: CodeSignFailed, note: "sign check failed"}
	}

	tgID, err := strconv.ParseInt(req.MerchantTransID, 10, 64)
	if err != nil {
		return outcome{id: echo, code: CodeUserNotFound, note: "user not found"}
	}

	var out outcome
	err = service.RunTx(ctx, g.store, func(tx *repository.Tx) error {
		acc, err := tx.Accounts.GetByTelegramIDForUpdate(ctx, tgID)
		if errors.Is(err, repository.ErrNotFound) {
			out = outcome{id: echo, code: CodeUserNotFound, note: "user not found"}
			return nil
		}
		if err != nil {
			return err
		}

		amount, err := strconv.ParseFloat(req.Amount, 64)
		if err != nil || amount != float64(g.feeUZS) {
			out = outcome{id: echo, code: CodeBadRequest, note: "incorrect amount"}
			return nil
		}

		if req.Action == ActionPrepare {
			out, err = g.prepare(ctx, tx, req, acc)
		} else {
			out, err = g.complete(ctx, tx, req, acc)
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("click_trans_id", req.ClickTransID).Msg("Click callback failed")
		return outcome{id: echo, code: CodeInternal, note: "internal error"}
	}
	return out
}

func (g *Gateway) prepare(ctx context.Context, tx *repository.Tx, req *Request, acc *model.Account) (outcome, error) {
	if acc.PaymentStatus == model.PaymentPaid {
		var id int64
		existing, err := tx.Ledger.Find(ctx, model.ProviderClick, req.ClickTransID)
		switch {
		case err == nil:
			id = existing.ID
		case !errors.Is(err, repository.ErrNotFound):
			return outcome{}, err
		}
		return outcome{id: id, code: CodeAlreadyPaid, note: "already paid"}, nil
	}

	action := 0
	errCode := req.ErrorCode()
	signTime := req.SignTime
	row, created, err := tx.Ledger.CreateIfAbsent(ctx, &model.PaymentTransaction{
		AccountID:       acc.ID,
		Provider:        model.ProviderClick,
		ProviderTransID: req.ClickTransID,
		MerchantTransID: req.MerchantTransID,
		Amount:          g.feeUZS,
		Status:          model.TxPrepared,
		Action:          &action,
		ErrorCode:       &errCode,
		SignTime:        &signTime,
	})
	if err != nil {
		return outcome{}, err
	}
	if !created {
		row, _, err = tx.Ledger.UpdateStatus(ctx, row.ID, repository.StatusUpdate{
			Status:    model.TxPrepared,
			From:      []model.TxStatus{model.TxCreated, model.TxPrepared, model.TxCancelled, model.TxFailed},
			Action:    &action,
			ErrorCode: &errCode,
			SignTime:  &signTime,
		})
		if err != nil {
			return outcome{}, err
		}
	}

	if _, err := g.activator.MarkPending(ctx, tx, acc); err != nil {
		return outcome{}, err
	}
	err = tx.Audit.Append(ctx, &model.AuditRecord{
		Action:           model.AuditClickPrepare,
		TargetTelegramID: &acc.TelegramID,
		Payload: map[string]any{
			"click_trans_id":      req.ClickTransID,
			"merchant_prepare_id": row.ID,
			"created":             created,
		},
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{id: row.ID, code: CodeSuccess, note: "success"}, nil
}

func (g *Gateway) complete(ctx context.Context, tx *repository.Tx, req *Request, acc *model.Account) (outcome, error) {
	prepareID := req.PrepareID()
	if prepareID <= 0 {
		return outcome{id: prepareID, code: CodeTransactionNotFound, note: "merchant_prepare_id required"}, nil
	}

	row, err := tx.Ledger.FindForUpdate(ctx, model.ProviderClick, req.ClickTransID)
	if errors.Is(err, repository.ErrNotFound) {
		return outcome{id: prepareID, code: CodeTransactionNotFound, note: "transaction not found"}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	if row.ID != prepareID || row.MerchantTransID != req.MerchantTransID ||
		(row.Status != model.TxPrepared && row.Status != model.TxCompleted) {
		return outcome{id: prepareID, code: CodeTransactionNotFound, note: "transaction not found"}, nil
	}

	action := 1
	errCode := req.ErrorCode()
	signTime := req.SignTime
	row, _, err = tx.Ledger.UpdateStatus(ctx, row.ID, repository.StatusUpdate{
		Status:    row.Status,
		From:      []model.TxStatus{row.Status},
		Action:    &action,
		ErrorCode: &errCode,
		SignTime:  &signTime,
	})
	if err != nil {
		return outcome{}, err
	}

	if errCode < 0 {
		if row.Status == model.TxCompleted {
			return outcome{id: row.ID, code: CodeAlreadyPaid, note: "already paid"}, nil
		}
		status := model.TxFailed
		if cancelCodes[errCode] {
			status = model.TxCancelled
		}
		now := g.activator.Now()
		upd := repository.StatusUpdate{Status: status, From: []model.TxStatus{model.TxPrepared}}
		if status == model.TxCancelled {
			upd.CancelledAt = &now
		}
		if _, _, err := tx.Ledger.UpdateStatus(ctx, row.ID, upd); err != nil {
			return outcome{}, err
		}
		if _, err := g.activator.MarkPending(ctx, tx, acc); err != nil {
			return outcome{}, err
		}
		err = tx.Audit.Append(ctx, &model.AuditRecord{
			Action:           model.AuditClickComplete,
			TargetTelegramID: &acc.TelegramID,
			Payload: map[string]any{
				"click_trans_id": req.ClickTransID,
				"status":         string(status),
				"error":          errCode,
			},
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{id: row.ID, code: errCode, note: "failed"}, nil
	}

	if row.Status == model.TxCompleted && acc.PaymentStatus == model.PaymentPaid {
		return outcome{id: row.ID, code: CodeSuccess, note: "success"}, nil
	}

	now := g.activator.Now()
	if _, _, err := tx.Ledger.UpdateStatus(ctx, row.ID, repository.StatusUpdate{
		Status:      model.TxCompleted,
		From:        []model.TxStatus{model.TxPrepared, model.TxCompleted},
		PerformedAt: &now,
	}); err != nil {
		return outcome{}, err
	}
	res, err := g.activator.Activate(ctx, tx, acc)
	if err != nil {
		return outcome{}, err
	}
	err = tx.Audit.Append(ctx, &model.AuditRecord{
		Action:           model.AuditClickComplete,
		TargetTelegramID: &acc.TelegramID,
		Payload: map[string]any{
			"click_trans_id": req.ClickTransID,
			"status":         string(model.TxCompleted),
			"already_active": res.AlreadyActive,
		},
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{id: row.ID, code: CodeSuccess, note: "success", activated: !res.AlreadyActive}, nil
}
