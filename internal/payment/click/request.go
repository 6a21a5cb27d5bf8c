// Package click implements the Click SHOP-API merchant callbacks: a prepare
// call that reserves a payment and a complete call that settles it, both
// signed with an MD5 digest over the request fields and a shared secret.
package click

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

// Actions.
const (
	ActionPrepare  = "0"
	ActionComplete = "1"
)

// Request holds the callback fields as received. Values stay strings because
// the signature covers their exact textual form.
type Request struct {
	ClickTransID      string
	ServiceID         string
	ClickPaydocID     string
	MerchantTransID   string
	MerchantPrepareID string
	Amount            string
	Action            string
	Error             string
	ErrorNote         string
	SignTime          string
	SignString        string
}

// ParseRequest decodes a form-encoded or JSON callback body. On failure it
// still returns whatever fields could be read.
func ParseRequest(contentType string, body []byte) (*Request, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	fields := make(map[string]string)
	if mediaType == "application/json" || (mediaType == "" && looksLikeJSON(body)) {
		if err := parseJSON(body, fields); err != nil {
			return fromFields(fields), err
		}
	} else {
		values, err := url.ParseQuery(string(body))
		for k, v := range values {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
		if err != nil {
			return fromFields(fields), fmt.Errorf("failed to parse form body: %w", err)
		}
	}
	return fromFields(fields), nil
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// parseJSON stringifies scalar values of a flat JSON object.
func parseJSON(body []byte, fields map[string]string) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to parse JSON body: %w", err)
	}
	var err error
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = strconv.FormatBool(val)
		case nil:
			fields[k] = ""
		default:
			if err == nil {
				err = fmt.Errorf("field %s is not a scalar", k)
			}
		}
	}
	return err
}

func fromFields(f map[string]string) *Request {
	get := func(k string) string { return strings.TrimSpace(f[k]) }
	return &Request{
		ClickTransID:      get("click_trans_id"),
		ServiceID:         get("service_id"),
		ClickPaydocID:     get("click_paydoc_id"),
		MerchantTransID:   get("merchant_trans_id"),
		MerchantPrepareID: get("merchant_prepare_id"),
		Amount:            get("amount"),
		Action:            get("action"),
		Error:             get("error"),
		ErrorNote:         get("error_note"),
		SignTime:          get("sign_time"),
		SignString:        get("sign_string"),
	}
}

// PrepareID returns merchant_prepare_id as an integer, or 0.
func (r *Request) PrepareID() int64 {
	id, err := strconv.ParseInt(r.MerchantPrepareID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ErrorCode returns the provider error code, or 0.
func (r *Request) ErrorCode() int {
	code, err := strconv.Atoi(r.Error)
	if err != nil {
		return 0
	}
	return code
}

// Sign computes the expected sign_string for r with secret.
func Sign(r *Request, secret string) string {
	var b strings.Builder
	b.WriteString(r.ClickTransID)
	b.WriteString(r.ServiceID)
	b.WriteString(secret)
	b.WriteString(r.MerchantTransID)
	if r.Action == ActionComplete {
		b.WriteString(r.MerchantPrepareID)
	}
	b.WriteString(r.Amount)
	b.WriteString(r.Action)
	b.WriteString(r.SignTime)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifySign reports whether r carries a valid signature. The comparison is
// case-insensitive and constant time.
func VerifySign(r *Request, secret string) bool {
	expected := Sign(r, secret)
	got := strings.ToLower(r.SignString)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
