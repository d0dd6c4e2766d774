package payu_test

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
	"paycore/internal/processors/payu"
)

type stubOrder struct {
	total money.Amount
}

func (o stubOrder) GetTotalAmount() money.Amount     { return o.total }
func (o stubOrder) GetDescription() string           { return "Order 42" }
func (o stubOrder) GetItems() []payment.Item         { return nil }
func (o stubOrder) GetBuyerInfo() payment.Buyer      { return payment.Buyer{Email: "buyer@example.com"} }
func (o stubOrder) IsReadyForPayment() bool          { return true }
func (o stubOrder) GetReturnURL(success bool) string { return "" }

const secondKey = "13a980d4f851f3d9a1cfc792fb1f5e50"

func newProcessor(t *testing.T, baseURL string) (*payu.Processor, *payment.Payment) {
	t.Helper()
	p, err := payment.New(stubOrder{total: money.MustFromString("123.45")}, "order-42", payu.Slug, money.PLN)
	require.NoError(t, err)

	settings := processor.NewSettings(map[string]string{
		payu.OptAPIBase:      baseURL,
		payu.OptPosID:        "300746",
		payu.OptSecondKey:    secondKey,
		payu.OptClientID:     "client",
		payu.OptClientSecret: "secret",
	})
	return payu.New(p, settings), p
}

// oauthHandler serves a token endpoint and counts how often it is hit.
func oauthHandler(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	var oauthHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/pl/standard/user/oauth/authorize", oauthHandler(&oauthHits))
	mux.HandleFunc("/api/v2_1/orders", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "300746", req["merchantPosId"])
		require.Equal(t, "PLN", req["currencyCode"])
		require.Equal(t, "12345", req["totalAmount"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      map[string]string{"statusCode": "SUCCESS"},
			"redirectUri": "https://secure.example/continue",
			"orderId":     "PAYU-ORDER-1",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	proc, _ := newProcessor(t, srv.URL)

	prepared, err := proc.Prepare(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://secure.example/continue", prepared.URL)
	require.Equal(t, "PAYU-ORDER-1", prepared.ExternalID)
	require.Equal(t, processor.MethodGet, prepared.Method)

	// A second call reuses the cached token.
	_, err = proc.Prepare(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), oauthHits.Load())
}

func TestPrepareRejected(t *testing.T) {
	t.Parallel()

	var oauthHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/pl/standard/user/oauth/authorize", oauthHandler(&oauthHits))
	mux.HandleFunc("/api/v2_1/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]string{"statusCode": "ERROR_VALUE_INVALID"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	proc, _ := newProcessor(t, srv.URL)

	_, err := proc.Prepare(context.Background())
	require.Error(t, err)
	require.True(t, payment.IsKind(err, payment.KindLockFailure))
}

func TestOAuthFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/pl/standard/user/oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	proc, _ := newProcessor(t, srv.URL)

	_, err := proc.Prepare(context.Background())
	require.Error(t, err)
	require.True(t, payment.IsCommunicationError(err) || payment.IsKind(err, payment.KindLockFailure))
}

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		remote      string
		wantTrigger payment.Trigger
		wantAmount  string
	}{
		{name: "new", remote: "NEW", wantTrigger: payment.TriggerConfirmPrepared},
		{name: "pending", remote: "PENDING", wantTrigger: payment.TriggerConfirmPrepared},
		{name: "waiting", remote: "WAITING_FOR_CONFIRMATION", wantTrigger: payment.TriggerConfirmLock},
		{name: "completed", remote: "COMPLETED", wantTrigger: payment.TriggerConfirmPayment, wantAmount: "123.45"},
		{name: "canceled", remote: "CANCELED", wantTrigger: payment.TriggerFail},
		{name: "unknown", remote: "REJECTED_BY_MARS", wantTrigger: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var oauthHits atomic.Int64
			mux := http.NewServeMux()
			mux.HandleFunc("/pl/standard/user/oauth/authorize", oauthHandler(&oauthHits))
			mux.HandleFunc("/api/v2_1/orders/PAYU-ORDER-1", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"orders": []map[string]string{{
						"status":      tt.remote,
						"totalAmount": "12345",
					}},
					"status": map[string]string{"statusCode": "SUCCESS"},
				})
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			proc, p := newProcessor(t, srv.URL)
			p.SetExternalID("PAYU-ORDER-1")

			report, err := proc.FetchStatus(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.wantTrigger, report.Trigger)
			if tt.wantAmount != "" {
				require.NotNil(t, report.Amount)
				require.True(t, report.Amount.Equal(money.MustFromString(tt.wantAmount)))
			}
		})
	}
}

func signBody(t *testing.T, body []byte, algorithm string) string {
	t.Helper()
	payload := append(append([]byte{}, body...), secondKey...)
	switch algorithm {
	case "MD5":
		sum := md5.Sum(payload)
		return hex.EncodeToString(sum[:])
	case "SHA-256":
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	default:
		t.Fatalf("unknown algorithm %q", algorithm)
		return ""
	}
}

func TestVerifyCallback(t *testing.T) {
	t.Parallel()

	body := []byte(`{"order":{"status":"COMPLETED","totalAmount":"12345"}}`)

	tests := []struct {
		name      string
		header    string
		wantError bool
	}{
		{
			name:   "valid MD5 signature",
			header: "sender=checkout;signature={md5};algorithm=MD5;content=DOCUMENT",
		},
		{
			name:   "valid SHA-256 signature",
			header: "sender=checkout;signature={sha256};algorithm=SHA-256;content=DOCUMENT",
		},
		{
			name:   "algorithm defaults to MD5",
			header: "signature={md5}",
		},
		{
			name:      "tampered signature",
			header:    "signature=deadbeefdeadbeefdeadbeefdeadbeef;algorithm=MD5",
			wantError: true,
		},
		{
			name:      "unsupported algorithm",
			header:    "signature={md5};algorithm=ROT13",
			wantError: true,
		},
		{
			name:      "missing signature property",
			header:    "sender=checkout;algorithm=MD5",
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			proc, _ := newProcessor(t, "http://unused.example")

			header := tt.header
			header = strings.ReplaceAll(header, "{md5}", signBody(t, body, "MD5"))
			header = strings.ReplaceAll(header, "{sha256}", signBody(t, body, "SHA-256"))

			r := httptest.NewRequest(http.MethodPost, "/callback", nil)
			r.Header.Set("OpenPayu-Signature", header)

			err := proc.VerifyCallback(r, body)
			if tt.wantError {
				require.Error(t, err)
				require.True(t, payment.IsKind(err, payment.KindInvalidCallback))
			} else {
				require.NoError(t, err)
			}
		})
	}

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()

		proc, _ := newProcessor(t, "http://unused.example")
		r := httptest.NewRequest(http.MethodPost, "/callback", nil)
		require.Error(t, proc.VerifyCallback(r, body))
	})
}

func TestHandleCallback(t *testing.T) {
	t.Parallel()

	proc, _ := newProcessor(t, "http://unused.example")

	t.Run("order completion", func(t *testing.T) {
		t.Parallel()

		body := []byte(`{"order":{"status":"COMPLETED","totalAmount":"12345"}}`)
		r := httptest.NewRequest(http.MethodPost, "/callback", nil)

		result, err := proc.HandleCallback(context.Background(), r, body)
		require.NoError(t, err)
		require.Equal(t, payment.TriggerConfirmPayment, result.Trigger)
		require.NotNil(t, result.Amount)
		require.True(t, result.Amount.Equal(money.MustFromString("123.45")))
		require.Equal(t, http.StatusOK, result.ResponseStatus)
	})

	t.Run("order cancellation", func(t *testing.T) {
		t.Parallel()

		body := []byte(`{"order":{"status":"CANCELED"}}`)
		r := httptest.NewRequest(http.MethodPost, "/callback", nil)

		result, err := proc.HandleCallback(context.Background(), r, body)
		require.NoError(t, err)
		require.Equal(t, payment.TriggerFail, result.Trigger)
	})

	t.Run("finalized refund", func(t *testing.T) {
		t.Parallel()

		body := []byte(`{"refund":{"status":"FINALIZED","amount":"2500"}}`)
		r := httptest.NewRequest(http.MethodPost, "/callback", nil)

		result, err := proc.HandleCallback(context.Background(), r, body)
		require.NoError(t, err)
		require.Equal(t, payment.TriggerConfirmRefund, result.Trigger)
		require.True(t, result.Amount.Equal(money.MustFromString("25.00")))
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodPost, "/callback", nil)
		_, err := proc.HandleCallback(context.Background(), r, []byte("not json"))
		require.Error(t, err)
	})

	t.Run("neither order nor refund", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodPost, "/callback", nil)
		_, err := proc.HandleCallback(context.Background(), r, []byte(`{}`))
		require.Error(t, err)
	})
}

func TestCharge(t *testing.T) {
	t.Parallel()

	var oauthHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/pl/standard/user/oauth/authorize", oauthHandler(&oauthHits))
	mux.HandleFunc("/api/v2_1/orders/PAYU-ORDER-1/status", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]string{"statusCode": "SUCCESS"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	proc, p := newProcessor(t, srv.URL)
	p.SetExternalID("PAYU-ORDER-1")

	res, err := proc.Charge(context.Background(), money.MustFromString("123.45"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.AmountCharged)
	require.True(t, res.AmountCharged.Equal(money.MustFromString("123.45")))
}

func TestStartRefund(t *testing.T) {
	t.Parallel()

	var oauthHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/pl/standard/user/oauth/authorize", oauthHandler(&oauthHits))
	mux.HandleFunc("/api/v2_1/orders/PAYU-ORDER-1/refunds", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]string{"statusCode": "SUCCESS"},
			"refund": map[string]string{
				"refundId": "REFUND-9",
				"amount":   "5000",
				"status":   "PENDING",
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	proc, p := newProcessor(t, srv.URL)
	p.SetExternalID("PAYU-ORDER-1")

	accepted, err := proc.StartRefund(context.Background(), money.MustFromString("50.00"))
	require.NoError(t, err)
	require.True(t, accepted.Equal(money.MustFromString("50.00")))
	require.Equal(t, "REFUND-9", p.RefundExternalID)
}
