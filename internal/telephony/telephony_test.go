package telephony_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/resilience"
	"github.com/voxline-ai/voxline/internal/telephony"
)

func TestValidDID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		did  string
		want bool
	}{
		{"+1 (555) 123-4567", true},
		{"15551234567", true},
		{"555-1234", false},
		{"", false},
		{"+44 20 7946 0958", true},
		{"abcdefghij", false},
	}
	for _, tc := range cases {
		if got := telephony.ValidDID(tc.did); got != tc.want {
			t.Errorf("ValidDID(%q) = %v; want %v", tc.did, got, tc.want)
		}
	}
}

func TestPlaceCall_SendsDialRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calls" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["from"] != "+15551234567" || body["to"] != "+15557654321" {
			t.Errorf("body = %v", body)
		}
		if body["webhookUrl"] != "wss://vox.example/stream/mulaw" {
			t.Errorf("webhookUrl = %q", body["webhookUrl"])
		}
		fmt.Fprint(w, `{"callSid":"CA123","status":"queued"}`)
	}))
	t.Cleanup(srv.Close)

	d := telephony.NewDispatcher(srv.URL, telephony.WithStaticToken("tok-1"))
	res, err := d.PlaceCall(context.Background(), "+15551234567", "+15557654321", telephony.Webhooks{
		Media:          "wss://vox.example/stream/mulaw",
		StatusCallback: "https://vox.example/status",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if res.CallSID != "CA123" || res.Status != "queued" {
		t.Errorf("result = %+v", res)
	}
}

func TestPlaceCall_RejectsShortDID(t *testing.T) {
	t.Parallel()

	d := telephony.NewDispatcher("http://carrier.invalid")
	_, err := d.PlaceCall(context.Background(), "555-1234", "+15557654321", telephony.Webhooks{})
	if !errors.Is(err, telephony.ErrInvalidDID) {
		t.Errorf("err = %v; want ErrInvalidDID", err)
	}
}

func TestPlaceCall_SurfacesCarrierErrorVerbatim(t *testing.T) {
	t.Parallel()

	const carrierText = `{"code":21211,"message":"The 'To' number is not a valid phone number."}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, carrierText, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	d := telephony.NewDispatcher(srv.URL)
	_, err := d.PlaceCall(context.Background(), "+15551234567", "garbage", telephony.Webhooks{})

	var ce *telephony.CarrierError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v; want *CarrierError", err)
	}
	if ce.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", ce.StatusCode)
	}
	if ce.Text != carrierText {
		t.Errorf("Text = %q; want the carrier body verbatim", ce.Text)
	}
}

func TestPlaceCall_AcquiresAndCachesToken(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_id") != "vox" {
			t.Errorf("form = %v", r.PostForm)
		}
		fmt.Fprint(w, `{"access_token":"tok-issued","expires_in":3600}`)
	})
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-issued" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"sid":"CA9","status":"queued"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	d := telephony.NewDispatcher(srv.URL,
		telephony.WithTokenEndpoint(srv.URL+"/oauth/token", "vox", "s3cret"))

	for range 3 {
		res, err := d.PlaceCall(context.Background(), "+15551234567", "+15557654321", telephony.Webhooks{})
		if err != nil {
			t.Fatalf("PlaceCall: %v", err)
		}
		if res.CallSID != "CA9" {
			t.Errorf("CallSID = %q", res.CallSID)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times; want 1 (cached)", got)
	}
}

func TestPlaceCall_NoSIDInResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"queued"}`)
	}))
	t.Cleanup(srv.Close)

	d := telephony.NewDispatcher(srv.URL)
	_, err := d.PlaceCall(context.Background(), "+15551234567", "+15557654321", telephony.Webhooks{})
	if err == nil || !strings.Contains(err.Error(), "no call SID") {
		t.Errorf("err = %v; want missing-SID error", err)
	}
}

func TestPlaceCall_BreakerOpensOnCarrierOutage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	d := telephony.NewDispatcher(srv.URL,
		telephony.WithBreaker(resilience.NewBreaker(resilience.Config{
			Name:         "test-dial",
			MaxFailures:  2,
			ResetTimeout: time.Minute,
		})))

	for i := 0; i < 2; i++ {
		var ce *telephony.CarrierError
		_, err := d.PlaceCall(context.Background(), "+15551234567", "+15557654321", telephony.Webhooks{})
		if !errors.As(err, &ce) || ce.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}

	_, err := d.PlaceCall(context.Background(), "+15551234567", "+15557654321", telephony.Webhooks{})
	if !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v; want ErrOpen", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("carrier hit %d times; want 2 (breaker short-circuits)", got)
	}
}

func TestPlaceCall_RejectionsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	d := telephony.NewDispatcher(srv.URL,
		telephony.WithBreaker(resilience.NewBreaker(resilience.Config{
			Name:         "test-dial",
			MaxFailures:  2,
			ResetTimeout: time.Minute,
		})))

	// Each rejection must surface as a CarrierError, never ErrOpen: a 4xx
	// means the carrier is up and working.
	for i := 0; i < 5; i++ {
		var ce *telephony.CarrierError
		_, err := d.PlaceCall(context.Background(), "+15551234567", "garbage", telephony.Webhooks{})
		if !errors.As(err, &ce) {
			t.Fatalf("call %d: err = %v; want *CarrierError", i, err)
		}
	}
}
