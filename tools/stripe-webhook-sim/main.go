// Command stripe-webhook-sim posts a signed payment_intent.succeeded event for
// an appointment to the session service's webhook.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/md-rashed-zaman/telehealth/libs/config"
)

func main() {
	var (
		baseURL     = flag.String("base-url", config.String("BASE_URL", "http://localhost:8085"), "session service base url")
		appointment = flag.String("appointment-id", config.String("APPOINTMENT_ID", ""), "appointment_id metadata")
		secret      = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
		eventID     = flag.String("event-id", "", "provider event id; reuse one to exercise replay handling")
		amount      = flag.Int64("amount", 5000, "amount in the smallest currency unit")
		times       = flag.Int("times", 1, "deliveries of the same event; >1 shows the replay response")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*appointment) == "" {
		fatal("APPOINTMENT_ID is required")
	}

	now := time.Now().UTC()
	if *eventID == "" {
		*eventID = fmt.Sprintf("evt_test_%d", now.UnixNano())
	}
	payload, err := json.Marshal(map[string]any{
		"id":          *eventID,
		"object":      "event",
		"created":     now.Unix(),
		"type":        "payment_intent.succeeded",
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       fmt.Sprintf("pi_test_%d", now.UnixNano()),
				"object":   "payment_intent",
				"amount":   *amount,
				"currency": "usd",
				"status":   "succeeded",
				"metadata": map[string]any{"appointment_id": *appointment},
			},
		},
	})
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	url := strings.TrimRight(*baseURL, "/") + "/webhooks/stripe"
	for i := 0; i < *times; i++ {
		status, body, err := deliver(url, payload, signed.Header)
		if err != nil {
			fatal(err.Error())
		}
		fmt.Printf("event=%s attempt=%d status=%d body=%s\n", *eventID, i+1, status, body)
	}
}

func deliver(url string, payload []byte, signature string) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signature)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
