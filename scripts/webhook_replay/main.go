// Command webhook_replay posts signed payment-gateway webhook payloads to a
// running API instance. It is meant for manual verification of the webhook
// path: every payload is sent twice, so the second delivery must come back as
// a replay with no double-application.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type event struct {
	Event             string `json:"event"`
	TransactionID     string `json:"transaction_id"`
	EnrollmentID      string `json:"enrollment_id"`
	InstallmentNumber string `json:"installment_number,omitempty"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Method            string `json:"method"`
}

type eventsFile struct {
	Events []event `json:"events"`
}

type delivery struct {
	Event    event
	Status   int
	Replayed bool
	Err      error
	Duration time.Duration
}

func main() {
	var (
		baseURL    string
		secret     string
		eventsPath string
		timeout    time.Duration
	)

	flag.StringVar(&baseURL, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&secret, "secret", os.Getenv("GATEWAY_WEBHOOK_SECRET"), "webhook signing secret")
	flag.StringVar(&eventsPath, "events", filepath.Join("scripts", "webhook_replay", "events.json"), "path to JSON events file")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	if secret == "" {
		log.Fatal("webhook secret is required (flag -secret or GATEWAY_WEBHOOK_SECRET)")
	}

	events, err := loadEvents(eventsPath)
	if err != nil {
		log.Fatalf("failed to load events: %v", err)
	}

	client := &http.Client{Timeout: timeout}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/webhooks/payment-gateway"

	var failures int
	for _, ev := range events {
		first := deliver(client, endpoint, secret, ev)
		second := deliver(client, endpoint, secret, ev)
		printDelivery("first", first)
		printDelivery("redelivery", second)

		switch {
		case first.Err != nil || second.Err != nil:
			failures++
		case first.Status >= 300 || second.Status >= 300:
			failures++
		case !second.Replayed:
			fmt.Printf("  FAIL: redelivery of %s was not reported as a replay\n", ev.TransactionID)
			failures++
		}
	}

	fmt.Printf("Failures: %d\n", failures)
	if failures > 0 {
		os.Exit(1)
	}
}

func loadEvents(path string) ([]event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file eventsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Events) == 0 {
		return nil, fmt.Errorf("no events defined in %s", path)
	}
	return file.Events, nil
}

func deliver(client *http.Client, endpoint, secret string, ev event) delivery {
	d := delivery{Event: ev}

	body, err := marshalWebhook(ev)
	if err != nil {
		d.Err = err
		return d
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		d.Err = err
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Razorpay-Signature", sign(secret, body))

	start := time.Now()
	resp, err := client.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Err = err
		return d
	}
	defer resp.Body.Close()

	d.Status = resp.StatusCode
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		d.Err = err
		return d
	}

	var envelope struct {
		Data struct {
			Replayed bool `json:"replayed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		d.Replayed = envelope.Data.Replayed
	}
	return d
}

func marshalWebhook(ev event) ([]byte, error) {
	notes := map[string]string{"enrollment_id": ev.EnrollmentID}
	if ev.InstallmentNumber != "" {
		notes["installment_number"] = ev.InstallmentNumber
	}
	return json.Marshal(map[string]interface{}{
		"event": ev.Event,
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":       ev.TransactionID,
					"amount":   ev.Amount,
					"currency": ev.Currency,
					"method":   ev.Method,
					"notes":    notes,
				},
			},
		},
	})
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func printDelivery(label string, d delivery) {
	if d.Err != nil {
		fmt.Printf("[ERROR] %s %s: %v\n", label, d.Event.TransactionID, d.Err)
		return
	}
	fmt.Printf("[%d] %s %s (%s) replayed=%t\n", d.Status, label, d.Event.TransactionID, d.Duration, d.Replayed)
}
