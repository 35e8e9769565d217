// mock-producer replays a small burst of change notifications against a local
// chronicle engine, including a duplicate and an out-of-order arrival, so the
// full pipeline can be exercised without real upstream systems.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"
)

type webhook struct {
	path    string
	payload map[string]any
}

func main() {
	var target string
	flag.StringVar(&target, "target", "http://localhost:8080", "chronicle engine base URL")
	flag.Parse()

	now := time.Now().UTC()
	deployAt := now.Add(-4 * time.Minute).Format(time.RFC3339)
	buildAt := now.Add(-6 * time.Minute).Format(time.RFC3339)
	mergeAt := now.Add(-12 * time.Minute).Format(time.RFC3339)

	hooks := []webhook{
		{
			path: "/api/v1/webhooks/gitflow",
			payload: map[string]any{
				"action":        "merged",
				"repository":    "acme/checkout",
				"service":       "prod/checkout",
				"target_branch": "main",
				"merged_at":     mergeAt,
			},
		},
		{
			path: "/api/v1/webhooks/jenkins",
			payload: map[string]any{
				"job":          "checkout-deploy",
				"service":      "prod/checkout",
				"result":       "SUCCESS",
				"build_number": 118.0,
				"completed_at": buildAt,
			},
		},
		{
			path: "/api/v1/webhooks/kubernetes",
			payload: map[string]any{
				"kind":      "Deployment",
				"namespace": "prod",
				"name":      "checkout",
				"reason":    "NewReplicaSetAvailable",
				"timestamp": deployAt,
			},
		},
		// Webhook retry: identical payload, should collapse to one event.
		{
			path: "/api/v1/webhooks/kubernetes",
			payload: map[string]any{
				"kind":      "Deployment",
				"namespace": "prod",
				"name":      "checkout",
				"reason":    "NewReplicaSetAvailable",
				"timestamp": deployAt,
			},
		},
		{
			path: "/api/v1/webhooks/selfservice",
			payload: map[string]any{
				"action":       "scale-up",
				"operator":     "jrees",
				"resource":     "prod/checkout",
				"performed_at": now.Add(-90 * time.Second).Format(time.RFC3339),
			},
		},
	}

	logger := log.New(log.Writer(), "mock-producer ", log.LstdFlags|log.Lmicroseconds)
	client := &http.Client{Timeout: 5 * time.Second}

	for _, hook := range hooks {
		body, err := json.Marshal(hook.payload)
		if err != nil {
			logger.Fatalf("encode payload: %v", err)
		}
		resp, err := client.Post(target+hook.path, "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Fatalf("POST %s: %v", hook.path, err)
		}
		logger.Printf("%s -> %s", hook.path, resp.Status)
		resp.Body.Close()
		time.Sleep(200 * time.Millisecond)
	}
}
