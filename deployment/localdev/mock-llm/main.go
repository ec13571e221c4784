package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// evidence is the part of the rendered prompt the mock reasons over.
type evidence struct {
	Candidate struct {
		ID             string         `json:"candidate_id"`
		Type           string         `json:"type"`
		AnchorObjectID string         `json:"anchor_object_id"`
		Features       map[string]any `json:"features"`
	} `json:"candidate"`
	EvidenceEventIDs []string `json:"evidence_event_ids"`
}

// MOCK_LLM_MODE selects the behaviour: "ok" (default), "malformed" returns
// prose instead of JSON, "flaky" fails every other request with 503.
func main() {
	addr := envOr("MOCK_LLM_ADDR", ":8090")
	mode := envOr("MOCK_LLM_MODE", "ok")
	var calls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		n := calls.Add(1)
		if mode == "flaky" && n%2 == 1 {
			http.Error(w, `{"error":{"message":"upstream overloaded","type":"server_error"}}`, http.StatusServiceUnavailable)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":{"message":"invalid body","type":"invalid_request_error"}}`, http.StatusBadRequest)
			return
		}
		user := lastUserMessage(req.Messages)
		content := answer(user)
		if mode == "malformed" {
			content = "I think this is probably fine."
		}
		writeJSON(w, chatResponse{
			ID:      fmt.Sprintf("chatcmpl-mock-%d", n),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: content}, FinishReason: "stop"}},
			Usage:   chatUsage{PromptTokens: len(user) / 4, CompletionTokens: len(content) / 4, TotalTokens: (len(user) + len(content)) / 4},
		})
	})

	logger := log.New(log.Writer(), "llm-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s (mode %s)", addr, mode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func answer(prompt string) string {
	ev := parseEvidence(prompt)
	used := ev.EvidenceEventIDs
	if len(used) > 3 {
		used = used[:3]
	}
	if used == nil {
		used = []string{}
	}

	var payload any
	if strings.Contains(prompt, `"one_liner"`) {
		payload = map[string]any{
			"one_liner":               fmt.Sprintf("%s on %s flagged by the deterministic rule.", ev.Candidate.Type, ev.Candidate.AnchorObjectID),
			"why_anomalous":           "The linked events do not match the expected procurement sequence.",
			"evidence_summary":        fmt.Sprintf("%d evidence events: %s.", len(ev.EvidenceEventIDs), strings.Join(ev.EvidenceEventIDs, ", ")),
			"what_to_check_next":      []string{"Review the source documents for the anchor object."},
			"possible_normal_reasons": []string{"unknown"},
		}
	} else {
		verdict, conf := "uncertain", 0.4
		if len(used) > 0 {
			verdict, conf = "confirm", 0.75
		}
		payload = map[string]any{
			"verdict":                 verdict,
			"v_conf":                  conf,
			"explanation":             fmt.Sprintf("The evidence events %s support the %s rule.", strings.Join(used, ", "), ev.Candidate.Type),
			"evidence_used":           used,
			"possible_false_positive": []string{"A documented exception may exist outside the log."},
			"next_questions":          []string{},
		}
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func parseEvidence(prompt string) evidence {
	var ev evidence
	_, rest, ok := strings.Cut(prompt, "Evidence (JSON):\n")
	if !ok {
		return ev
	}
	body, _, _ := strings.Cut(rest, "\n\nReturn exactly")
	_ = json.Unmarshal([]byte(body), &ev)
	return ev
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
