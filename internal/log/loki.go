package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/tunsidecar/internal/config"
)

// LokiWriter batches log lines and pushes them to a Grafana Loki endpoint.
type LokiWriter struct {
	endpoint  string
	labels    map[string]string
	batchSize int
	interval  time.Duration
	client    *http.Client

	mu     sync.Mutex
	lines  [][2]string // unix nanos, line
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// createLokiWriter creates a Loki writer from the output config.
func createLokiWriter(lc config.LokiOutputConfig) (*LokiWriter, error) {
	if lc.Endpoint == "" {
		return nil, fmt.Errorf("loki output requires 'endpoint' field")
	}
	interval := 5 * time.Second
	if lc.BatchTimeout != "" {
		d, err := time.ParseDuration(lc.BatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid batch_timeout: %w", err)
		}
		interval = d
	}
	return NewLokiWriter(lc.Endpoint, lc.Labels, lc.BatchSize, interval), nil
}

// NewLokiWriter starts a writer that flushes every interval or every
// batchSize lines, whichever comes first.
func NewLokiWriter(endpoint string, labels map[string]string, batchSize int, interval time.Duration) *LokiWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	l := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		l[k] = v
	}
	if _, ok := l["job"]; !ok {
		l["job"] = "tun-sidecar"
	}

	w := &LokiWriter{
		endpoint:  endpoint,
		labels:    l,
		batchSize: batchSize,
		interval:  interval,
		client:    &http.Client{Timeout: 10 * time.Second},
		lines:     make([][2]string, 0, batchSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flusher()
	return w
}

// Write queues one log line.
func (w *LokiWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errors.New("loki writer is closed")
	}
	w.lines = append(w.lines, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), string(p)})
	if len(w.lines) >= w.batchSize {
		w.flushLocked()
	}
	return len(p), nil
}

// Close flushes pending lines and stops the background flusher.
func (w *LokiWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return err
}

func (w *LokiWriter) flusher() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				w.flushLocked()
			}
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// flushLocked pushes the batch. Must be called with w.mu held. Failed
// batches are dropped; logging must not wedge the process.
func (w *LokiWriter) flushLocked() error {
	if len(w.lines) == 0 {
		return nil
	}
	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: w.labels, Values: w.lines}}})
	w.lines = make([][2]string, 0, w.batchSize)
	if err != nil {
		return fmt.Errorf("marshal loki push: %w", err)
	}
	if err := w.push(body); err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		return err
	}
	return nil
}

// push sends body with up to three attempts and exponential backoff.
func (w *LokiWriter) push(body []byte) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond << (attempt - 1))
		}
		if lastErr = w.send(body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after 3 attempts: %w", lastErr)
}

func (w *LokiWriter) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
