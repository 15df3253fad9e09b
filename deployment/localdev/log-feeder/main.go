package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type logRecord struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Service   string    `json:"service"`
	SessionID string    `json:"session_id"`
}

type batchRequest struct {
	Logs []logRecord `json:"logs"`
}

var services = []string{"checkout", "payments", "inventory"}

var templates = []struct {
	format   string
	severity string
}{
	{"Request processed in %dms", "INFO"},
	{"User %d logged in from session cache", "INFO"},
	{"Order %d placed for customer %d", "INFO"},
	{"Cache miss for key order:%d", "DEBUG"},
	{"Connection to payments timed out after %dms", "ERROR"},
	{"Retry %d of 3 for upstream call", "WARN"},
}

func main() {
	var (
		target    string
		interval  time.Duration
		batchSize int
	)
	flag.StringVar(&target, "target", "http://localhost:8085", "Engine base URL")
	flag.DurationVar(&interval, "interval", 2*time.Second, "Delay between batches")
	flag.IntVar(&batchSize, "batch", 20, "Records per batch")
	flag.Parse()

	logger := log.New(log.Writer(), "log-feeder ", log.LstdFlags|log.Lmicroseconds)
	client := &http.Client{Timeout: 10 * time.Second}
	url := target + "/api/v1/logs/analyze"

	logger.Printf("feeding %s every %s", url, interval)
	for {
		batch := makeBatch(batchSize)
		if err := post(client, url, batch); err != nil {
			logger.Printf("post failed: %v", err)
		} else {
			logger.Printf("sent %d records", len(batch.Logs))
		}
		time.Sleep(interval)
	}
}

func makeBatch(n int) batchRequest {
	now := time.Now().UTC()
	records := make([]logRecord, 0, n)
	for i := 0; i < n; i++ {
		tpl := templates[rand.Intn(len(templates))]
		records = append(records, logRecord{
			Message:   renderMessage(tpl.format),
			Timestamp: now.Add(time.Duration(i) * 50 * time.Millisecond),
			Severity:  tpl.severity,
			Service:   services[rand.Intn(len(services))],
			SessionID: fmt.Sprintf("session-%d", rand.Intn(4)),
		})
	}
	return batchRequest{Logs: records}
}

func renderMessage(format string) string {
	args := make([]any, 0, 2)
	for i := 0; i < countVerbs(format); i++ {
		args = append(args, rand.Intn(5000)+1)
	}
	return fmt.Sprintf(format, args...)
}

func countVerbs(format string) int {
	count := 0
	for i := 0; i+1 < len(format); i++ {
		if format[i] == '%' && format[i+1] == 'd' {
			count++
		}
	}
	return count
}

func post(client *http.Client, url string, batch batchRequest) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
