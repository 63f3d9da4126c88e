package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"hetbalancer/pkg/logger"
	"hetbalancer/pkg/scheduler"
)

const sendTimeout = 10 * time.Second

// FeishuNotifier posts straggler alerts to a Feishu (Lark) webhook. It
// implements scheduler.Observer; posts run on their own goroutine so the
// scheduler never waits on the network.
type FeishuNotifier struct {
	webhookURL string
	cooldown   time.Duration
	client     *http.Client
	now        func() time.Time

	mu        sync.Mutex
	lastAlert map[int]time.Time
	inflight  sync.WaitGroup
}

// NewFeishuNotifier creates a notifier. An empty URL falls back to the
// FEISHU_WEBHOOK_URL environment variable; without either, alerts are dropped.
func NewFeishuNotifier(webhookURL string, cooldown time.Duration) *FeishuNotifier {
	if webhookURL == "" {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
	}
	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check config file or FEISHU_WEBHOOK_URL env), straggler alerts will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		cooldown:   cooldown,
		client:     &http.Client{Timeout: sendTimeout},
		now:        time.Now,
		lastAlert:  make(map[int]time.Time),
	}
}

// StragglerAlert one alert, covering every newly flagged worker of a rebalance
type StragglerAlert struct {
	Step              int64
	Policy            string
	Workers           []int
	Allocation        scheduler.Allocation
	MedianStepTime    float64
	ScalingEfficiency float64
	DetectedAt        time.Time
}

// OnRegister forgets the alert history, worker ids may now mean other devices
func (f *FeishuNotifier) OnRegister([]scheduler.WorkerCapability) {
	f.mu.Lock()
	f.lastAlert = make(map[int]time.Time)
	f.mu.Unlock()
}

// OnAllocation alerts on stragglers outside their cooldown window
func (f *FeishuNotifier) OnAllocation(event scheduler.AllocationEvent) {
	if f.webhookURL == "" || len(event.Stragglers) == 0 {
		return
	}

	now := f.now()
	var fresh []int
	f.mu.Lock()
	for _, id := range event.Stragglers {
		if last, ok := f.lastAlert[id]; ok && now.Sub(last) < f.cooldown {
			continue
		}
		f.lastAlert[id] = now
		fresh = append(fresh, id)
	}
	f.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	alert := &StragglerAlert{
		Step:              event.Step,
		Policy:            string(event.Policy),
		Workers:           fresh,
		Allocation:        event.Allocation,
		MedianStepTime:    event.MedianStepTime,
		ScalingEfficiency: event.ScalingEfficiency,
		DetectedAt:        now,
	}

	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := f.SendStragglerAlert(ctx, alert); err != nil {
			logger.WarnCtx(ctx, "failed to send straggler alert: %v", err)
		}
	}()
}

// Wait blocks until pending alerts are sent
func (f *FeishuNotifier) Wait() {
	f.inflight.Wait()
}

// SendStragglerAlert posts one alert card
func (f *FeishuNotifier) SendStragglerAlert(ctx context.Context, alert *StragglerAlert) error {
	if f.webhookURL == "" {
		logger.WarnCtx(ctx, "Feishu webhook URL not configured, skipping notification")
		return nil
	}

	payload, err := json.Marshal(buildStragglerMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "straggler alert sent for workers %v at step %d", alert.Workers, alert.Step)
	return nil
}

func buildStragglerMessage(alert *StragglerAlert) map[string]interface{} {
	lines := make([]string, 0, len(alert.Workers))
	for _, id := range alert.Workers {
		lines = append(lines, fmt.Sprintf("Worker %d: batch %d", id, alert.Allocation[id]))
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": "red",
				"title": map[string]interface{}{
					"content": "Straggler detected",
					"tag":     "plain_text",
				},
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Step**: %d (policy %s)\n%s", alert.Step, alert.Policy, strings.Join(lines, "\n")),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "hr",
				},
				map[string]interface{}{
					"tag": "div",
					"fields": []interface{}{
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Median Step Time**\n%.3fs", alert.MedianStepTime),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Scaling Efficiency**\n%.2f%%", alert.ScalingEfficiency*100),
								"tag":     "lark_md",
							},
						},
					},
				},
				map[string]interface{}{
					"tag": "note",
					"elements": []interface{}{
						map[string]interface{}{
							"content": fmt.Sprintf("Detected at %s", alert.DetectedAt.Format("2006-01-02 15:04:05")),
							"tag":     "plain_text",
						},
					},
				},
			},
		},
	}
}
