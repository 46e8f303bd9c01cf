package notify

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/webtimer/internal/model"
)

// maxDatagramBytes is the largest payload the dispatcher will put on
// the wire. Anything bigger is logged and dropped.
const maxDatagramBytes = 64 * 1024

// Config controls event emission. Per-type flags gate which classified
// events leave the process; recovery and first_success are gated as
// success-class events.
type Config struct {
	Enabled                bool          `mapstructure:"enabled"`
	Address                string        `mapstructure:"address"`
	Port                   int           `mapstructure:"port"`
	Delay                  time.Duration `mapstructure:"delay"`
	NotifyOnSuccess        bool          `mapstructure:"notify_on_success"`
	NotifyOnFailure        bool          `mapstructure:"notify_on_failure"`
	NotifyOnResponseChange bool          `mapstructure:"notify_on_response_change"`
	MaxResponseBytes       int           `mapstructure:"max_response_bytes"`
	Application            string        `mapstructure:"application"`
	Version                string        `mapstructure:"version"`
}

// ShouldNotify applies the per-type gating flags.
func (c Config) ShouldNotify(t model.NotificationType) bool {
	if !c.Enabled {
		return false
	}
	switch {
	case t == model.NotificationFailure:
		return c.NotifyOnFailure
	case t == model.NotificationResponseChanged:
		return c.NotifyOnResponseChange
	case t.IsSuccessClass():
		return c.NotifyOnSuccess
	}
	return false
}

// payload is the wire format of one notification datagram.
type payload struct {
	Application      string         `json:"application"`
	Version          string         `json:"version"`
	Timestamp        string         `json:"timestamp"`
	NotificationType string         `json:"notification_type"`
	Schedule         scheduleInfo   `json:"schedule"`
	RequestResult    requestResult  `json:"request_result"`
	AdditionalData   additionalData `json:"additional_data"`
	ResponseBody     interface{}    `json:"response_body,omitempty"`
	Error            string         `json:"error,omitempty"`
}

type scheduleInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Method string `json:"method"`
}

type requestResult struct {
	RequestID      string `json:"request_id"`
	Success        bool   `json:"success"`
	StatusCode     *int   `json:"status_code"`
	ResponseTimeMS *int64 `json:"response_time_ms"`
	Timestamp      string `json:"timestamp"`
	Attempt        int    `json:"attempt"`
}

type additionalData struct {
	IsResponseChanged bool   `json:"is_response_changed"`
	ResponseHash      string `json:"response_hash,omitempty"`
	PreviousHash      string `json:"previous_hash,omitempty"`
}

// UDPDispatcher serializes notification events and sends each as a
// single best-effort datagram. Send failures are logged and swallowed:
// the HTTP request already completed and history already recorded it.
type UDPDispatcher struct {
	logger *zap.Logger
	config Config
	conn   *net.UDPConn
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewUDPDispatcher resolves the target and opens the socket. The
// connection is reused for every datagram.
func NewUDPDispatcher(logger *zap.Logger, config Config) (*UDPDispatcher, error) {
	if config.Application == "" {
		config.Application = "webtimer"
	}
	if config.Version == "" {
		config.Version = "1.0"
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", config.Address, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notification target: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification socket: %w", err)
	}

	return &UDPDispatcher{
		logger: logger.Named("dispatcher"),
		config: config,
		conn:   conn,
	}, nil
}

// Dispatch emits the event if its type passes the gating flags. The
// configured delay is a dispatch-time wait scheduled off the caller's
// goroutine, so it never holds up the next firing.
func (d *UDPDispatcher) Dispatch(event *model.NotificationEvent) {
	if !d.config.ShouldNotify(event.Type) {
		d.logger.Debug("Notification suppressed by config",
			zap.String("schedule_id", event.Schedule.ID),
			zap.String("type", string(event.Type)))
		return
	}

	data, err := json.Marshal(d.buildPayload(event))
	if err != nil {
		d.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	if len(data) > maxDatagramBytes {
		d.logger.Error("Notification payload exceeds datagram limit",
			zap.String("schedule_id", event.Schedule.ID),
			zap.Int("size", len(data)))
		return
	}

	if d.config.Delay <= 0 {
		d.send(event, data)
		return
	}

	d.wg.Add(1)
	time.AfterFunc(d.config.Delay, func() {
		defer d.wg.Done()
		d.send(event, data)
	})
}

func (d *UDPDispatcher) send(event *model.NotificationEvent, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if _, err := d.conn.Write(data); err != nil {
		d.logger.Warn("Failed to send notification",
			zap.String("schedule_id", event.Schedule.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}

	d.logger.Info("Notification sent",
		zap.String("schedule_id", event.Schedule.ID),
		zap.String("type", string(event.Type)))
}

// buildPayload converts the event into the documented wire format.
func (d *UDPDispatcher) buildPayload(event *model.NotificationEvent) *payload {
	result := event.Result

	p := &payload{
		Application:      d.config.Application,
		Version:          d.config.Version,
		Timestamp:        time.Now().Format(time.RFC3339),
		NotificationType: string(event.Type),
		Schedule: scheduleInfo{
			ID:     event.Schedule.ID,
			Name:   event.Schedule.Name,
			URL:    event.Schedule.URL,
			Method: event.Schedule.Method,
		},
		RequestResult: requestResult{
			RequestID: result.RequestID,
			Success:   result.Success,
			Timestamp: result.Timestamp.Format(time.RFC3339),
			Attempt:   result.Attempt,
		},
	}

	if result.StatusCode != 0 {
		code := result.StatusCode
		p.RequestResult.StatusCode = &code
	}
	if result.Success || result.StatusCode != 0 {
		ms := result.ResponseTime.Milliseconds()
		p.RequestResult.ResponseTimeMS = &ms
	}

	if event.Change != nil {
		p.AdditionalData = additionalData{
			IsResponseChanged: event.Change.Changed,
			ResponseHash:      event.Change.CurrentHash,
			PreviousHash:      event.Change.PreviousHash,
		}
	}

	if !result.Success {
		p.Error = result.Error
	}

	// Response bodies ride along only on first_success and
	// response_changed, capped at the configured size.
	if event.Type == model.NotificationFirstSuccess || event.Type == model.NotificationResponseChanged {
		body := result.Body
		maxBytes := d.config.MaxResponseBytes
		if maxBytes <= 0 {
			maxBytes = 1024
		}
		if len(body) > 0 && len(body) <= maxBytes {
			if json.Valid(body) {
				p.ResponseBody = json.RawMessage(body)
			} else {
				p.ResponseBody = string(body)
			}
		}
	}

	return p
}

// Close stops accepting sends and waits for delayed datagrams already
// scheduled to drain.
func (d *UDPDispatcher) Close() error {
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close()
}
