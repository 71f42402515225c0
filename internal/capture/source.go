package capture

import (
	"encoding/json"
	"fmt"
	"strings"

	"timelapse-service/internal/models"
)

// SourceConfig carries the per-kind fields a capture invocation needs. The
// discriminant lives on the session row; only the fields the kind requires
// are consulted, everything else is ignored.
type SourceConfig struct {
	Kind models.SourceKind `json:"kind"`

	// rtsp
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Port     string `json:"port,omitempty"`

	// usb_camera
	DevicePath  string `json:"device_path,omitempty"`
	InputFormat string `json:"input_format,omitempty"`
	Resolution  string `json:"resolution,omitempty"` // WxH
	Framerate   int    `json:"framerate,omitempty"`

	// http_stream / rtmp_stream
	StreamURL string `json:"stream_url,omitempty"`

	// screen
	Display string `json:"display,omitempty"`
	Region  string `json:"region,omitempty"` // WxH+X,Y

	// import
	ImportDir string `json:"import_dir,omitempty"`

	// mqtt trigger source: broker subscription plus the wrapped capturable
	// source the trigger fires against
	Broker       string        `json:"broker,omitempty"`
	Topic        string        `json:"topic,omitempty"`
	ClientID     string        `json:"client_id,omitempty"`
	ArmedPayload string        `json:"armed_payload,omitempty"`
	FiredPayload string        `json:"fired_payload,omitempty"`
	Inner        *SourceConfig `json:"inner,omitempty"`
}

// Default MQTT edge payloads when the config leaves them unset.
const (
	DefaultArmedPayload = "armed"
	DefaultFiredPayload = "fired"
)

// ParseConfig decodes a session's source_config blob and validates it for the
// given kind.
func ParseConfig(kind models.SourceKind, blob string) (*SourceConfig, error) {
	cfg := &SourceConfig{}
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	cfg.Kind = kind
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the per-kind required fields. A missing field is a
// contract violation, not something to attempt and let fail downstream.
func (c *SourceConfig) Validate() error {
	switch c.Kind {
	case models.SourceRTSP:
		if c.URL == "" {
			return fmt.Errorf("%w: rtsp source requires url", ErrInvalidConfig)
		}
		if !strings.HasPrefix(c.URL, "rtsp://") {
			return fmt.Errorf("%w: url must use the rtsp scheme", ErrInvalidConfig)
		}
	case models.SourceUSBCamera:
		if c.DevicePath == "" {
			return fmt.Errorf("%w: usb_camera source requires device_path", ErrInvalidConfig)
		}
	case models.SourceHTTPStream:
		if c.StreamURL == "" {
			return fmt.Errorf("%w: http_stream source requires stream_url", ErrInvalidConfig)
		}
	case models.SourceRTMPStream:
		if c.StreamURL == "" {
			return fmt.Errorf("%w: rtmp_stream source requires stream_url", ErrInvalidConfig)
		}
	case models.SourceScreen:
		// display and region are optional; platform support is checked when
		// the invocation is built
	case models.SourceUpload:
		// frames arrive via ingest, nothing to capture
	case models.SourceImport:
		if c.ImportDir == "" {
			return fmt.Errorf("%w: import source requires import_dir", ErrInvalidConfig)
		}
	case models.SourceMQTT:
		if c.Broker == "" || c.Topic == "" {
			return fmt.Errorf("%w: mqtt source requires broker and topic", ErrInvalidConfig)
		}
		if c.Inner == nil {
			return fmt.Errorf("%w: mqtt source requires an inner capture source", ErrInvalidConfig)
		}
		if c.Inner.Kind == models.SourceMQTT {
			return fmt.Errorf("%w: mqtt sources cannot nest", ErrInvalidConfig)
		}
		return c.Inner.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceKind, c.Kind)
	}
	return nil
}

// Capturable reports whether the kind produces frames through the external
// extraction process. Upload and import sessions get their frames elsewhere.
func (c *SourceConfig) Capturable() bool {
	switch c.Kind {
	case models.SourceUpload, models.SourceImport:
		return false
	}
	return true
}

// CaptureTarget returns the config the extraction process actually runs
// against: the config itself, or the wrapped inner source for mqtt kinds.
func (c *SourceConfig) CaptureTarget() *SourceConfig {
	if c.Kind == models.SourceMQTT && c.Inner != nil {
		return c.Inner
	}
	return c
}

// ArmedValue returns the payload treated as the trigger's armed state.
func (c *SourceConfig) ArmedValue() string {
	if c.ArmedPayload != "" {
		return c.ArmedPayload
	}
	return DefaultArmedPayload
}

// FiredValue returns the payload treated as the trigger's fired state.
func (c *SourceConfig) FiredValue() string {
	if c.FiredPayload != "" {
		return c.FiredPayload
	}
	return DefaultFiredPayload
}

// rtspURL injects credentials and a non-default port into the stream URL.
func (c *SourceConfig) rtspURL() string {
	url := c.URL
	if c.Username != "" && c.Password != "" {
		url = strings.Replace(url, "rtsp://", fmt.Sprintf("rtsp://%s:%s@", c.Username, c.Password), 1)
	}
	if c.Port != "" && c.Port != "554" {
		rest := strings.TrimPrefix(url, "rtsp://")
		auth := ""
		if at := strings.Index(rest, "@"); at >= 0 {
			auth = rest[:at+1]
			rest = rest[at+1:]
		}
		hostPath := strings.SplitN(rest, "/", 2)
		host := strings.SplitN(hostPath[0], ":", 2)[0]
		path := ""
		if len(hostPath) == 2 {
			path = "/" + hostPath[1]
		}
		url = fmt.Sprintf("rtsp://%s%s:%s%s", auth, host, c.Port, path)
	}
	return url
}
