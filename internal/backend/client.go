// Package backend talks to the fleet backend and the AI diagnosis server.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nosleep-drive/nosleep/internal/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default timeouts for HTTP operations.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultStatusTimeout  = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	// DetectedAtLayout is the timestamp format the backend expects for evidence.
	DetectedAtLayout = "2006-01-02T15:04:05"

	// EvidenceSavedMarker appears in the body of a successful evidence upload.
	EvidenceSavedMarker = "sleepiness detection data saved."
)

var (
	// ErrNotConfigured is returned when the server URL for a call is empty.
	ErrNotConfigured = errors.New("backend url not configured")

	// ErrUnexpectedResponse is returned when a 2xx response lacks the expected payload.
	ErrUnexpectedResponse = errors.New("unexpected backend response")
)

// APIError is the error envelope returned by both servers.
type APIError struct {
	StatusCode    int         `json:"-"`
	Code          interface{} `json:"code"`
	Message       string      `json:"message"`
	Method        string      `json:"method"`
	DetailMessage string      `json:"detail_message"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.DetailMessage != "" {
		msg += ": " + e.DetailMessage
	}
	if e.Code != nil {
		return fmt.Sprintf("backend error %d (code %v): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, msg)
}

type envelope struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error,omitempty"`
}

// Options configures a Client.
type Options struct {
	ServerURL   string
	AIServerURL string
	DeviceUID   string
	Token       string
	HTTPClient  *http.Client
}

// Client calls the backend on behalf of one device.
type Client struct {
	serverURL string
	aiURL     string
	deviceUID string
	token     string
	http      *http.Client
	frameIdx  atomic.Int64
}

// NewHTTPClient creates an HTTP client with the specified timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// New creates a Client. Trailing slashes on the URLs are ignored.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(DefaultTimeout)
	}
	return &Client{
		serverURL: strings.TrimRight(opts.ServerURL, "/"),
		aiURL:     strings.TrimRight(opts.AIServerURL, "/"),
		deviceUID: opts.DeviceUID,
		token:     opts.Token,
		http:      hc,
	}
}

// DeviceUID returns the UID sent with every request.
func (c *Client) DeviceUID() string {
	return c.deviceUID
}

// HasAI reports whether an AI server is configured.
func (c *Client) HasAI() bool {
	return c.aiURL != ""
}

// HasServer reports whether the fleet backend is configured.
func (c *Client) HasServer() bool {
	return c.serverURL != ""
}

// Diagnosis is the AI server's verdict on the recently streamed frames.
type Diagnosis struct {
	Drowsy        bool   `json:"isDrowsinessDrive"`
	DetectionTime string `json:"detectionTime"`
}

// Diagnose asks the AI server whether the driver is drowsy.
func (c *Client) Diagnose(ctx context.Context) (*Diagnosis, error) {
	if c.aiURL == "" {
		return nil, ErrNotConfigured
	}

	u := c.aiURL + "/diagnosis/drowiness?deviceUid=" + url.QueryEscape(c.deviceUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		envelope
		Diagnosis
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("diagnose: %w", err)
	}
	return &resp.Diagnosis, nil
}

type frameRequest struct {
	DeviceUID   string `json:"deviceUid"`
	FrameIdx    int64  `json:"frameIdx"`
	DriverFrame string `json:"driverFrame"`
}

// SendFrame streams one JPEG-encoded driver frame to the AI server.
// Frames are numbered from zero per Client.
func (c *Client) SendFrame(ctx context.Context, jpeg []byte) error {
	if c.aiURL == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(frameRequest{
		DeviceUID:   c.deviceUID,
		FrameIdx:    c.frameIdx.Add(1) - 1,
		DriverFrame: base64.StdEncoding.EncodeToString(jpeg),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.aiURL+"/api/save/frame", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp envelope
	if err := c.doJSON(req, &resp); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// DeviceStatus reports the health of each peripheral.
type DeviceStatus struct {
	DeviceUID               string `json:"deviceUid"`
	CameraState             bool   `json:"cameraState"`
	AccelerationSensorState bool   `json:"accelerationSensorState"`
	SpeakerState            bool   `json:"speakerState"`
}

// ReportDeviceStatus sends peripheral health to the fleet backend.
func (c *Client) ReportDeviceStatus(ctx context.Context, status DeviceStatus) error {
	if c.serverURL == "" {
		return ErrNotConfigured
	}
	status.DeviceUID = c.deviceUID

	body, err := json.Marshal(status)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultStatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.serverURL+"/vehicles/status", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device status: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("device status: %w", decodeError(res))
	}
	return nil
}

// UploadEvidence posts an encoded clip for a sleepiness detection.
func (c *Client) UploadEvidence(ctx context.Context, clipPath string, detectedAt time.Time) error {
	if c.serverURL == "" {
		return ErrNotConfigured
	}

	f, err := os.Open(clipPath)
	if err != nil {
		return fmt.Errorf("upload evidence: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("deviceUid", c.deviceUID); err != nil {
		return err
	}
	if err := mw.WriteField("detectedAt", detectedAt.Format(DetectedAtLayout)); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="videoFile"; filename="%s"`, filepath.Base(clipPath)))
	h.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("upload evidence: read clip: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/sleep", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload evidence: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("upload evidence: %w", parseError(res.StatusCode, body))
	}
	if !bytes.Contains(body, []byte(EvidenceSavedMarker)) {
		return fmt.Errorf("upload evidence: %w: %s", ErrUnexpectedResponse, truncate(body, 200))
	}

	log.WithComponent("backend").WithFields(log.Fields{
		"clip":       filepath.Base(clipPath),
		"detectedAt": detectedAt.Format(DetectedAtLayout),
	}).Info("evidence uploaded")
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doJSON executes req and decodes a success envelope into out.
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return parseError(res.StatusCode, body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if !env.Success {
		if env.Error != nil {
			env.Error.StatusCode = res.StatusCode
			return env.Error
		}
		return fmt.Errorf("%w: success=false", ErrUnexpectedResponse)
	}

	return json.Unmarshal(body, out)
}

func decodeError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return parseError(res.StatusCode, body)
}

func parseError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		env.Error.StatusCode = status
		return env.Error
	}
	return &APIError{StatusCode: status, Message: truncate(body, 200)}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
