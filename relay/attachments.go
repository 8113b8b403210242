package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	emberrors "github.com/embermsg/ember/internal/errors"
)

// rpcCaller is the slice of the API client the resolver needs.
type rpcCaller interface {
	RPC(ctx context.Context, s *Session, id string, payload, result interface{}) error
}

// Upload RPC wire shapes, fixed by the backend's storage module.

type uploadImageRequest struct {
	ImageData   string `json:"imageData"`
	ContentType string `json:"contentType"`
	FileName    string `json:"fileName"`
}

type imageRPCResponse struct {
	Success   bool   `json:"success"`
	ImageURL  string `json:"imageUrl,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResolverConfig configures an attachment Resolver.
type ResolverConfig struct {
	// MaxUploadBytes is the upload ceiling, checked before any network
	// call. Non-positive falls back to 5 MiB.
	MaxUploadBytes int64

	// ConnectTimeout bounds connection establishment for downloads;
	// DownloadTimeout bounds the whole download operation.
	ConnectTimeout  time.Duration
	DownloadTimeout time.Duration

	// HostOverrides maps internal object-storage hosts (host or
	// host:port) to substitutes reachable from this client's network
	// context. An empty map passes every URL through unchanged.
	HostOverrides map[string]string
}

const defaultMaxUploadBytes = 5 * 1024 * 1024

// Resolver uploads outgoing binary payloads through the backend's
// storage RPCs and fetches incoming ones from presigned URLs, remapping
// internal hostnames for sandboxed network contexts.
type Resolver struct {
	rpc    rpcCaller
	logger *slog.Logger

	maxUploadBytes  int64
	connectTimeout  time.Duration
	downloadTimeout time.Duration
	hostOverrides   map[string]string

	httpClient *http.Client

	// refresh collapses concurrent presign refreshes per object key.
	refresh singleflight.Group
}

// NewResolver creates a Resolver using rpc for upload/presign calls.
func NewResolver(rpc rpcCaller, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}

	return &Resolver{
		rpc:             rpc,
		logger:          logger,
		maxUploadBytes:  cfg.MaxUploadBytes,
		connectTimeout:  cfg.ConnectTimeout,
		downloadTimeout: cfg.DownloadTimeout,
		hostOverrides:   cfg.HostOverrides,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
	}
}

// DefaultHostOverrides builds the internal-host substitution map for a
// network context. On the host network nothing is rewritten. Inside an
// Android emulator the backend's compose-internal storage hostnames are
// only reachable through the bridge address.
func DefaultHostOverrides(networkContext, bridgeAddr string) map[string]string {
	if networkContext != "android-emulator" || bridgeAddr == "" {
		return nil
	}
	return map[string]string{
		"minio":               bridgeAddr,
		"minio:9000":          bridgeAddr + ":9000",
		"internal-store:9000": bridgeAddr + ":9000",
	}
}

// LoadHostOverrides reads extra host substitutions from a YAML file
// mapping original host to replacement host and merges them over base.
func LoadHostOverrides(path string, base map[string]string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host overrides: %w", err)
	}
	var extra map[string]string
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parsing host overrides: %w", err)
	}

	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged, nil
}

// Upload encodes the payload and stores it through the backend's upload
// RPC, returning the presigned download URL and object key. Payloads
// over the ceiling fail with ErrPayloadTooLarge before any network call.
func (r *Resolver) Upload(ctx context.Context, s *Session, data []byte, contentType, fileName string) (AttachmentRef, error) {
	if int64(len(data)) > r.maxUploadBytes {
		return AttachmentRef{}, fmt.Errorf("%w: %d bytes (ceiling %d)",
			emberrors.ErrPayloadTooLarge, len(data), r.maxUploadBytes)
	}

	req := uploadImageRequest{
		ImageData:   base64.StdEncoding.EncodeToString(data),
		ContentType: contentType,
		FileName:    fileName,
	}

	var resp imageRPCResponse
	if err := r.rpc.RPC(ctx, s, "upload_image", req, &resp); err != nil {
		return AttachmentRef{}, fmt.Errorf("%w: %s", emberrors.ErrUploadFailed, err)
	}
	if !resp.Success {
		return AttachmentRef{}, fmt.Errorf("%w: %s", emberrors.ErrUploadFailed, resp.Error)
	}

	return AttachmentRef{URL: resp.ImageURL, ObjectKey: resp.ObjectKey}, nil
}

// RefreshURL asks the backend for a fresh presigned URL for an object
// key. Presigned URLs expire (roughly weekly), so cached messages can
// carry dead links. Concurrent refreshes for the same key are collapsed
// into one RPC.
func (r *Resolver) RefreshURL(ctx context.Context, s *Session, objectKey string) (string, error) {
	v, err, _ := r.refresh.Do(objectKey, func() (interface{}, error) {
		var resp imageRPCResponse
		if err := r.rpc.RPC(ctx, s, "get_image_url", map[string]string{"objectKey": objectKey}, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, fmt.Errorf("backend error: %s", resp.Error)
		}
		return resp.ImageURL, nil
	})
	if err != nil {
		return "", fmt.Errorf("refreshing presigned url: %w", err)
	}
	return v.(string), nil
}

// ResolveDownloadAddress rewrites rawURL for this client's network
// context. If the URL's host is a known internal host, the host
// component is replaced with its substitute and the original host is
// returned as a Host header override so the backend's virtual-hosting
// still resolves. Other URLs pass through unchanged.
func (r *Resolver) ResolveDownloadAddress(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing download url: %w", err)
	}

	replacement, ok := r.hostOverrides[u.Host]
	if !ok {
		return rawURL, "", nil
	}

	original := u.Host
	u.Host = replacement
	return u.String(), original, nil
}

// Download fetches the object behind a presigned URL. The connection
// attempt and the overall operation are separately bounded; there are
// no automatic retries; the caller decides.
func (r *Resolver) Download(ctx context.Context, rawURL string) ([]byte, error) {
	effective, hostOverride, err := r.ResolveDownloadAddress(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", emberrors.ErrDownloadFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, effective, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", emberrors.ErrDownloadFailed, err)
	}
	if hostOverride != "" {
		req.Host = hostOverride
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", emberrors.ErrDownloadTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s", emberrors.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", emberrors.ErrDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", emberrors.ErrDownloadTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s", emberrors.ErrDownloadFailed, err)
	}
	return data, nil
}

// Resolve fills in AttachmentBytes for an image message, best-effort.
// A failed download is retried exactly once with a refreshed presigned
// URL, covering the expired-presign case. After that the message stays
// visible without bytes.
func (r *Resolver) Resolve(ctx context.Context, s *Session, m *Message) {
	if m.Kind != KindImage || m.Attachment == nil || m.Attachment.URL == "" {
		return
	}

	data, err := r.Download(ctx, m.Attachment.URL)
	if err == nil {
		m.AttachmentBytes = data
		return
	}

	if m.Attachment.ObjectKey == "" || errors.Is(err, emberrors.ErrDownloadTimeout) {
		r.logger.Warn("attachment resolution failed",
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	fresh, refreshErr := r.RefreshURL(ctx, s, m.Attachment.ObjectKey)
	if refreshErr != nil {
		r.logger.Warn("attachment resolution failed",
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	data, err = r.Download(ctx, fresh)
	if err != nil {
		r.logger.Warn("attachment resolution failed after refresh",
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.Attachment.URL = fresh
	m.AttachmentBytes = data
}
