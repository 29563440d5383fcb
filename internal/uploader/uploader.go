package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/logging"
)

// ObjectPutter is the part of the S3 API the uploader needs
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures an Uploader
type Config struct {
	Bucket      string
	Region      string
	Prefix      string // Key prefix, usually the overlay or channel name
	Endpoint    string // For S3-compatible services
	DeleteAfter bool
	MaxRetries  int

	// Credentials: RoleARN assumes a role with a web identity token read
	// from TokenFile, or from the platform token socket when TokenFile is
	// empty. Otherwise the static key pair is used.
	RoleARN         string
	TokenFile       string
	AccessKeyID     string
	SecretAccessKey string

	Clock  clock.Clock
	Logger logging.Logger
}

// Uploader archives rotated playback logs to S3
type Uploader struct {
	client      ObjectPutter
	bucket      string
	prefix      string
	deleteAfter bool
	maxRetries  int
	clock       clock.Clock
	log         logging.Entry
	wg          sync.WaitGroup
}

// socketTokenRetriever implements stscreds.IdentityTokenRetriever by asking
// the platform's local API socket for an OIDC token
type socketTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token over the unix socket
func (f *socketTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// New creates an S3 uploader, choosing OIDC role credentials when a role is
// configured and static credentials otherwise
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	log := logging.Component(cfg.Logger, "uploader")

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.RoleARN == "" && cfg.AccessKeyID != "" {
		log.Warn("Using static AWS credentials (deprecated). Migrate to OIDC for better security.")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.RoleARN != "" {
		log.WithField("role", cfg.RoleARN).Info("Using OIDC authentication")
		var tokens stscreds.IdentityTokenRetriever = &socketTokenRetriever{
			socketPath: "/.fly/api",
			audience:   "sts.amazonaws.com",
		}
		if cfg.TokenFile != "" {
			tokens = stscreds.IdentityTokenFile(cfg.TokenFile)
		}
		provider := stscreds.NewWebIdentityRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, tokens)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates an uploader around an existing S3 client
func NewWithClient(client ObjectPutter, cfg Config) *Uploader {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Uploader{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		deleteAfter: cfg.DeleteAfter,
		maxRetries:  cfg.MaxRetries,
		clock:       cfg.Clock,
		log:         logging.Component(cfg.Logger, "uploader").WithField("bucket", cfg.Bucket),
	}
}

// ScanAndUploadExisting uploads playback logs left behind by a previous run
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, outputDir string) error {
	u.log.WithField("dir", outputDir).Info("Scanning for existing files to upload")

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		files = append(files, filepath.Join(outputDir, entry.Name()))
	}

	if len(files) == 0 {
		u.log.Info("No existing files found to upload")
		return nil
	}

	u.log.WithField("count", len(files)).Info("Found existing files to upload")
	for _, path := range files {
		u.spawn(ctx, path)
	}
	return nil
}

// Start uploads every path received on fileChan until ctx is done
func (u *Uploader) Start(ctx context.Context, fileChan <-chan string) error {
	for {
		select {
		case path := <-fileChan:
			u.spawn(ctx, path)

		case <-ctx.Done():
			u.log.Info("Uploader shutting down...")
			return ctx.Err()
		}
	}
}

// Wait blocks until in-flight uploads have finished
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) spawn(ctx context.Context, path string) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.UploadWithRetry(ctx, path)
	}()
}

// UploadWithRetry uploads one file with exponential backoff. It reports
// whether the upload eventually succeeded.
func (u *Uploader) UploadWithRetry(ctx context.Context, localPath string) bool {
	filename := filepath.Base(localPath)
	log := u.log.WithField("file", filename)

	key, err := u.objectKey(filename)
	if err != nil {
		log.WithError(err).Error("Error generating S3 key")
		return false
	}

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		err := u.uploadFile(ctx, localPath, key)
		if err == nil {
			log.WithField("key", key).Info("Uploaded playback log")
			if u.deleteAfter {
				if err := os.Remove(localPath); err != nil {
					log.WithError(err).Error("Error deleting local file")
				}
			}
			return true
		}

		if attempt < u.maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			log.WithError(err).WithFields(logging.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Warn("Upload attempt failed")
			if u.clock.Sleep(ctx, backoff) != nil {
				return false
			}
		}
	}

	log.WithField("attempts", u.maxRetries+1).Error("Failed to upload playback log")
	return false
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (u *Uploader) objectKey(filename string) (string, error) {
	key, err := generateS3Key(filename)
	if err != nil {
		return "", err
	}
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	return key, nil
}

// generateS3Key generates an S3 key from a playback log filename
// Input: playback_20251230_103000.jsonl
// Output: 2025/12/30/playback_20251230_103000.jsonl
func generateS3Key(filename string) (string, error) {
	name := strings.TrimSuffix(filename, ".jsonl")
	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[0] != "playback" || name == filename {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	t, err := time.Parse("20060102_150405", parts[1]+"_"+parts[2])
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s", t.Year(), t.Month(), t.Day(), filename), nil
}
