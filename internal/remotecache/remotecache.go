// Package remotecache mirrors the local content-addressed cache into an
// S3-compatible bucket, so normalized DEM tiles and build reports can be
// shared across build machines. The client setup (custom endpoint
// resolver, static credentials, pooled HTTP transport) and the
// worker-pool directory upload follow the same shape the project's
// original tile-upload client used.
package remotecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Config mirrors internal/config.RemoteCacheConfig to keep this package
// free of a dependency on the config package.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	BucketPath      string
}

// Client wraps the S3-compatible object store used as the shared cache
// tier, sitting above internal/cache's local content-addressed store.
type Client struct {
	s3         *s3.Client
	bucket     string
	bucketPath string
	uploader   *manager.Uploader
}

// New builds a Client against cfg.Endpoint using path-style addressing,
// the convention required by most S3-compatible object stores that
// aren't AWS itself.
func New(ctx context.Context, cfg Config) (*Client, error) {
	logger := slog.With("endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	logger.Info("initializing remote cache client")

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID {
			return aws.Endpoint{URL: cfg.Endpoint, SigningRegion: cfg.Region}, nil
		}
		return aws.Endpoint{}, &smithy.GenericAPIError{Code: "UnknownEndpoint"}
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 5 * time.Minute,
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithHTTPClient(httpClient),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, fmt.Errorf("remotecache: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = true })
	logger.Info("remote cache client initialized")

	return &Client{
		s3:         client,
		bucket:     cfg.Bucket,
		bucketPath: cfg.BucketPath,
		uploader:   manager.NewUploader(client),
	}, nil
}

// key joins the configured bucket path prefix with a cache-relative key.
func (c *Client) key(relKey string) string {
	return filepath.ToSlash(filepath.Join(c.bucketPath, relKey))
}

// Exists reports whether relKey is already present remotely, without
// downloading it.
func (c *Client) Exists(ctx context.Context, relKey string) (bool, int64, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(relKey)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, 0, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("remotecache: head %q: %w", relKey, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return true, size, nil
}

// PutFile uploads localPath to relKey.
func (c *Client) PutFile(ctx context.Context, localPath, relKey string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remotecache: open %q: %w", localPath, err)
	}
	defer f.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(relKey)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("remotecache: upload %q: %w", relKey, err)
	}
	return nil
}

// GetFile downloads relKey to localPath, creating parent directories as
// needed.
func (c *Client) GetFile(ctx context.Context, relKey, localPath string) error {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(relKey)),
	})
	if err != nil {
		return fmt.Errorf("remotecache: get %q: %w", relKey, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("remotecache: mkdir for %q: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("remotecache: create %q: %w", localPath, err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := out.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("remotecache: write %q: %w", localPath, werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("remotecache: read body for %q: %w", relKey, rerr)
		}
	}
	return nil
}

// uploadTask is one file queued for a directory push.
type uploadTask struct {
	localPath string
	relKey    string
	size      int64
}

// PushDirectory uploads every regular file under localDir to
// <remotePrefix>/<relative path>, fanning out across a bounded worker
// pool the same way the project's directory-upload routine does: a
// shared work channel, a WaitGroup, and a single first-error latch.
func (c *Client) PushDirectory(ctx context.Context, localDir, remotePrefix string, workers int) (int64, error) {
	logger := slog.With("local_dir", localDir, "remote_prefix", remotePrefix)
	if workers <= 0 {
		workers = 16
	}

	var tasks []uploadTask
	err := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		tasks = append(tasks, uploadTask{
			localPath: path,
			relKey:    filepath.ToSlash(filepath.Join(remotePrefix, rel)),
			size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remotecache: scan %q: %w", localDir, err)
	}
	logger.Info("pushing directory to remote cache", "files", len(tasks))

	var (
		totalBytes int64
		mu         sync.Mutex
		wg         sync.WaitGroup
	)
	workChan := make(chan uploadTask, workers*2)
	errChan := make(chan error, 1)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range workChan {
				f, err := os.Open(task.localPath)
				if err != nil {
					trySend(errChan, fmt.Errorf("open %q: %w", task.localPath, err))
					return
				}
				_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
					Bucket: aws.String(c.bucket),
					Key:    aws.String(c.key(task.relKey)),
					Body:   f,
				})
				f.Close()
				if err != nil {
					trySend(errChan, fmt.Errorf("upload %q: %w", task.relKey, err))
					return
				}
				mu.Lock()
				totalBytes += task.size
				mu.Unlock()
			}
		}()
	}

	go func() {
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				close(workChan)
				return
			case workChan <- task:
			}
		}
		close(workChan)
	}()

	wg.Wait()
	close(errChan)
	if err := <-errChan; err != nil {
		return 0, err
	}
	logger.Info("directory push complete", "bytes", totalBytes)
	return totalBytes, nil
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
