package cache

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/DataDog/zstd"
	"github.com/hashicorp/go-hclog"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/mr-tron/base58"

	"github.com/omni-build/omni/internal/model"
)

// remoteTier is the optional remote archive tier: each
// cache entry directory is serialized as a zstd-compressed tar stream and
// PUT/GET by digest against an HTTP endpoint, grounded on turborepo's
// internal/client (retryablehttp-based artifact PUT/GET) and its cache's
// own zstd compression of uploaded artifacts.
type remoteTier struct {
	client  *retryablehttp.Client
	baseURL string
}

// NewRemoteTier builds a remote tier against baseURL (e.g.
// "https://cache.example.com/v1/artifacts"); entries are addressed as
// "<baseURL>/<base58(digest)>".
func NewRemoteTier(baseURL string, client *retryablehttp.Client) *remoteTier {
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 3
	}
	return &remoteTier{client: client, baseURL: baseURL}
}

func (r *remoteTier) url(digest model.Digest) string {
	return fmt.Sprintf("%s/%s", r.baseURL, base58.Encode(digest[:]))
}

// put archives entryDir and PUTs it. Failure is logged, never propagated:
// "Remote errors in put are best-effort-logged but do not
// fail the local cache op."
func (r *remoteTier) put(entryDir string, digest model.Digest, logger hclog.Logger) {
	archive, err := archiveDir(entryDir)
	if err != nil {
		logger.Warn("remote cache: failed to archive entry", "dir", entryDir, "error", err)
		return
	}

	req, err := retryablehttp.NewRequest(http.MethodPut, r.url(digest), bytes.NewReader(archive))
	if err != nil {
		logger.Warn("remote cache: failed to build put request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Warn("remote cache: put failed", "digest", fmt.Sprintf("%x", digest), "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn("remote cache: put rejected", "digest", fmt.Sprintf("%x", digest), "status", resp.StatusCode)
	}
}

// fetchInto GETs the archive for digest and extracts it into entryDir,
// returning true on success. Any failure — network, non-200, corrupt
// archive — returns false, never an error; request, network, read and
// extraction failures are logged, while a non-200 status is a plain miss:
// "Remote errors in get fall back to a local miss."
func (r *remoteTier) fetchInto(entryDir string, digest model.Digest, logger hclog.Logger) bool {
	req, err := retryablehttp.NewRequest(http.MethodGet, r.url(digest), nil)
	if err != nil {
		logger.Warn("remote cache: failed to build get request", "error", err)
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Debug("remote cache: get failed", "digest", fmt.Sprintf("%x", digest), "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("remote cache: failed reading response body", "error", err)
		return false
	}

	if err := extractArchive(body, entryDir); err != nil {
		logger.Warn("remote cache: failed to extract archive", "digest", fmt.Sprintf("%x", digest), "error", err)
		return false
	}
	return true
}

func archiveDir(dir string) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	return zstd.Compress(nil, tarBuf.Bytes())
}

func extractArchive(compressed []byte, destDir string) error {
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}
