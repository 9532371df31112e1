package provider

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decompressBody 根据Content-Encoding返回流式解压读取器
// 无压缩或identity编码时直接返回原始Body，保持流式特性
func decompressBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch encoding {
	case "", "identity":
		return resp.Body, nil

	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip stream reader: %w", err)
		}
		return gzipReader, nil

	case "deflate":
		return flate.NewReader(resp.Body), nil

	case "br":
		return &brotliReadCloser{reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil

	default:
		// 未知编码，保持兼容直接透传
		slog.Warn(fmt.Sprintf("⚠️ [流式解压] 未知的内容编码: %s, 使用原始流", encoding))
		return resp.Body, nil
	}
}

// brotliReadCloser 为brotli读取器补上Close
type brotliReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (brc *brotliReadCloser) Read(p []byte) (int, error) {
	return brc.reader.Read(p)
}

func (brc *brotliReadCloser) Close() error {
	return brc.closer.Close()
}
