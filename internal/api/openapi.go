package api

import (
	"bytes"
	_ "embed"
	"net/http"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

//go:embed openapi.json
var openAPIDocument []byte

var (
	openAPIGzipOnce sync.Once
	openAPIGzip     []byte
)

// compressedOpenAPI 在首次请求时压缩文档并缓存结果。
func compressedOpenAPI() []byte {
	openAPIGzipOnce.Do(func() {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err == nil {
			_, err = zw.Write(openAPIDocument)
		}
		if err == nil {
			err = zw.Close()
		}
		if err != nil {
			logger.L().Error("压缩 OpenAPI 文档失败", "error", err)
			return
		}
		openAPIGzip = buf.Bytes()
	})
	return openAPIGzip
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(openAPIDocument)))
	_, _ = w.Write(openAPIDocument)
}

func (s *Server) handleOpenAPIGzip(w http.ResponseWriter, _ *http.Request) {
	data := compressedOpenAPI()
	if data == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal", "message": "internal server error"})
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
