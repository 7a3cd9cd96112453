package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// zstdPool holds reusable single-threaded decoders.
var zstdPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			// Cannot fail with nil input and these options.
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

type encoding int

const (
	encodingIdentity encoding = iota
	encodingZstd
	encodingGzip
)

// detectEncoding prefers Content-Encoding and falls back to the key suffix.
func detectEncoding(info ObjectInfo) encoding {
	switch strings.ToLower(strings.TrimSpace(info.ContentEncoding)) {
	case "zstd":
		return encodingZstd
	case "gzip", "x-gzip":
		return encodingGzip
	}
	switch path.Ext(info.Key) {
	case ".zst":
		return encodingZstd
	case ".gz":
		return encodingGzip
	}
	return encodingIdentity
}

func decode(data []byte, info ObjectInfo) ([]byte, error) {
	switch detectEncoding(info) {
	case encodingZstd:
		d := zstdPool.Get().(*zstd.Decoder)
		defer zstdPool.Put(d)
		out, err := d.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		return out, nil
	case encodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decompression failed: %w", err)
		}
		return out, nil
	}
	return data, nil
}
