package downloader

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"go-kemono-download/internal/helpers"

	"github.com/chai2010/webp"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	CompressThreshold = 1536 * 1024 // 1.5 MiB
	WebPQuality       = 80
	minSavingPercent  = 10
)

// skipCompression lists image types that are not re-encoded: already WebP, or animated/vector formats.
var skipCompression = map[string]bool{".webp": true, ".gif": true, ".svg": true, ".ico": true}

// CompressToWebP re-encodes the image at path (named originalName upstream) as lossy WebP.
// It returns the WebP bytes only when they are at least 10% smaller than the original;
// otherwise nil. Callers keep the original file on error.
func CompressToWebP(path, originalName string) ([]byte, error) {
	ext := helpers.Ext(originalName)
	if !helpers.IsImage(originalName) || skipCompression[ext] {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() <= CompressThreshold {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", originalName, err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: WebPQuality}); err != nil {
		return nil, fmt.Errorf("encoding %s as webp: %w", originalName, err)
	}
	limit := info.Size() * (100 - minSavingPercent) / 100
	if int64(buf.Len()) > limit {
		log.Debugf("WebP of %s (%s) saves less than %d%%, keeping %s original", originalName,
			helpers.BytesToSize(uint64(buf.Len())), minSavingPercent, format)
		return nil, nil
	}
	log.Debugf("Compressed %s from %s to %s", originalName, helpers.BytesToSize(uint64(info.Size())), helpers.BytesToSize(uint64(buf.Len())))
	return buf.Bytes(), nil
}
