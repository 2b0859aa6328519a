package gdepth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"

	"github.com/stevecastle/grebe/depthmap"
)

const (
	// maxSegmentPayload is the largest APP1 payload JPEG allows: the 16-bit
	// segment length covers itself plus the payload (65535 - 2).
	maxSegmentPayload = 65533

	// maxDepthPNGBytes bounds the encoded depth PNG before base64 expansion
	// (~1.33x) and the XMP wrapper, leaving margin under maxSegmentPayload.
	maxDepthPNGBytes = 45000

	// minPayloadSide is the smallest depth map we will downscale to before
	// giving up. Below this the depth data is useless to viewers anyway.
	minPayloadSide = 64

	// payloadMaxDimension caps the depth payload resolution; viewers do not
	// need more and the segment cannot hold it.
	payloadMaxDimension = 1024
)

// ErrPayloadTooLarge reports a depth map that cannot be made to fit a single
// APP1 segment even after downscaling. The payload is rejected outright,
// never truncated.
var ErrPayloadTooLarge = errors.New("gdepth: depth payload exceeds APP1 segment capacity")

// Options configures 3D photo assembly.
type Options struct {
	// Quality is the baseline JPEG quality (1-100) used when the source
	// image has to be re-encoded.
	Quality int

	// ReuseOriginalJPEG inserts the XMP segment into the uploaded bytes when
	// they are already a valid JPEG without XMP metadata, preserving the
	// original encoding instead of a second lossy pass.
	ReuseOriginalJPEG bool
}

// DefaultOptions returns high-quality defaults matching the studio settings.
func DefaultOptions() Options {
	return Options{Quality: 95, ReuseOriginalJPEG: true}
}

// Embed produces the 3D photo: src re-encoded (or originalBytes reused) as a
// baseline JPEG with the normalized depth map embedded as a GDepth XMP
// segment. originalBytes may be nil.
func Embed(src image.Image, originalBytes []byte, depth *depthmap.Map, opts Options) ([]byte, error) {
	payload, err := encodeDepthPayload(depth)
	if err != nil {
		return nil, err
	}
	packet := buildXMPPacket(payload)

	segment := make([]byte, 0, len(xmpHeader)+len(packet))
	segment = append(segment, xmpHeader...)
	segment = append(segment, packet...)
	if len(segment) > maxSegmentPayload {
		// Should be unreachable given maxDepthPNGBytes, but the format limit
		// is the contract: reject, never truncate.
		return nil, ErrPayloadTooLarge
	}

	base, err := baselineJPEG(src, originalBytes, opts)
	if err != nil {
		return nil, err
	}

	return insertAPP1(base, segment), nil
}

// encodeDepthPayload PNG-encodes the depth map, downscaling by halves until
// it fits the per-segment budget. Fails with ErrPayloadTooLarge when the map
// cannot fit above the minimum resolution.
func encodeDepthPayload(depth *depthmap.Map) ([]byte, error) {
	if depth == nil || len(depth.Pix) != depth.Width*depth.Height {
		return nil, errors.New("gdepth: malformed depth map")
	}

	gray := depth.GrayImage()
	if depth.Width > payloadMaxDimension || depth.Height > payloadMaxDimension {
		gray = toGray(imaging.Fit(gray, payloadMaxDimension, payloadMaxDimension, imaging.Linear))
	}

	for {
		m := &depthmap.Map{Width: gray.Bounds().Dx(), Height: gray.Bounds().Dy(), Pix: gray.Pix}
		data, err := depthmap.EncodePNG(m)
		if err != nil {
			return nil, fmt.Errorf("gdepth: encode depth payload: %w", err)
		}
		if len(data) <= maxDepthPNGBytes {
			return data, nil
		}
		w := gray.Bounds().Dx() / 2
		h := gray.Bounds().Dy() / 2
		if w < minPayloadSide || h < minPayloadSide {
			return nil, ErrPayloadTooLarge
		}
		gray = toGray(imaging.Resize(gray, w, h, imaging.Linear))
	}
}

// toGray collapses an NRGBA resize result back to single-channel gray.
// Channels are equal for grayscale sources, so the red channel suffices.
func toGray(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			gray.Pix[y*gray.Stride+x] = img.NRGBAAt(b.Min.X+x, b.Min.Y+y).R
		}
	}
	return gray
}

// baselineJPEG returns the color JPEG the XMP segment is inserted into.
func baselineJPEG(src image.Image, originalBytes []byte, opts Options) ([]byte, error) {
	if opts.ReuseOriginalJPEG && isJPEG(originalBytes) && !hasXMPSegment(originalBytes) {
		return originalBytes, nil
	}
	if src == nil {
		return nil, errors.New("gdepth: no source image to encode")
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("gdepth: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// isJPEG reports whether data starts with the JPEG SOI marker.
func isJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8
}

// insertAPP1 places the segment immediately after SOI, ahead of the scan
// data, which keeps the file parseable by readers that skip unknown APP1s.
func insertAPP1(jpegBytes, segment []byte) []byte {
	out := make([]byte, 0, len(jpegBytes)+len(segment)+4)
	out = append(out, jpegBytes[:2]...)
	out = append(out, 0xFF, 0xE1)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(segment)+2))
	out = append(out, length[:]...)
	out = append(out, segment...)
	out = append(out, jpegBytes[2:]...)
	return out
}

// hasXMPSegment reports whether the JPEG already carries an XMP APP1 block.
func hasXMPSegment(data []byte) bool {
	_, err := findXMPSegment(data)
	return err == nil
}

// findXMPSegment walks the JPEG segment stream and returns the XMP packet
// from the first APP1 segment carrying the XMP namespace header.
func findXMPSegment(data []byte) ([]byte, error) {
	if !isJPEG(data) {
		return nil, errors.New("gdepth: not a JPEG")
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("gdepth: bad marker byte at offset %d", i)
		}
		marker := data[i+1]
		// Padding bytes between segments.
		if marker == 0xFF {
			i++
			continue
		}
		// SOS: compressed scan data follows, no more metadata segments.
		if marker == 0xDA {
			break
		}
		// Standalone markers without a length field.
		if marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			i += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if length < 2 || i+2+length > len(data) {
			return nil, errors.New("gdepth: truncated segment")
		}
		payload := data[i+4 : i+2+length]
		if marker == 0xE1 && bytes.HasPrefix(payload, []byte(xmpHeader)) {
			return payload[len(xmpHeader):], nil
		}
		i += 2 + length
	}
	return nil, errors.New("gdepth: no XMP segment found")
}

// Extract recovers the depth metadata from a 3D photo produced by Embed (or
// any GDepth-convention JPEG).
func Extract(jpegBytes []byte) (*Metadata, error) {
	packet, err := findXMPSegment(jpegBytes)
	if err != nil {
		return nil, err
	}
	return parseXMPPacket(packet)
}
