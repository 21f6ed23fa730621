// Package thumbnail decodes the first video frame of a finished recording
// and writes it next to the file as a JPEG at the source resolution. It
// reuses the same libav bindings the encode and mux paths already link
// rather than pulling in a separate image codec.
package thumbnail

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/asticode/go-astiav"
)

// PathFor returns the thumbnail path for a recording: the recording's
// path with its extension swapped for .jpg.
func PathFor(recordingPath string) string {
	return strings.TrimSuffix(recordingPath, filepath.Ext(recordingPath)) + ".jpg"
}

// Extract decodes the first video frame of path and writes <stem>.jpg
// beside it, returning the thumbnail path. Callers treat failure as
// non-fatal; a recording without a thumbnail is still a recording.
func Extract(path string, log *slog.Logger) (string, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "thumbnail")

	f, err := decodeFirstFrame(path)
	if err != nil {
		return "", err
	}
	defer f.Free()

	jpeg, err := encodeJPEG(f)
	if err != nil {
		return "", err
	}

	out := PathFor(path)
	if err := os.WriteFile(out, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("thumbnail: write %q: %w", out, err)
	}
	log.Debug("thumbnail written", "path", out, "bytes", len(jpeg))
	return out, nil
}

func decodeFirstFrame(path string) (*astiav.Frame, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("thumbnail: AllocFormatContext returned nil")
	}
	if err := fc.OpenInput(path, nil, nil); err != nil {
		fc.Free()
		return nil, fmt.Errorf("thumbnail: OpenInput %q: %w", path, err)
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("thumbnail: FindStreamInfo: %w", err)
	}

	var vs *astiav.Stream
	for _, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			vs = s
			break
		}
	}
	if vs == nil {
		return nil, errors.New("thumbnail: no video stream")
	}

	dec := astiav.FindDecoder(vs.CodecParameters().CodecID())
	if dec == nil {
		return nil, fmt.Errorf("thumbnail: no decoder for %s", vs.CodecParameters().CodecID())
	}
	dctx := astiav.AllocCodecContext(dec)
	if dctx == nil {
		return nil, errors.New("thumbnail: AllocCodecContext returned nil")
	}
	defer dctx.Free()
	if err := vs.CodecParameters().ToCodecContext(dctx); err != nil {
		return nil, fmt.Errorf("thumbnail: ToCodecContext: %w", err)
	}
	if err := dctx.Open(dec, nil); err != nil {
		return nil, fmt.Errorf("thumbnail: open decoder: %w", err)
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	f := astiav.AllocFrame()

	for {
		if err := fc.ReadFrame(pkt); err != nil {
			f.Free()
			return nil, fmt.Errorf("thumbnail: no decodable frame in %q: %w", path, err)
		}
		if pkt.StreamIndex() != vs.Index() {
			pkt.Unref()
			continue
		}
		if err := dctx.SendPacket(pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
			pkt.Unref()
			f.Free()
			return nil, fmt.Errorf("thumbnail: SendPacket: %w", err)
		}
		pkt.Unref()

		err := dctx.ReceiveFrame(f)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, astiav.ErrEagain) {
			continue
		}
		f.Free()
		return nil, fmt.Errorf("thumbnail: ReceiveFrame: %w", err)
	}
}

// encodeJPEG converts the decoded frame to YUVJ420P at its own resolution
// and runs it through the mjpeg encoder, returning the compressed bytes.
func encodeJPEG(src *astiav.Frame) ([]byte, error) {
	sws, err := astiav.CreateSoftwareScaleContext(
		src.Width(), src.Height(), src.PixelFormat(),
		src.Width(), src.Height(), astiav.PixelFormatYuvj420P,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: CreateSoftwareScaleContext: %w", err)
	}
	defer sws.Free()

	dst := astiav.AllocFrame()
	defer dst.Free()
	dst.SetWidth(src.Width())
	dst.SetHeight(src.Height())
	dst.SetPixelFormat(astiav.PixelFormatYuvj420P)
	if err := dst.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("thumbnail: AllocBuffer: %w", err)
	}
	if err := sws.ScaleFrame(src, dst); err != nil {
		return nil, fmt.Errorf("thumbnail: ScaleFrame: %w", err)
	}

	enc := astiav.FindEncoder(astiav.CodecIDMjpeg)
	if enc == nil {
		return nil, errors.New("thumbnail: mjpeg encoder not linked")
	}
	ectx := astiav.AllocCodecContext(enc)
	if ectx == nil {
		return nil, errors.New("thumbnail: AllocCodecContext returned nil")
	}
	defer ectx.Free()
	ectx.SetWidth(dst.Width())
	ectx.SetHeight(dst.Height())
	ectx.SetPixelFormat(astiav.PixelFormatYuvj420P)
	ectx.SetTimeBase(astiav.NewRational(1, 25))
	if err := ectx.Open(enc, nil); err != nil {
		return nil, fmt.Errorf("thumbnail: open mjpeg encoder: %w", err)
	}

	dst.SetPts(0)
	if err := ectx.SendFrame(dst); err != nil {
		return nil, fmt.Errorf("thumbnail: SendFrame: %w", err)
	}
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	if err := ectx.ReceivePacket(pkt); err != nil {
		return nil, fmt.Errorf("thumbnail: ReceivePacket: %w", err)
	}
	return append([]byte(nil), pkt.Data()...), nil
}
