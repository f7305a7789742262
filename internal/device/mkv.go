package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
)

// The webm writer defaults to DocType "webm", which does not allow V_MJPEG.
var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

type mkvParams struct {
	width, height int
	fps           int
	duration      time.Duration
}

// writeMJPEGMatroska pulls JPEG frames from next at fps until duration has
// elapsed and muxes them as V_MJPEG. Every MJPEG frame is a keyframe.
func writeMJPEGMatroska(ctx context.Context, path string, p mkvParams, next func(context.Context) ([]byte, error)) (err error) {
	if p.fps <= 0 {
		p.fps = 30
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	period := time.Second / time.Duration(p.fps)
	ws, err := webm.NewSimpleBlockWriter(file, []webm.TrackEntry{
		{
			Name:            "Video",
			TrackNumber:     1,
			TrackUID:        uint64(time.Now().UnixNano()),
			CodecID:         "V_MJPEG",
			TrackType:       1,
			DefaultDuration: uint64(period),
			Video: &webm.Video{
				PixelWidth:  uint64(p.width),
				PixelHeight: uint64(p.height),
			},
		},
	}, mkvcore.WithEBMLHeader(matroskaHeader))
	if err != nil {
		file.Close()
		return fmt.Errorf("matroska writer: %w", err)
	}
	track := ws[0]
	defer func() {
		if cerr := track.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	for {
		elapsed := time.Since(start)
		if elapsed >= p.duration {
			return nil
		}
		data, err := next(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return errors.New("empty frame from encoder")
		}
		if _, err := track.Write(true, elapsed.Milliseconds(), data); err != nil {
			return fmt.Errorf("write block: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
