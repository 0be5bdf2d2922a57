package companion

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/timzifer/wearsync/config"
)

// Report is one weather observation as produced by a WeatherSource. Icon
// holds encoded image bytes.
type Report struct {
	MinTemp     float64
	MaxTemp     float64
	Description string
	Icon        []byte
}

// WeatherSource yields the latest weather on demand.
type WeatherSource interface {
	Current(ctx context.Context) (Report, error)
}

// StaticSource serves a fixed report.
type StaticSource struct {
	report Report
}

// NewStaticSource builds a source from configuration. Without an icon file a
// placeholder icon is generated.
func NewStaticSource(cfg config.CompanionConfig) (*StaticSource, error) {
	report := Report{
		MinTemp:     cfg.MinTemp,
		MaxTemp:     cfg.MaxTemp,
		Description: cfg.Description,
	}
	if cfg.IconFile != "" {
		data, err := os.ReadFile(cfg.IconFile)
		if err != nil {
			return nil, fmt.Errorf("read icon: %w", err)
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("icon %s: %w", cfg.IconFile, err)
		}
		report.Icon = data
	} else {
		icon, err := PlaceholderIcon(48)
		if err != nil {
			return nil, err
		}
		report.Icon = icon
	}
	return &StaticSource{report: report}, nil
}

// Current returns the configured report.
func (s *StaticSource) Current(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r := s.report
	r.Icon = append([]byte(nil), s.report.Icon...)
	return r, nil
}

// PlaceholderIcon draws a sun: a filled yellow disc on a transparent square.
func PlaceholderIcon(size int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	sun := color.NRGBA{R: 0xff, G: 0xc1, B: 0x07, A: 0xff}
	c := size / 2
	r2 := (size / 3) * (size / 3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := x-c, y-c
			if dx*dx+dy*dy <= r2 {
				img.SetNRGBA(x, y, sun)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode placeholder icon: %w", err)
	}
	return buf.Bytes(), nil
}
