package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"analysis-dispatch/internal/models"
)

const (
	chartBarWidth  = 24
	chartBarGap    = 8
	chartHeight    = 200
	chartMaxHeight = chartHeight - 20
)

var (
	chartBackground = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	chartAxis       = color.RGBA{R: 60, G: 60, B: 60, A: 255}
	chartBar        = color.RGBA{R: 52, G: 120, B: 246, A: 255}
)

// probability pulls the "probability" score out of an analysis result, clamped to [0, 1].
func probability(result json.RawMessage) float64 {
	var body struct {
		Probability float64 `json:"probability"`
	}
	if len(result) == 0 || json.Unmarshal(result, &body) != nil {
		return 0
	}
	switch {
	case body.Probability < 0:
		return 0
	case body.Probability > 1:
		return 1
	}
	return body.Probability
}

// renderChart draws one bar per analysis and scales the image to width pixels.
func renderChart(records []models.AnalysisRecord, width int) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("no analyses to chart")
	}
	raw := image.NewRGBA(image.Rect(0, 0, len(records)*(chartBarWidth+chartBarGap)+chartBarGap, chartHeight))
	draw.Draw(raw, raw.Bounds(), &image.Uniform{C: chartBackground}, image.Point{}, draw.Src)

	baseline := chartHeight - 10
	for i, rec := range records {
		h := int(probability(rec.Result) * chartMaxHeight)
		x0 := chartBarGap + i*(chartBarWidth+chartBarGap)
		bar := image.Rect(x0, baseline-h, x0+chartBarWidth, baseline)
		draw.Draw(raw, bar, &image.Uniform{C: chartBar}, image.Point{}, draw.Src)
	}
	axis := image.Rect(0, baseline, raw.Bounds().Dx(), baseline+1)
	draw.Draw(raw, axis, &image.Uniform{C: chartAxis}, image.Point{}, draw.Src)

	var out image.Image = raw
	if width > 0 && width != raw.Bounds().Dx() {
		out = imaging.Resize(raw, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}
