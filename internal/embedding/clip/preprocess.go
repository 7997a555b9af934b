// Package clip prepares images for CLIP-style vision encoders.
package clip

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// InputSize is the edge length of the square the vision encoder expects.
const InputSize = 224

// Per-channel normalisation used when the CLIP encoders were trained.
var (
	Mean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	Std  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Decode reads an encoded image, applying any EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Preprocess scales img so its shorter side is InputSize, crops the center
// square and returns it as normalised CHW floats.
func Preprocess(img image.Image) []float32 {
	square := imaging.Fill(img, InputSize, InputSize, imaging.Center, imaging.CatmullRom)

	const plane = InputSize * InputSize
	out := make([]float32, 3*plane)
	for y := range InputSize {
		for x := range InputSize {
			c := square.NRGBAAt(x, y)
			i := y*InputSize + x
			out[i] = (float32(c.R)/255 - Mean[0]) / Std[0]
			out[plane+i] = (float32(c.G)/255 - Mean[1]) / Std[1]
			out[2*plane+i] = (float32(c.B)/255 - Mean[2]) / Std[2]
		}
	}
	return out
}

// PreprocessBytes decodes data and runs Preprocess on it.
func PreprocessBytes(data []byte) ([]float32, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Preprocess(img), nil
}
